// Package ipfs implements a ContentStore on the Kubo (go-ipfs) HTTP API.
//
// Blobs are added with pinning enabled; Unpin removes the pin so the node's
// garbage collector can reclaim the blocks. The daemon's API endpoint is
// usually http://127.0.0.1:5001.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calque-health/medvault"
)

// Client implements medvault.ContentStore against an IPFS node's HTTP API.
type Client struct {
	apiURL string
	http   *http.Client
}

// Config holds configuration for the IPFS client.
type Config struct {
	// APIURL is the node's API endpoint, e.g. "http://127.0.0.1:5001".
	APIURL string

	// Timeout bounds each API call. Defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default HTTP client when set.
	HTTPClient *http.Client
}

// New creates an IPFS-backed content store.
func New(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("%w: API URL cannot be empty", medvault.ErrInvalidConfiguration)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		http:   httpClient,
	}, nil
}

// Upload adds a blob to the node with pinning enabled and returns its CID.
func (c *Client) Upload(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("%w: %w", medvault.ErrBackendUnavailable, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %w", medvault.ErrBackendUnavailable, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", medvault.ErrBackendUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/api/v0/add?pin=true&cid-version=1", &body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", medvault.ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ipfs add failed: %w", medvault.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError("add", resp)
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: failed to decode ipfs add response: %w", medvault.ErrBackendUnavailable, err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("%w: ipfs add returned no CID", medvault.ErrBackendUnavailable)
	}
	return out.Hash, nil
}

// Fetch retrieves a blob by CID.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	resp, err := c.post(ctx, "/api/v0/cat", cid)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("cat", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read blob %s: %w", medvault.ErrBackendUnavailable, cid, err)
	}
	return data, nil
}

// Unpin removes the pin for a CID. Unpinning an already-unpinned CID is
// treated as success.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	resp, err := c.post(ctx, "/api/v0/pin/rm", cid)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	// Kubo reports "not pinned" as a 500 with an error message.
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if strings.Contains(string(msg), "not pinned") {
		return nil
	}
	return fmt.Errorf("%w: ipfs pin/rm %s: status %d: %s",
		medvault.ErrBackendUnavailable, cid, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func (c *Client) post(ctx context.Context, apiPath, arg string) (*http.Response, error) {
	u := c.apiURL + apiPath + "?arg=" + url.QueryEscape(arg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrBackendUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ipfs api call failed: %w", medvault.ErrBackendUnavailable, err)
	}
	return resp, nil
}

func apiError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: ipfs %s: status %d: %s",
		medvault.ErrBackendUnavailable, op, resp.StatusCode, strings.TrimSpace(string(msg)))
}
