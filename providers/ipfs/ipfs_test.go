package ipfs_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calque-health/medvault"
	"github.com/calque-health/medvault/providers/ipfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode emulates the subset of the Kubo HTTP API the client uses.
type fakeNode struct {
	blobs   map[string][]byte
	pins    map[string]bool
	nextCID int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		blobs: make(map[string][]byte),
		pins:  make(map[string]bool),
	}
}

func (n *fakeNode) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		n.nextCID++
		cid := fmt.Sprintf("bafy-test-%d", n.nextCID)
		n.blobs[cid] = data
		n.pins[cid] = true
		json.NewEncoder(w).Encode(map[string]string{"Hash": cid})
	})
	mux.HandleFunc("/api/v0/cat", func(w http.ResponseWriter, r *http.Request) {
		data, ok := n.blobs[r.URL.Query().Get("arg")]
		if !ok {
			http.Error(w, `{"Message":"merkledag: not found"}`, http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("/api/v0/pin/rm", func(w http.ResponseWriter, r *http.Request) {
		cid := r.URL.Query().Get("arg")
		if !n.pins[cid] {
			http.Error(w, `{"Message":"not pinned or pinned indirectly"}`, http.StatusInternalServerError)
			return
		}
		delete(n.pins, cid)
		json.NewEncoder(w).Encode(map[string][]string{"Pins": {cid}})
	})
	return mux
}

func newTestClient(t *testing.T) (*ipfs.Client, *fakeNode) {
	t.Helper()
	node := newFakeNode()
	srv := httptest.NewServer(node.handler())
	t.Cleanup(srv.Close)
	client, err := ipfs.New(ipfs.Config{APIURL: srv.URL})
	require.NoError(t, err)
	return client, node
}

func TestNewRequiresAPIURL(t *testing.T) {
	_, err := ipfs.New(ipfs.Config{})
	require.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}

func TestUploadFetchRoundTrip(t *testing.T) {
	client, node := newTestClient(t)
	ctx := context.Background()

	blob := []byte("encrypted payload")
	cid, err := client.Upload(ctx, blob)
	require.NoError(t, err)
	require.NotEmpty(t, cid)
	assert.True(t, node.pins[cid], "uploaded blob should be pinned")

	got, err := client.Fetch(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestFetchUnknownCID(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Fetch(context.Background(), "bafy-missing")
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)
	assert.True(t, medvault.IsRetryable(err))
}

func TestUnpin(t *testing.T) {
	client, node := newTestClient(t)
	ctx := context.Background()

	cid, err := client.Upload(ctx, []byte("pinned blob"))
	require.NoError(t, err)

	require.NoError(t, client.Unpin(ctx, cid))
	assert.False(t, node.pins[cid])

	// Kubo reports an already-unpinned CID as an error; the client treats
	// it as success so erasure stays idempotent.
	require.NoError(t, client.Unpin(ctx, cid))
}

func TestServerErrorsSurfaceAsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"Message":"repo is locked"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client, err := ipfs.New(ipfs.Config{APIURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Upload(ctx, []byte("x"))
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)

	err = client.Unpin(ctx, "bafy-any")
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)
}

func TestUnreachableNode(t *testing.T) {
	client, err := ipfs.New(ipfs.Config{APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = client.Upload(context.Background(), []byte("x"))
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)
}
