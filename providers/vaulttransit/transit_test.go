package vaulttransit_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calque-health/medvault"
	"github.com/calque-health/medvault/providers/vaulttransit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransit emulates the Vault Transit endpoints the service uses. The
// "ciphertext" is the base64 plaintext with a vault:v1: prefix, mimicking
// Vault's wire format without any real crypto.
type fakeTransit struct {
	keys map[string]bool

	// dropField, when set, omits that field from the next response to
	// exercise the response-shape error paths.
	dropField string
}

func newFakeTransit() *fakeTransit {
	return &fakeTransit{keys: make(map[string]bool)}
}

func (f *fakeTransit) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transit/keys/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v1/transit/keys/")
		f.keys[name] = true
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/transit/encrypt/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Plaintext string `json:"plaintext"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		data := map[string]any{"ciphertext": "vault:v1:" + req.Plaintext}
		if f.dropField == "ciphertext" {
			delete(data, "ciphertext")
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	mux.HandleFunc("/v1/transit/decrypt/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Ciphertext string `json:"ciphertext"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		data := map[string]any{"plaintext": strings.TrimPrefix(req.Ciphertext, "vault:v1:")}
		if f.dropField == "plaintext" {
			delete(data, "plaintext")
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	return mux
}

func newTestService(t *testing.T) (*vaulttransit.TransitService, *fakeTransit) {
	t.Helper()
	fake := newFakeTransit()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "test-token")
	t.Setenv("VAULT_ROLE_ID", "")
	t.Setenv("VAULT_SECRET_ID", "")

	svc, err := vaulttransit.New()
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, fake
}

func TestCreateKeySanitizesName(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	name, err := svc.CreateKey(ctx, "patients/p1/kek")
	require.NoError(t, err)
	assert.Equal(t, "patients-p1-kek", name)
	assert.True(t, fake.keys["patients-p1-kek"], "sanitized name should reach the transit engine")

	_, err = svc.CreateKey(ctx, "")
	require.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dek := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := svc.WrapDEK(ctx, "patient-kek", dek)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(wrapped), "vault:v1:"), "ciphertext keeps Vault's wire format")
	assert.Equal(t, base64.StdEncoding.EncodeToString(dek), strings.TrimPrefix(string(wrapped), "vault:v1:"))

	unwrapped, err := svc.UnwrapDEK(ctx, "patient-kek", wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)
}

func TestWrapUnwrapValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.WrapDEK(ctx, "patient-kek", nil)
	require.ErrorIs(t, err, medvault.ErrKeyManagement)

	_, err = svc.WrapDEK(ctx, "", []byte("dek"))
	require.ErrorIs(t, err, medvault.ErrInvalidConfiguration)

	_, err = svc.UnwrapDEK(ctx, "patient-kek", nil)
	require.ErrorIs(t, err, medvault.ErrKeyManagement)

	_, err = svc.UnwrapDEK(ctx, "", []byte("vault:v1:x"))
	require.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}

func TestMalformedTransitResponses(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	fake.dropField = "ciphertext"
	_, err := svc.WrapDEK(ctx, "patient-kek", []byte("dek"))
	require.ErrorIs(t, err, medvault.ErrKMSUnavailable)

	fake.dropField = "plaintext"
	_, err = svc.UnwrapDEK(ctx, "patient-kek", []byte("vault:v1:ZGVr"))
	require.ErrorIs(t, err, medvault.ErrKMSUnavailable)
}

func TestNewRequiresAuthentication(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_ROLE_ID", "")
	t.Setenv("VAULT_SECRET_ID", "")

	_, err := vaulttransit.New()
	require.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}
