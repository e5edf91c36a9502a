// Package vaulttransit implements key management for medvault on the
// HashiCorp Vault Transit Engine. Patient KEKs live inside Vault and never
// leave it; wrap and unwrap run server-side.
package vaulttransit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/calque-health/medvault"
	"github.com/hashicorp/vault/api"
)

// TransitService implements medvault.KeyManagementService using HashiCorp
// Vault Transit Engine.
//
// The Transit Engine must be enabled in Vault before use:
//
//	vault secrets enable transit
type TransitService struct {
	client     *api.Client
	cancelFunc context.CancelFunc
}

// New creates a new TransitService instance.
//
// The service uses environment variables for configuration (see createVaultClient).
//
// Usage:
//
//	transit, err := vaulttransit.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer transit.Close()
func New() (*TransitService, error) {
	client, err := createVaultClient()
	if err != nil {
		return nil, err
	}

	_, cancelFunc := context.WithCancel(context.Background())
	return &TransitService{
		client:     client,
		cancelFunc: cancelFunc,
	}, nil
}

// CreateKey creates a new Transit Engine key named after the description.
//
// Transit key names cannot contain slashes, so any are replaced with dashes.
// Returns the key name, which serves as the key ID.
func (t *TransitService) CreateKey(ctx context.Context, description string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("%w: description (key name) cannot be empty", medvault.ErrInvalidConfiguration)
	}
	name := strings.ReplaceAll(description, "/", "-")

	_, err := t.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/keys/%s", name), map[string]interface{}{
		"type": "aes256-gcm96", // AES-256-GCM with 96-bit nonce
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transit key '%s': %w", medvault.ErrKMSUnavailable, name, err)
	}

	return name, nil
}

// WrapDEK encrypts a data encryption key using the Vault Transit Engine.
//
// The keyID is the name of the Transit Engine key.
// Returns Vault-formatted ciphertext (e.g., "vault:v1:base64...").
func (t *TransitService) WrapDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error) {
	if len(plaintextDEK) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", medvault.ErrKeyManagement)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: keyID cannot be empty", medvault.ErrInvalidConfiguration)
	}

	// Vault Transit expects base64-encoded plaintext.
	resp, err := t.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/encrypt/%s", keyID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintextDEK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap DEK with key '%s': %w", medvault.ErrKMSUnavailable, keyID, err)
	}

	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit encrypt", medvault.ErrKMSUnavailable)
	}

	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: ciphertext not found in response", medvault.ErrKMSUnavailable)
	}

	return []byte(ciphertext), nil
}

// UnwrapDEK decrypts a data encryption key using the Vault Transit Engine.
//
// The ciphertext should be in Vault format (e.g., "vault:v1:base64...").
func (t *TransitService) UnwrapDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error) {
	if len(ciphertextDEK) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", medvault.ErrKeyManagement)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: keyID cannot be empty", medvault.ErrInvalidConfiguration)
	}

	resp, err := t.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/decrypt/%s", keyID), map[string]interface{}{
		"ciphertext": string(ciphertextDEK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK with key '%s': %w", medvault.ErrKMSUnavailable, keyID, err)
	}

	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit decrypt", medvault.ErrKMSUnavailable)
	}

	plaintextBase64, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: plaintext not found in response", medvault.ErrKMSUnavailable)
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode plaintext: %w", medvault.ErrKeyManagement, err)
	}

	return plaintext, nil
}

// Close cancels any background operations and cleans up resources.
func (t *TransitService) Close() {
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
}
