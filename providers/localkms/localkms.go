// Package localkms is a file-free key management service for development and
// single-node deployments. Per-patient KEKs are derived from one master key
// with HKDF, so nothing but the master key needs to be kept secret.
//
// It is NOT a substitute for a real KMS in production: the master key lives
// in process memory and there is no audit trail around key usage.
package localkms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/calque-health/medvault"
	"golang.org/x/crypto/hkdf"
)

// EnvMasterKey names the environment variable holding the base64-encoded
// 32-byte master key for NewFromEnvironment.
const EnvMasterKey = "MEDVAULT_LOCAL_MASTER_KEY"

const masterKeySize = 32

// Service implements medvault.KeyManagementService with locally derived keys.
type Service struct {
	master []byte
}

// New creates a local KMS from a 32-byte master key.
func New(masterKey []byte) (*Service, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d",
			medvault.ErrInvalidConfiguration, masterKeySize, len(masterKey))
	}
	return &Service{master: append([]byte(nil), masterKey...)}, nil
}

// NewFromEnvironment creates a local KMS from the MEDVAULT_LOCAL_MASTER_KEY
// environment variable (base64 standard encoding).
func NewFromEnvironment() (*Service, error) {
	encoded := os.Getenv(EnvMasterKey)
	if encoded == "" {
		return nil, fmt.Errorf("%w: %s environment variable is required",
			medvault.ErrInvalidConfiguration, EnvMasterKey)
	}
	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64: %w",
			medvault.ErrInvalidConfiguration, EnvMasterKey, err)
	}
	return New(master)
}

// GenerateMasterKey returns a fresh random master key, base64-encoded for
// storage in the environment.
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("%w: failed to generate master key: %w", medvault.ErrKeyManagement, err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// CreateKey mints a new key ID. The ID doubles as the HKDF info string, so
// each ID names a distinct derived KEK. No state is kept.
func (s *Service) CreateKey(_ context.Context, description string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: failed to generate key ID: %w", medvault.ErrKeyManagement, err)
	}
	return "local-" + hex.EncodeToString(salt), nil
}

// WrapDEK seals the DEK with AES-256-GCM under the KEK derived for keyID.
func (s *Service) WrapDEK(_ context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", medvault.ErrKeyManagement)
	}
	gcm, err := s.deriveAEAD(keyID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %w", medvault.ErrKeyManagement, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// UnwrapDEK opens a DEK previously sealed by WrapDEK with the same keyID.
func (s *Service) UnwrapDEK(_ context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	gcm, err := s.deriveAEAD(keyID)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped DEK too short", medvault.ErrKeyManagement)
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK: %w", medvault.ErrKeyManagement, err)
	}
	return plaintext, nil
}

func (s *Service) deriveAEAD(keyID string) (cipher.AEAD, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: keyID cannot be empty", medvault.ErrInvalidConfiguration)
	}
	kek := make([]byte, masterKeySize)
	r := hkdf.New(sha256.New, s.master, nil, []byte(keyID))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("%w: failed to derive KEK: %w", medvault.ErrKeyManagement, err)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medvault.ErrKeyManagement, err)
	}
	return cipher.NewGCM(block)
}
