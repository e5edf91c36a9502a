package medvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	dekSize     = 32 // AES-256
	ivSize      = 12 // GCM standard nonce
	authTagSize = 16
)

// Encrypt seals plaintext for a patient. Every call generates a fresh random
// DEK and IV; the DEK is wrapped with the patient's current KEK and wiped
// from memory before returning.
func (v *Vault) Encrypt(ctx context.Context, plaintext []byte, patientID string) (EncryptedRecord, error) {
	pk, err := v.ensurePatientKey(ctx, patientID)
	if err != nil {
		return EncryptedRecord{}, err
	}

	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return EncryptedRecord{}, fmt.Errorf("%w: failed to generate DEK: %w", ErrKeyManagement, err)
	}
	defer wipe(dek)

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return EncryptedRecord{}, fmt.Errorf("%w: failed to generate IV: %w", ErrKeyManagement, err)
	}

	sealed, err := sealGCM(dek, iv, plaintext)
	if err != nil {
		return EncryptedRecord{}, err
	}

	wrapped, err := v.kms.WrapDEK(ctx, pk.KEKID, dek)
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("%w: failed to wrap DEK (kek version %d): %w", ErrKeyManagement, pk.Version, err)
	}

	// gcm.Seal appends the tag to the ciphertext; the envelope keeps them
	// as separate fields.
	split := len(sealed) - authTagSize
	return EncryptedRecord{
		IV:           iv,
		Ciphertext:   sealed[:split],
		AuthTag:      sealed[split:],
		EncryptedDEK: wrapped,
		DEKVersion:   formatDEKVersion(pk.Version),
	}, nil
}

// Decrypt opens an envelope for a patient. The KEK is resolved by the
// envelope's DEKVersion, which may be older than the patient's current KEK
// after rotation. A GCM tag mismatch fails closed with
// ErrAuthenticationFailed.
func (v *Vault) Decrypt(ctx context.Context, env EncryptedRecord, patientID string) ([]byte, error) {
	version, err := parseDEKVersion(env.DEKVersion)
	if err != nil {
		return nil, err
	}
	pk, err := v.patientKeyByVersion(ctx, patientID, version)
	if err != nil {
		return nil, err
	}

	dek, err := v.kms.UnwrapDEK(ctx, pk.KEKID, env.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK (kek version %d): %w", ErrKeyManagement, version, err)
	}
	defer wipe(dek)

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := openGCM(dek, env.IV, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

func sealGCM(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %w", ErrKeyManagement, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %w", ErrKeyManagement, err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func openGCM(key, nonce, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV size %d", len(nonce))
	}
	return gcm.Open(nil, nonce, sealed, nil)
}

// wipe zeroes key material as soon as it is no longer needed.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
