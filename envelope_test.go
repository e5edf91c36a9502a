package medvault_test

import (
	"context"
	"testing"

	"github.com/calque-health/medvault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plaintext := []byte("fasting glucose 92 mg/dL")
	sealed, err := env.vault.Encrypt(ctx, plaintext, "patient-1")
	require.NoError(t, err)

	assert.Len(t, sealed.IV, 12)
	assert.Len(t, sealed.AuthTag, 16)
	assert.NotEmpty(t, sealed.EncryptedDEK)
	assert.Equal(t, "v1", sealed.DEKVersion)
	assert.NotEqual(t, plaintext, sealed.Ciphertext)

	opened, err := env.vault.Decrypt(ctx, sealed, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEncryptFreshDEKPerRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plaintext := []byte("identical payload")
	first, err := env.vault.Encrypt(ctx, plaintext, "patient-1")
	require.NoError(t, err)
	second, err := env.vault.Encrypt(ctx, plaintext, "patient-1")
	require.NoError(t, err)

	// Same plaintext, same patient: everything random must differ.
	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.NotEqual(t, first.EncryptedDEK, second.EncryptedDEK)
}

func TestDecryptTamperDetection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sealed, err := env.vault.Encrypt(ctx, []byte("diagnosis: none"), "patient-1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(e *medvault.EncryptedRecord)
	}{
		{"ciphertext bit flip", func(e *medvault.EncryptedRecord) { e.Ciphertext[0] ^= 0x01 }},
		{"auth tag bit flip", func(e *medvault.EncryptedRecord) { e.AuthTag[0] ^= 0x01 }},
		{"iv bit flip", func(e *medvault.EncryptedRecord) { e.IV[0] ^= 0x01 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := sealed
			tampered.IV = append([]byte(nil), sealed.IV...)
			tampered.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
			tampered.AuthTag = append([]byte(nil), sealed.AuthTag...)
			tt.mutate(&tampered)

			_, err := env.vault.Decrypt(ctx, tampered, "patient-1")
			require.Error(t, err)
			assert.ErrorIs(t, err, medvault.ErrAuthenticationFailed)
			assert.True(t, medvault.IsAuthError(err))
		})
	}
}

func TestDecryptMalformedDEKVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sealed, err := env.vault.Encrypt(ctx, []byte("payload"), "patient-1")
	require.NoError(t, err)

	for _, version := range []string{"", "1", "v0", "vx", "V1"} {
		bad := sealed
		bad.DEKVersion = version
		_, err := env.vault.Decrypt(ctx, bad, "patient-1")
		assert.ErrorIs(t, err, medvault.ErrKeyManagement, "version %q", version)
	}
}

func TestRotationKeepsOldEnvelopesReadable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	before := []byte("written under KEK v1")
	sealedV1, err := env.vault.Encrypt(ctx, before, "patient-1")
	require.NoError(t, err)

	pk, err := env.vault.RotatePatientKEK(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 2, pk.Version)

	after := []byte("written under KEK v2")
	sealedV2, err := env.vault.Encrypt(ctx, after, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", sealedV2.DEKVersion)

	// No re-encryption happened: the old envelope still opens through its
	// stored version.
	openedV1, err := env.vault.Decrypt(ctx, sealedV1, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, before, openedV1)

	openedV2, err := env.vault.Decrypt(ctx, sealedV2, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, after, openedV2)
}

func TestRotateUnknownPatientProvisionsKey(t *testing.T) {
	env := newTestEnv(t)

	// Rotating a patient that never wrote anything provisions v1 first.
	pk, err := env.vault.RotatePatientKEK(context.Background(), "patient-new")
	require.NoError(t, err)
	assert.Equal(t, 2, pk.Version)
}

func TestKMSUnavailableSurfacesKeyManagementError(t *testing.T) {
	env := newTestEnv(t)
	env.kms.Err = context.DeadlineExceeded

	_, err := env.vault.Encrypt(context.Background(), []byte("payload"), "patient-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, medvault.ErrKeyManagement)
}
