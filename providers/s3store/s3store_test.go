package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/calque-health/medvault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3 is an in-memory s3Client.
type mockS3 struct {
	objects map[string][]byte

	putErr    error
	getErr    error
	deleteErr error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.ErrorIs(t, err, medvault.ErrInvalidConfiguration)
}

func TestUploadFetchRoundTrip(t *testing.T) {
	client := newMockS3()
	store := NewWithClient(client, "vault-blobs", "")
	ctx := context.Background()

	blob := []byte("encrypted record payload")
	cid, err := store.Upload(ctx, blob)
	require.NoError(t, err)

	sum := sha256.Sum256(blob)
	assert.Equal(t, hex.EncodeToString(sum[:]), cid)
	assert.Contains(t, client.objects, cid)

	got, err := store.Fetch(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestUploadIsIdempotent(t *testing.T) {
	client := newMockS3()
	store := NewWithClient(client, "vault-blobs", "")
	ctx := context.Background()

	cid1, err := store.Upload(ctx, []byte("same bytes"))
	require.NoError(t, err)
	cid2, err := store.Upload(ctx, []byte("same bytes"))
	require.NoError(t, err)

	assert.Equal(t, cid1, cid2)
	assert.Len(t, client.objects, 1)
}

func TestPrefixIsAppliedToObjectKeys(t *testing.T) {
	client := newMockS3()
	store := NewWithClient(client, "vault-blobs", "records")
	ctx := context.Background()

	cid, err := store.Upload(ctx, []byte("prefixed"))
	require.NoError(t, err)
	assert.Contains(t, client.objects, "records/"+cid)

	got, err := store.Fetch(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, []byte("prefixed"), got)

	require.NoError(t, store.Unpin(ctx, cid))
	assert.Empty(t, client.objects)
}

func TestFetchVerifiesDigest(t *testing.T) {
	client := newMockS3()
	store := NewWithClient(client, "vault-blobs", "")
	ctx := context.Background()

	cid, err := store.Upload(ctx, []byte("original"))
	require.NoError(t, err)

	// Corrupt the stored object behind the store's back.
	client.objects[cid] = []byte("tampered")

	_, err = store.Fetch(ctx, cid)
	require.ErrorIs(t, err, medvault.ErrAuthenticationFailed)
}

func TestBackendErrorsAreRetryable(t *testing.T) {
	client := newMockS3()
	store := NewWithClient(client, "vault-blobs", "")
	ctx := context.Background()

	client.putErr = errors.New("connection reset")
	_, err := store.Upload(ctx, []byte("x"))
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)
	assert.True(t, medvault.IsRetryable(err))

	client.putErr = nil
	cid, err := store.Upload(ctx, []byte("x"))
	require.NoError(t, err)

	client.getErr = errors.New("connection reset")
	_, err = store.Fetch(ctx, cid)
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)

	client.deleteErr = errors.New("connection reset")
	require.ErrorIs(t, store.Unpin(ctx, cid), medvault.ErrBackendUnavailable)
}

func TestFetchMissingObject(t *testing.T) {
	store := NewWithClient(newMockS3(), "vault-blobs", "")
	_, err := store.Fetch(context.Background(), "deadbeef")
	require.ErrorIs(t, err, medvault.ErrBackendUnavailable)
}
