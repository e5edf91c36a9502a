package medvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// In-memory implementations of the vault's collaborator interfaces. They
// keep tests hermetic without mocking frameworks and are exported so that
// downstream adapters can reuse them.

// TestKMS is an in-memory KeyManagementService. Each created key is a real
// AES-256 key held in memory; wrap/unwrap are real AES-GCM operations so
// envelope round-trips behave like a production KMS.
type TestKMS struct {
	mu      sync.Mutex
	keys    map[string][]byte
	nextKey int

	// Err, when set, is returned by every operation. Used to exercise
	// KMS-unavailable paths.
	Err error
}

// NewTestKMS creates an empty in-memory KMS.
func NewTestKMS() *TestKMS {
	return &TestKMS{keys: make(map[string][]byte)}
}

func (k *TestKMS) CreateKey(_ context.Context, description string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return "", k.Err
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	k.nextKey++
	keyID := fmt.Sprintf("test-kek-%d", k.nextKey)
	k.keys[keyID] = key
	return keyID, nil
}

func (k *TestKMS) WrapDEK(_ context.Context, keyID string, plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return nil, k.Err
	}
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", keyID)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (k *TestKMS) UnwrapDEK(_ context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return nil, k.Err
	}
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", keyID)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("wrapped DEK too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MemoryContentStore is an in-memory content-addressed store. CIDs are the
// hex SHA-256 of the blob.
type MemoryContentStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// UploadErr / FetchErr / UnpinErr inject failures for resilience tests.
	UploadErr error
	FetchErr  error
	UnpinErr  error

	// Unpinned records every CID passed to Unpin, in order.
	Unpinned []string
}

// NewMemoryContentStore creates an empty in-memory content store.
func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{blobs: make(map[string][]byte)}
}

func (s *MemoryContentStore) Upload(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UploadErr != nil {
		return "", s.UploadErr
	}
	sum := sha256.Sum256(data)
	cid := hex.EncodeToString(sum[:])
	s.blobs[cid] = append([]byte(nil), data...)
	return cid, nil
}

func (s *MemoryContentStore) Fetch(_ context.Context, cid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	data, ok := s.blobs[cid]
	if !ok {
		return nil, fmt.Errorf("no blob for cid %q", cid)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryContentStore) Unpin(_ context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UnpinErr != nil {
		return s.UnpinErr
	}
	delete(s.blobs, cid)
	s.Unpinned = append(s.Unpinned, cid)
	return nil
}

// Contains reports whether a blob is still pinned.
func (s *MemoryContentStore) Contains(cid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[cid]
	return ok
}

// StubAnchorClient is an in-memory AnchorClient that fabricates transaction
// references and records every submission.
type StubAnchorClient struct {
	mu     sync.Mutex
	nextTx int

	// Err, when set, is returned by every submission.
	Err error

	Anchored    []string // "patientID/cid" per Anchor call
	Mirrored    []string // grant IDs passed to MirrorGrant
	Revocations []string // grant IDs passed to MirrorRevocation
}

// NewStubAnchorClient creates an empty stub ledger client.
func NewStubAnchorClient() *StubAnchorClient {
	return &StubAnchorClient{}
}

func (c *StubAnchorClient) Anchor(_ context.Context, patientID, cid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	c.nextTx++
	c.Anchored = append(c.Anchored, patientID+"/"+cid)
	return fmt.Sprintf("anchor-tx-%d", c.nextTx), nil
}

func (c *StubAnchorClient) MirrorGrant(_ context.Context, grant *AccessGrant) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	c.nextTx++
	c.Mirrored = append(c.Mirrored, grant.ID)
	return fmt.Sprintf("grant-tx-%d", c.nextTx), nil
}

func (c *StubAnchorClient) MirrorRevocation(_ context.Context, grant *AccessGrant) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	c.nextTx++
	c.Revocations = append(c.Revocations, grant.ID)
	return fmt.Sprintf("revoke-tx-%d", c.nextTx), nil
}

func (c *StubAnchorClient) VerifyGrant(_ context.Context, grant *AccessGrant) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, c.Err
	}
	return grant.Status == GrantActive, nil
}
