package medvault

import (
	"context"
	"time"
)

// KeyManagementService defines the contract for KEK operations.
//
// Implementations wrap and unwrap per-record Data Encryption Keys (DEKs)
// with patient Key Encryption Keys (KEKs) held by an external KMS. The KEK
// itself never leaves the KMS.
//
// Implementations:
//   - AWS KMS: github.com/calque-health/medvault/providers/awskms
//   - HashiCorp Vault Transit: github.com/calque-health/medvault/providers/vaulttransit
//   - Local HKDF (development only): github.com/calque-health/medvault/providers/localkms
//   - In-memory (testing): medvault.TestKMS
type KeyManagementService interface {
	// CreateKey provisions a new KEK and returns its key ID. Called once per
	// patient on first write and again on every rotation.
	CreateKey(ctx context.Context, description string) (string, error)

	// WrapDEK encrypts a plaintext DEK under the KEK identified by keyID.
	WrapDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)

	// UnwrapDEK decrypts a DEK previously produced by WrapDEK with the same
	// keyID. The keyID may belong to a deprecated KEK version; it must remain
	// resolvable after rotation.
	UnwrapDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}

// ContentStore is a content-addressed blob store. Implementations receive
// opaque ciphertext and return a content identifier (CID) derived from it.
//
// The Vault always accesses the configured store through a circuit breaker,
// so implementations should return plain errors and let the wrapper decide
// when to fail fast with ErrBackendUnavailable.
type ContentStore interface {
	// Upload stores a blob and returns its CID.
	Upload(ctx context.Context, data []byte) (string, error)

	// Fetch retrieves the blob for a CID.
	Fetch(ctx context.Context, cid string) ([]byte, error)

	// Unpin releases a blob for garbage collection. Only the erasure workflow
	// calls this, and treats failures as best-effort.
	Unpin(ctx context.Context, cid string) error
}

// AnchorClient submits tamper-evidence transactions to a distributed ledger.
//
// Anchor is called synchronously (with bounded retry) during record creation.
// MirrorGrant and MirrorRevocation are called by the background mirroring
// worker; their failures never fail the originating grant operation.
//
// Implementations must surface context deadline expiry as ErrLedgerTimeout:
// a timed out submission may still commit, so callers treat it as "unknown,
// verify later", never as a definitive failure.
type AnchorClient interface {
	Anchor(ctx context.Context, patientID, cid string) (txRef string, err error)
	MirrorGrant(ctx context.Context, grant *AccessGrant) (txRef string, err error)
	MirrorRevocation(ctx context.Context, grant *AccessGrant) (txRef string, err error)

	// VerifyGrant evaluates (read-only) whether the mirrored grant is
	// present and active on chain. Only consulted when strict chain
	// verification is enabled.
	VerifyGrant(ctx context.Context, grant *AccessGrant) (bool, error)
}

// DecisionCache caches access decisions keyed by (granteeID, recordID).
//
// The cache is advisory: it may be cleared at any time with only a latency
// cost. Entries are invalidated eagerly on revocation; the TTL is the
// documented upper bound on revocation staleness for other processes.
type DecisionCache interface {
	Get(ctx context.Context, granteeID, recordID string) (*Decision, bool, error)
	Set(ctx context.Context, granteeID, recordID string, d *Decision, ttl time.Duration) error
	Invalidate(ctx context.Context, granteeID, recordID string) error
}

// AuditPublisher forwards audit entries to an external sink (e.g. a Redis
// stream consumed by the audit service). Publication is best-effort; the
// relational audit trail is the source of truth.
type AuditPublisher interface {
	Publish(ctx context.Context, entry *AuditEntry) error
}
