package medvault

import "time"

// AccessLevel is the capability level carried by a grant.
type AccessLevel string

const (
	AccessRead      AccessLevel = "READ"
	AccessReadWrite AccessLevel = "READ_WRITE"
)

// GrantStatus is the lifecycle state of an access grant. REVOKED and EXPIRED
// are terminal.
type GrantStatus string

const (
	GrantActive  GrantStatus = "ACTIVE"
	GrantRevoked GrantStatus = "REVOKED"
	GrantExpired GrantStatus = "EXPIRED"
)

// EncryptedRecord is the output of the envelope engine. The ciphertext and
// auth tag are only meaningful together with their IV and wrapped DEK; the
// plaintext DEK never leaves the engine.
type EncryptedRecord struct {
	IV           []byte
	Ciphertext   []byte
	AuthTag      []byte
	EncryptedDEK []byte
	DEKVersion   string
}

// Record is the persisted metadata row for a stored medical record. The
// ciphertext itself lives in the content store under CID. A record is
// immutable once created; corrections create a new record. LedgerTxRef is
// empty while anchoring is pending.
type Record struct {
	ID          string
	PatientID   string
	CID         string
	LedgerTxRef string
	RecordType  string
	Description string
	Anonymized  bool
	CreatedAt   time.Time

	envelope EncryptedRecord
}

// Envelope returns the encryption envelope stored alongside the record row.
func (r *Record) Envelope() EncryptedRecord { return r.envelope }

// PatientKey describes one KEK version for a patient. Rotation appends a new
// version; older versions stay resolvable so historical ciphertexts remain
// decryptable.
type PatientKey struct {
	PatientID string
	KEKID     string
	Version   int
	CreatedAt time.Time
	RotatedAt *time.Time
	Retired   bool
}

// AccessGrant is a capability authorizing a grantee to access a set of
// records until expiry or revocation. LedgerTxRef is backfilled by the
// mirroring worker once the grant change lands on chain.
type AccessGrant struct {
	ID               string
	PatientID        string
	GranteeID        string
	RecordIDs        []string
	AccessLevel      AccessLevel
	Status           GrantStatus
	Emergency        bool
	ExpiresAt        *time.Time
	RevokedAt        *time.Time
	RevokedBy        string
	RevocationReason string
	LedgerTxRef      string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// version is the optimistic-lock counter on the grant row.
	version int
}

// DecisionSource identifies where an access decision was resolved.
type DecisionSource string

const (
	SourceCache    DecisionSource = "cache"
	SourceDatabase DecisionSource = "database"
	SourceChain    DecisionSource = "chain"
)

// Decision is the outcome of an access check, with provenance for audit.
type Decision struct {
	Allowed bool           `json:"allowed"`
	GrantID string         `json:"grant_id,omitempty"`
	Source  DecisionSource `json:"source"`
}

// RequestStatus is the lifecycle state of an erasure or export request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
)

// ComplianceRequest tracks one erasure or export run for a patient.
type ComplianceRequest struct {
	ID        string
	PatientID string
	Kind      string // "erasure" or "export"
	Status    RequestStatus
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExportBundle aggregates everything a patient is entitled to take with them.
type ExportBundle struct {
	PatientID   string          `json:"patient_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Profile     *PatientProfile `json:"profile"`
	Records     []*Record       `json:"records"`
	Grants      []*AccessGrant  `json:"grants"`
	AuditTrail  []*AuditEntry   `json:"audit_trail"`
}

// PatientProfile is the slice of patient state this core owns: the emergency
// access toggle and the contact fields needed for compliance notifications.
// Demographics live in the surrounding platform.
type PatientProfile struct {
	PatientID              string
	DisplayName            string
	ContactEmail           string
	EmergencyAccessEnabled bool
	Anonymized             bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// AuditEntry is one row of the immutable audit trail. Emergency access events
// are flagged so they can be reported separately from ordinary grant history.
type AuditEntry struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patient_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	GrantID    string    `json:"grant_id,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Emergency  bool      `json:"emergency"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Audit actions written by the core.
const (
	AuditRecordCreated    = "record.created"
	AuditRecordRead       = "record.read"
	AuditAccessDenied     = "access.denied"
	AuditGrantCreated     = "grant.created"
	AuditGrantRevoked     = "grant.revoked"
	AuditEmergencyGrant   = "grant.emergency"
	AuditErasureStarted   = "erasure.started"
	AuditErasureCompleted = "erasure.completed"
	AuditExportCompleted  = "export.completed"
	AuditGranteeNotified  = "notify.grantee"
	AuditComplianceNotice = "notify.compliance"
)
