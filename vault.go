package medvault

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/calque-health/medvault/internal/reliability"
)

// Vault is the encrypted medical-record core. It owns the envelope engine,
// the relational source of truth (records, patient keys, grants, audit
// trail), the resilience wrapper around the content store and the background
// grant-mirroring worker.
//
// All methods are safe for concurrent use. Construct with New and release
// with Close.
type Vault struct {
	db     *sql.DB
	kms    KeyManagementService
	store  ContentStore
	anchor AnchorClient
	cache  DecisionCache
	audit  AuditPublisher
	logger *slog.Logger
	cfg    Config

	breaker *reliability.CircuitBreaker
	mirror  *mirrorWorker

	// now is replaceable so expiry behavior can be tested against a
	// simulated clock.
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	patient_id               TEXT PRIMARY KEY,
	display_name             TEXT NOT NULL DEFAULT '',
	contact_email            TEXT NOT NULL DEFAULT '',
	emergency_access_enabled INTEGER NOT NULL DEFAULT 0,
	anonymized               INTEGER NOT NULL DEFAULT 0,
	created_at               TIMESTAMP NOT NULL,
	updated_at               TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS patient_keys (
	patient_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	kek_id     TEXT NOT NULL,
	retired    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	rotated_at TIMESTAMP,
	PRIMARY KEY (patient_id, version)
);

CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	cid           TEXT NOT NULL,
	ledger_tx_ref TEXT NOT NULL DEFAULT '',
	record_type   TEXT NOT NULL,
	description   TEXT NOT NULL,
	iv            BLOB NOT NULL,
	auth_tag      BLOB NOT NULL,
	encrypted_dek BLOB NOT NULL,
	dek_version   TEXT NOT NULL,
	anonymized    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_patient ON records(patient_id);

CREATE TABLE IF NOT EXISTS grants (
	id                TEXT PRIMARY KEY,
	patient_id        TEXT NOT NULL,
	grantee_id        TEXT NOT NULL,
	access_level      TEXT NOT NULL,
	status            TEXT NOT NULL,
	emergency         INTEGER NOT NULL DEFAULT 0,
	expires_at        TIMESTAMP,
	revoked_at        TIMESTAMP,
	revoked_by        TEXT NOT NULL DEFAULT '',
	revocation_reason TEXT NOT NULL DEFAULT '',
	ledger_tx_ref     TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_grants_patient ON grants(patient_id);
CREATE INDEX IF NOT EXISTS idx_grants_grantee ON grants(grantee_id);

CREATE TABLE IF NOT EXISTS grant_records (
	grant_id   TEXT NOT NULL,
	grantee_id TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (grant_id, record_id)
);
-- One ACTIVE grant per (grantee, record). Concurrent duplicate grants race
-- on this index and exactly one wins.
CREATE UNIQUE INDEX IF NOT EXISTS ux_grant_records_active
	ON grant_records(grantee_id, record_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	patient_id  TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	action      TEXT NOT NULL,
	grant_id    TEXT NOT NULL DEFAULT '',
	record_id   TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	emergency   INTEGER NOT NULL DEFAULT 0,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_patient ON audit_log(patient_id);

CREATE TABLE IF NOT EXISTS compliance_requests (
	id         TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// New creates a Vault instance backed by the given KMS, content store and
// ledger client. The content store is wrapped in a circuit breaker; the
// grant-mirroring worker is started immediately when anchor is non-nil.
func New(ctx context.Context, kms KeyManagementService, store ContentStore, anchor AnchorClient, cfg Config, opts ...Option) (*Vault, error) {
	if kms == nil {
		return nil, fmt.Errorf("%w: KMS service cannot be nil", ErrInvalidConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: content store cannot be nil", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &Vault{
		kms:    kms,
		store:  store,
		anchor: anchor,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	if v.cache == nil {
		v.cache = NewMemoryDecisionCache()
	}
	// An in-process cache follows the vault's clock so TTL expiry uses the
	// same time source as grant expiry.
	if mc, ok := v.cache.(*MemoryDecisionCache); ok {
		mc.now = v.now
	}

	v.breaker = reliability.NewCircuitBreaker("content-store", reliability.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})

	if v.db == nil {
		db, err := openMetadataDB(cfg.DBPath, cfg.DBFilename)
		if err != nil {
			return nil, err
		}
		v.db = db
	}
	if _, err := v.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}

	if v.anchor != nil {
		v.mirror = newMirrorWorker(v, cfg.MirrorQueueSize)
		v.mirror.start()
	}

	return v, nil
}

// Close stops the mirroring worker and releases the database.
func (v *Vault) Close() error {
	if v.mirror != nil {
		v.mirror.stop()
	}
	return v.db.Close()
}

func openMetadataDB(dir, filename string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := filepath.Join(dir, filename) + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	return db, nil
}

// Option configures optional collaborators on a Vault.
type Option func(*Vault) error

// WithLogger sets the structured logger used by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfiguration)
		}
		v.logger = logger
		return nil
	}
}

// WithDecisionCache replaces the default in-process decision cache, e.g.
// with the Redis-backed implementation in providers/rediscache.
func WithDecisionCache(cache DecisionCache) Option {
	return func(v *Vault) error {
		if cache == nil {
			return fmt.Errorf("%w: decision cache cannot be nil", ErrInvalidConfiguration)
		}
		v.cache = cache
		return nil
	}
}

// WithAuditPublisher forwards audit entries to an external sink in addition
// to the relational audit trail.
func WithAuditPublisher(pub AuditPublisher) Option {
	return func(v *Vault) error {
		v.audit = pub
		return nil
	}
}

// WithDatabase supplies an already-open metadata database instead of the
// file configured by DBPath/DBFilename. Used by tests to run on :memory:.
func WithDatabase(db *sql.DB) Option {
	return func(v *Vault) error {
		if db == nil {
			return fmt.Errorf("%w: database cannot be nil", ErrInvalidConfiguration)
		}
		v.db = db
		return nil
	}
}

// WithClock overrides the time source. Lazy grant expiry and emergency
// grant TTLs are evaluated against this clock.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) error {
		if now == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfiguration)
		}
		v.now = now
		return nil
	}
}
