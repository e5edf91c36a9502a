package medvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/mattn/go-sqlite3"
)

// expired reports whether the grant's expiry has passed at the given
// instant. ACTIVE grants past expiry are treated as EXPIRED lazily at read
// time; SweepExpiredGrants persists the terminal status later.
func (g *AccessGrant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// EffectiveStatus is the status the grant has at the given instant,
// regardless of whether the row has been rewritten yet.
func (g *AccessGrant) EffectiveStatus(now time.Time) GrantStatus {
	if g.Status == GrantActive && g.expired(now) {
		return GrantExpired
	}
	return g.Status
}

// GrantAccess creates an ACTIVE capability for granteeID over the given
// records of patientID.
//
// Fails with ErrDuplicateGrant if any (patient, grantee, record) triple is
// already covered by an active, unexpired grant: duplicate requests must
// conflict, never silently merge. The grant is mirrored to the ledger
// asynchronously; mirroring failures leave LedgerTxRef empty for later
// backfill and never fail the grant itself.
func (v *Vault) GrantAccess(ctx context.Context, patientID, granteeID string, recordIDs []string, level AccessLevel, expiresAt *time.Time) (*AccessGrant, error) {
	now := v.now().UTC()

	var errs errsx.Map
	if patientID == "" {
		errs.Set("patientID", "cannot be empty")
	}
	if granteeID == "" {
		errs.Set("granteeID", "cannot be empty")
	}
	if granteeID == patientID {
		errs.Set("granteeID", "patient cannot grant access to themselves")
	}
	if len(recordIDs) == 0 {
		errs.Set("recordIDs", "cannot be empty")
	}
	if level != AccessRead && level != AccessReadWrite {
		errs.Set("accessLevel", "must be READ or READ_WRITE")
	}
	if expiresAt != nil && !expiresAt.After(now) {
		errs.Set("expiresAt", "must be in the future")
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("%w: %w", ErrValidation, errs.AsError())
	}

	// A grant may only cover records rooted at the same patient. Enforced
	// here, not assumed.
	for _, recordID := range recordIDs {
		rec, err := v.recordByID(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if rec.PatientID != patientID {
			return nil, fmt.Errorf("%w: record %s does not belong to patient", ErrForbidden, recordID)
		}
	}

	grant := &AccessGrant{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		GranteeID:   granteeID,
		RecordIDs:   append([]string(nil), recordIDs...),
		AccessLevel: level,
		Status:      GrantActive,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		version:     1,
	}

	if err := v.insertGrant(ctx, grant, now); err != nil {
		return nil, err
	}

	v.writeAudit(ctx, &AuditEntry{
		PatientID: patientID,
		ActorID:   patientID,
		Action:    AuditGrantCreated,
		GrantID:   grant.ID,
		Detail:    string(level),
	})
	v.enqueueMirror(mirrorTask{kind: mirrorGrant, grantID: grant.ID})

	return grant, nil
}

// insertGrant writes the grant and its record rows in one transaction. The
// partial unique index on active grant_records makes concurrent duplicate
// grants race to exactly one winner.
func (v *Vault) insertGrant(ctx context.Context, grant *AccessGrant, now time.Time) error {
	// Lazily-expired grants still hold the unique index; expire them first
	// so a fresh grant can take their place.
	if err := v.expireStaleGrantsFor(ctx, grant.GranteeID, now); err != nil {
		return err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin grant transaction: %w", err)
	}
	defer tx.Rollback()

	var expiresAt sql.NullTime
	if grant.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: grant.ExpiresAt.UTC(), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grants (id, patient_id, grantee_id, access_level, status, emergency, expires_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, grant.ID, grant.PatientID, grant.GranteeID, string(grant.AccessLevel), string(grant.Status),
		boolToInt(grant.Emergency), expiresAt, now, now); err != nil {
		return fmt.Errorf("failed to persist grant: %w", err)
	}

	for _, recordID := range grant.RecordIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grant_records (grant_id, grantee_id, record_id, active) VALUES (?, ?, ?, 1)
		`, grant.ID, grant.GranteeID, recordID); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: grantee %s already holds access to record %s", ErrDuplicateGrant, grant.GranteeID, recordID)
			}
			return fmt.Errorf("failed to persist grant record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: concurrent grant won", ErrDuplicateGrant)
		}
		return fmt.Errorf("failed to commit grant: %w", err)
	}
	return nil
}

// expireStaleGrantsFor persists EXPIRED for the grantee's lapsed grants so
// their unique-index slots are released.
func (v *Vault) expireStaleGrantsFor(ctx context.Context, granteeID string, now time.Time) error {
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants
		WHERE grantee_id = ? AND status = ? AND expires_at IS NOT NULL
	`, granteeID, string(GrantActive))
	if err != nil {
		return err
	}
	for _, g := range grants {
		if g.expired(now) {
			if err := v.markExpired(ctx, g, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// RevokeAccess transitions a grant from ACTIVE to REVOKED.
//
// actingPatientID must own the grant; administrator-initiated erasure flows
// bypass ownership through the internal path. Revocation reaches other
// readers' caches within the configured TTL at the latest; this process's
// cache is invalidated eagerly.
func (v *Vault) RevokeAccess(ctx context.Context, grantID, actingPatientID, reason string) (*AccessGrant, error) {
	if grantID == "" {
		return nil, NewValidationError("grantID", "cannot be empty")
	}
	return v.revokeGrant(ctx, grantID, actingPatientID, reason, false)
}

func (v *Vault) revokeGrant(ctx context.Context, grantID, actor, reason string, bypassOwnership bool) (*AccessGrant, error) {
	grant, err := v.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if !bypassOwnership && grant.PatientID != actor {
		return nil, fmt.Errorf("%w: grant is not owned by caller", ErrForbidden)
	}
	if grant.Status != GrantActive {
		return nil, fmt.Errorf("%w: grant is already %s", ErrValidation, grant.Status)
	}

	now := v.now().UTC()

	// Optimistic version check: of two concurrent revokes exactly one
	// updates the row, so the audit trail records the revocation once.
	res, err := v.db.ExecContext(ctx, `
		UPDATE grants
		SET status = ?, revoked_at = ?, revoked_by = ?, revocation_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`, string(GrantRevoked), now, actor, reason, now, grantID, string(GrantActive), grant.version)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to revoke grant: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: grant was concurrently modified", ErrValidation)
	}

	if _, err := v.db.ExecContext(ctx, `
		UPDATE grant_records SET active = 0 WHERE grant_id = ?
	`, grantID); err != nil {
		return nil, fmt.Errorf("failed to deactivate grant records: %w", err)
	}

	grant.Status = GrantRevoked
	grant.RevokedAt = &now
	grant.RevokedBy = actor
	grant.RevocationReason = reason
	grant.UpdatedAt = now
	grant.version++

	// Eager invalidation; other processes converge within the cache TTL.
	for _, recordID := range grant.RecordIDs {
		if err := v.cache.Invalidate(ctx, grant.GranteeID, recordID); err != nil {
			v.logger.Warn("cache invalidation failed", "grant_id", grantID, "record_id", recordID, "error", err)
		}
	}

	v.writeAudit(ctx, &AuditEntry{
		PatientID: grant.PatientID,
		ActorID:   actor,
		Action:    AuditGrantRevoked,
		GrantID:   grantID,
		Detail:    reason,
		Emergency: grant.Emergency,
	})
	v.enqueueMirror(mirrorTask{kind: mirrorRevocation, grantID: grantID})

	return grant, nil
}

// EmergencyGrant creates a time-boxed emergency capability for a clinician,
// bypassing patient consent.
//
// Requires the patient's emergency access flag to be on and a non-blank
// clinical reason. The grant always carries the fixed emergency TTL and is
// written to the emergency audit trail, distinct from ordinary grant
// history. When recordIDs is empty the grant covers all of the patient's
// records.
func (v *Vault) EmergencyGrant(ctx context.Context, requestedBy, patientID, reason string, recordIDs []string) (*AccessGrant, error) {
	var errs errsx.Map
	if requestedBy == "" {
		errs.Set("requestedBy", "cannot be empty")
	}
	if patientID == "" {
		errs.Set("patientID", "cannot be empty")
	}
	if strings.TrimSpace(reason) == "" {
		errs.Set("reason", "cannot be blank")
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("%w: %w", ErrValidation, errs.AsError())
	}

	profile, err := v.GetPatientProfile(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !profile.EmergencyAccessEnabled {
		return nil, fmt.Errorf("%w: patient %s", ErrEmergencyAccessDisabled, patientID)
	}

	if len(recordIDs) == 0 {
		records, err := v.ListRecords(ctx, patientID)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !rec.Anonymized {
				recordIDs = append(recordIDs, rec.ID)
			}
		}
		if len(recordIDs) == 0 {
			return nil, fmt.Errorf("%w: patient has no records", ErrNotFound)
		}
	}

	now := v.now().UTC()
	expiresAt := now.Add(v.cfg.EmergencyGrantTTL)

	grant := &AccessGrant{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		GranteeID:   requestedBy,
		RecordIDs:   recordIDs,
		AccessLevel: AccessRead,
		Status:      GrantActive,
		Emergency:   true,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		version:     1,
	}

	if err := v.insertGrant(ctx, grant, now); err != nil {
		return nil, err
	}

	v.writeAudit(ctx, &AuditEntry{
		PatientID: patientID,
		ActorID:   requestedBy,
		Action:    AuditEmergencyGrant,
		GrantID:   grant.ID,
		Detail:    reason,
		Emergency: true,
	})
	v.enqueueMirror(mirrorTask{kind: mirrorGrant, grantID: grant.ID})

	v.logger.Warn("emergency access granted",
		"patient_id", patientID, "requested_by", requestedBy, "grant_id", grant.ID, "expires_at", expiresAt)
	return grant, nil
}

// ListActiveGrants returns the patient's grants that are ACTIVE and not
// lazily expired.
func (v *Vault) ListActiveGrants(ctx context.Context, patientID string) ([]*AccessGrant, error) {
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants
		WHERE patient_id = ? AND status = ?
		ORDER BY created_at DESC
	`, patientID, string(GrantActive))
	if err != nil {
		return nil, err
	}
	return v.filterUnexpired(grants), nil
}

// ListReceivedGrants returns the grants currently held by a grantee,
// excluding revoked and lazily-expired ones.
func (v *Vault) ListReceivedGrants(ctx context.Context, granteeID string) ([]*AccessGrant, error) {
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants
		WHERE grantee_id = ? AND status = ?
		ORDER BY created_at DESC
	`, granteeID, string(GrantActive))
	if err != nil {
		return nil, err
	}
	return v.filterUnexpired(grants), nil
}

func (v *Vault) filterUnexpired(grants []*AccessGrant) []*AccessGrant {
	now := v.now()
	out := grants[:0]
	for _, g := range grants {
		if !g.expired(now) {
			out = append(out, g)
		}
	}
	return out
}

// GetGrant loads a grant and its record set.
func (v *Vault) GetGrant(ctx context.Context, grantID string) (*AccessGrant, error) {
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants WHERE id = ?
	`, grantID)
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}
	return grants[0], nil
}

// SweepExpiredGrants persists the EXPIRED status for lapsed ACTIVE grants.
// Lazy evaluation already hides them from reads; the sweep keeps the status
// column converged for reporting.
func (v *Vault) SweepExpiredGrants(ctx context.Context) (int, error) {
	now := v.now().UTC()
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants
		WHERE status = ? AND expires_at IS NOT NULL
	`, string(GrantActive))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, g := range grants {
		if !g.expired(now) {
			continue
		}
		if err := v.markExpired(ctx, g, now); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (v *Vault) markExpired(ctx context.Context, g *AccessGrant, now time.Time) error {
	res, err := v.db.ExecContext(ctx, `
		UPDATE grants SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`, string(GrantExpired), now, g.ID, string(GrantActive), g.version)
	if err != nil {
		return fmt.Errorf("failed to expire grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another sweep or revoke got there first.
		return nil
	}
	if _, err := v.db.ExecContext(ctx, `
		UPDATE grant_records SET active = 0 WHERE grant_id = ?
	`, g.ID); err != nil {
		return fmt.Errorf("failed to deactivate expired grant records: %w", err)
	}
	return nil
}

// activeGrantForRecord resolves the grant admitting granteeID to recordID,
// or nil when none exists. The relational store is the source of truth for
// this resolution.
func (v *Vault) activeGrantForRecord(ctx context.Context, granteeID, recordID string) (*AccessGrant, error) {
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants
		WHERE id IN (SELECT grant_id FROM grant_records WHERE grantee_id = ? AND record_id = ? AND active = 1)
		  AND status = ?
	`, granteeID, recordID, string(GrantActive))
	if err != nil {
		return nil, err
	}
	now := v.now()
	for _, g := range grants {
		if !g.expired(now) {
			return g, nil
		}
	}
	return nil, nil
}

const grantColumns = `id, patient_id, grantee_id, access_level, status, emergency, expires_at, revoked_at, revoked_by, revocation_reason, ledger_tx_ref, version, created_at, updated_at`

func (v *Vault) queryGrants(ctx context.Context, query string, args ...any) ([]*AccessGrant, error) {
	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*AccessGrant
	for rows.Next() {
		var g AccessGrant
		var emergency int
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(&g.ID, &g.PatientID, &g.GranteeID, (*string)(&g.AccessLevel), (*string)(&g.Status),
			&emergency, &expiresAt, &revokedAt, &g.RevokedBy, &g.RevocationReason, &g.LedgerTxRef,
			&g.version, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.Emergency = emergency != 0
		if expiresAt.Valid {
			t := expiresAt.Time
			g.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			g.RevokedAt = &t
		}
		grants = append(grants, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, g := range grants {
		recordIDs, err := v.grantRecordIDs(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		g.RecordIDs = recordIDs
	}
	return grants, nil
}

func (v *Vault) grantRecordIDs(ctx context.Context, grantID string) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT record_id FROM grant_records WHERE grant_id = ? ORDER BY record_id
	`, grantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grant records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
