package medvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/calque-health/medvault/internal/reliability"
)

// CreateRecord encrypts and stores a medical record for a patient.
//
// The write path is: envelope encryption, ciphertext upload to the content
// store, ledger anchoring of {patientID, CID}, then persistence of the
// metadata row. Anchoring is retried with backoff; if the retry budget is
// exhausted the record stays persisted with an empty LedgerTxRef and is
// picked up later by ReconcilePendingAnchors.
func (v *Vault) CreateRecord(ctx context.Context, patientID, recordType, description string, plaintext []byte) (*Record, error) {
	var errs errsx.Map
	if patientID == "" {
		errs.Set("patientID", "cannot be empty")
	}
	if recordType == "" {
		errs.Set("recordType", "cannot be empty")
	}
	if len(plaintext) == 0 {
		errs.Set("plaintext", "cannot be empty")
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("%w: %w", ErrValidation, errs.AsError())
	}

	if err := v.ensurePatientProfile(ctx, patientID); err != nil {
		return nil, err
	}

	env, err := v.Encrypt(ctx, plaintext, patientID)
	if err != nil {
		return nil, err
	}

	cid, err := v.uploadBlob(ctx, env.Ciphertext)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		CID:         cid,
		RecordType:  recordType,
		Description: description,
		CreatedAt:   v.now().UTC(),
		envelope:    env,
	}

	if _, err := v.db.ExecContext(ctx, `
		INSERT INTO records (id, patient_id, cid, record_type, description, iv, auth_tag, encrypted_dek, dek_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PatientID, rec.CID, rec.RecordType, rec.Description,
		env.IV, env.AuthTag, env.EncryptedDEK, env.DEKVersion, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to persist record: %w", err)
	}

	rec.LedgerTxRef = v.anchorRecord(ctx, rec)

	v.writeAudit(ctx, &AuditEntry{
		PatientID: patientID,
		ActorID:   patientID,
		Action:    AuditRecordCreated,
		RecordID:  rec.ID,
		Detail:    recordType,
	})

	return rec, nil
}

// anchorRecord submits the {patientID, CID} anchor with bounded retry and
// backfills the row on success. Returns the tx reference, or "" when
// anchoring is still pending.
func (v *Vault) anchorRecord(ctx context.Context, rec *Record) string {
	if v.anchor == nil {
		return ""
	}

	var txRef string
	err := reliability.Retry(ctx, reliability.RetryConfig{
		MaxAttempts:  v.cfg.AnchorAttempts,
		InitialDelay: v.cfg.AnchorRetryDelay,
		ShouldRetry:  IsRetryable,
	}, func(ctx context.Context) error {
		var err error
		txRef, err = v.anchor.Anchor(ctx, rec.PatientID, rec.CID)
		return err
	})
	if err != nil {
		v.logger.Warn("ledger anchoring pending", "record_id", rec.ID, "cid", rec.CID, "error", err)
		return ""
	}

	if _, err := v.db.ExecContext(ctx, `
		UPDATE records SET ledger_tx_ref = ? WHERE id = ?
	`, txRef, rec.ID); err != nil {
		v.logger.Error("failed to persist anchor reference", "record_id", rec.ID, "error", err)
		return ""
	}
	return txRef
}

// ReadRecord authorizes granteeID against the record, fetches the
// ciphertext and opens the envelope.
//
// A missing record returns ErrNotFound; a denied read returns ErrForbidden.
// Adapters must present both as the same external status so callers cannot
// probe for record existence; only the internal logs distinguish them.
func (v *Vault) ReadRecord(ctx context.Context, recordID, granteeID string) ([]byte, error) {
	if recordID == "" || granteeID == "" {
		return nil, NewValidationError("recordID/granteeID", "cannot be empty")
	}

	rec, err := v.recordByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			v.logger.Info("record not found", "record_id", recordID, "grantee_id", granteeID)
		}
		return nil, err
	}
	if rec.Anonymized {
		// Erased content is gone; indistinguishable from a record that
		// never existed.
		v.logger.Info("read of anonymized record", "record_id", recordID, "grantee_id", granteeID)
		return nil, fmt.Errorf("%w: record", ErrNotFound)
	}

	// Patients always read their own records; everyone else needs a grant.
	if granteeID != rec.PatientID {
		decision, err := v.CheckAccess(ctx, granteeID, recordID)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			v.logger.Warn("access denied", "record_id", recordID, "grantee_id", granteeID, "source", decision.Source)
			v.writeAudit(ctx, &AuditEntry{
				PatientID: rec.PatientID,
				ActorID:   granteeID,
				Action:    AuditAccessDenied,
				RecordID:  recordID,
			})
			return nil, fmt.Errorf("%w: no active grant", ErrForbidden)
		}
	}

	ciphertext, err := v.fetchBlob(ctx, rec.CID)
	if err != nil {
		return nil, err
	}

	env := rec.envelope
	env.Ciphertext = ciphertext
	plaintext, err := v.Decrypt(ctx, env, rec.PatientID)
	if err != nil {
		return nil, err
	}

	v.writeAudit(ctx, &AuditEntry{
		PatientID: rec.PatientID,
		ActorID:   granteeID,
		Action:    AuditRecordRead,
		RecordID:  recordID,
	})
	return plaintext, nil
}

// GetRecord returns the metadata row for a record without touching the
// content store.
func (v *Vault) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	return v.recordByID(ctx, recordID)
}

// ListRecords returns all record metadata for a patient, newest first.
func (v *Vault) ListRecords(ctx context.Context, patientID string) ([]*Record, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, patient_id, cid, ledger_tx_ref, record_type, description, iv, auth_tag, encrypted_dek, dek_version, anonymized, created_at
		FROM records
		WHERE patient_id = ?
		ORDER BY created_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ReconcilePendingAnchors retries anchoring for records whose ledger
// reference is still empty and re-enqueues unmirrored grant changes. A
// timed out earlier attempt may have landed on chain; the ledger client is
// expected to make Anchor idempotent per {patientID, CID}.
func (v *Vault) ReconcilePendingAnchors(ctx context.Context) (int, error) {
	if v.anchor == nil {
		return 0, nil
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT id, patient_id, cid, ledger_tx_ref, record_type, description, iv, auth_tag, encrypted_dek, dek_version, anonymized, created_at
		FROM records
		WHERE ledger_tx_ref = '' AND anonymized = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query pending anchors: %w", err)
	}
	defer rows.Close()

	var pending []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return 0, err
		}
		pending = append(pending, rec)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	anchored := 0
	for _, rec := range pending {
		if txRef := v.anchorRecord(ctx, rec); txRef != "" {
			anchored++
		}
	}

	if err := v.enqueueUnmirroredGrants(ctx); err != nil {
		v.logger.Warn("failed to re-enqueue unmirrored grants", "error", err)
	}
	return anchored, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (v *Vault) recordByID(ctx context.Context, recordID string) (*Record, error) {
	row := v.db.QueryRowContext(ctx, `
		SELECT id, patient_id, cid, ledger_tx_ref, record_type, description, iv, auth_tag, encrypted_dek, dek_version, anonymized, created_at
		FROM records
		WHERE id = ?
	`, recordID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record", ErrNotFound)
	}
	return rec, err
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var anonymized int
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.CID, &rec.LedgerTxRef, &rec.RecordType, &rec.Description,
		&rec.envelope.IV, &rec.envelope.AuthTag, &rec.envelope.EncryptedDEK, &rec.envelope.DEKVersion,
		&anonymized, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Anonymized = anonymized != 0
	return &rec, nil
}
