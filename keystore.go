package medvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Patient KEK metadata. Mirrors the envelope contract: at most one current
// KEK per patient, every historical version resolvable until retired by
// erasure.

func formatDEKVersion(version int) string {
	return "v" + strconv.Itoa(version)
}

func parseDEKVersion(s string) (int, error) {
	raw, ok := strings.CutPrefix(s, "v")
	if !ok {
		return 0, fmt.Errorf("%w: malformed DEK version %q", ErrKeyManagement, s)
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version < 1 {
		return 0, fmt.Errorf("%w: malformed DEK version %q", ErrKeyManagement, s)
	}
	return version, nil
}

// ensurePatientKey returns the patient's current KEK, provisioning version 1
// in the KMS on first use.
func (v *Vault) ensurePatientKey(ctx context.Context, patientID string) (*PatientKey, error) {
	pk, err := v.currentPatientKey(ctx, patientID)
	if err == nil {
		return pk, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	kekID, err := v.kms.CreateKey(ctx, "medvault-patient-"+patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create initial KEK: %w", ErrKeyManagement, err)
	}

	now := v.now().UTC()
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO patient_keys (patient_id, version, kek_id, created_at) VALUES (?, ?, ?, ?)
	`, patientID, 1, kekID, now)
	if err != nil {
		// Lost the provisioning race against a concurrent encrypt.
		if existing, selErr := v.currentPatientKey(ctx, patientID); selErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: failed to record initial KEK: %w", ErrKeyManagement, err)
	}

	v.logger.Info("initial patient KEK created", "patient_id", patientID, "kek_version", 1)
	return &PatientKey{PatientID: patientID, KEKID: kekID, Version: 1, CreatedAt: now}, nil
}

// currentPatientKey returns the highest non-retired KEK version.
func (v *Vault) currentPatientKey(ctx context.Context, patientID string) (*PatientKey, error) {
	row := v.db.QueryRowContext(ctx, `
		SELECT patient_id, version, kek_id, retired, created_at, rotated_at
		FROM patient_keys
		WHERE patient_id = ? AND retired = 0
		ORDER BY version DESC
		LIMIT 1
	`, patientID)
	return scanPatientKey(row)
}

// patientKeyByVersion resolves a KEK version referenced by a stored
// envelope. Retired keys are not resolvable: after erasure the DEK chain is
// intentionally destroyed.
func (v *Vault) patientKeyByVersion(ctx context.Context, patientID string, version int) (*PatientKey, error) {
	row := v.db.QueryRowContext(ctx, `
		SELECT patient_id, version, kek_id, retired, created_at, rotated_at
		FROM patient_keys
		WHERE patient_id = ? AND version = ?
	`, patientID, version)
	pk, err := scanPatientKey(row)
	if err != nil {
		return nil, err
	}
	if pk.Retired {
		return nil, fmt.Errorf("%w: kek version %d has been retired", ErrKeyManagement, version)
	}
	return pk, nil
}

// RotatePatientKEK provisions a new KEK version for the patient. Previously
// written envelopes keep decrypting through their stored DEK version; no
// re-encryption happens here.
func (v *Vault) RotatePatientKEK(ctx context.Context, patientID string) (*PatientKey, error) {
	if patientID == "" {
		return nil, NewValidationError("patientID", "cannot be empty")
	}

	current, err := v.ensurePatientKey(ctx, patientID)
	if err != nil {
		return nil, err
	}

	kekID, err := v.kms.CreateKey(ctx, "medvault-patient-"+patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create new KEK version: %w", ErrKeyManagement, err)
	}

	now := v.now().UTC()
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyManagement, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE patient_keys SET rotated_at = ? WHERE patient_id = ? AND version = ?
	`, now, patientID, current.Version); err != nil {
		return nil, fmt.Errorf("%w: failed to mark old KEK rotated: %w", ErrKeyManagement, err)
	}

	newVersion := current.Version + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patient_keys (patient_id, version, kek_id, created_at) VALUES (?, ?, ?, ?)
	`, patientID, newVersion, kekID, now); err != nil {
		return nil, fmt.Errorf("%w: failed to record new KEK version: %w", ErrKeyManagement, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyManagement, err)
	}

	v.logger.Info("patient KEK rotated", "patient_id", patientID, "kek_version", newVersion)
	return &PatientKey{PatientID: patientID, KEKID: kekID, Version: newVersion, CreatedAt: now}, nil
}

// retirePatientKeys destroys the patient's DEK chain. Called by erasure
// after content is unpinned; from here on no stored envelope for the
// patient can be opened.
func (v *Vault) retirePatientKeys(ctx context.Context, patientID string) error {
	_, err := v.db.ExecContext(ctx, `
		UPDATE patient_keys SET retired = 1 WHERE patient_id = ?
	`, patientID)
	if err != nil {
		return fmt.Errorf("%w: failed to retire patient keys: %w", ErrKeyManagement, err)
	}
	return nil
}

func scanPatientKey(row *sql.Row) (*PatientKey, error) {
	var pk PatientKey
	var retired int
	var rotatedAt sql.NullTime
	err := row.Scan(&pk.PatientID, &pk.Version, &pk.KEKID, &retired, &pk.CreatedAt, &rotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no patient key", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyManagement, err)
	}
	pk.Retired = retired != 0
	if rotatedAt.Valid {
		t := rotatedAt.Time
		pk.RotatedAt = &t
	}
	return &pk, nil
}
