package medvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ensurePatientProfile creates the patient row this core owns (emergency
// toggle, notification contacts) if it does not exist yet.
func (v *Vault) ensurePatientProfile(ctx context.Context, patientID string) error {
	now := v.now().UTC()
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO patients (patient_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(patient_id) DO NOTHING
	`, patientID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure patient profile: %w", err)
	}
	return nil
}

// GetPatientProfile returns the patient state owned by this core.
func (v *Vault) GetPatientProfile(ctx context.Context, patientID string) (*PatientProfile, error) {
	if patientID == "" {
		return nil, NewValidationError("patientID", "cannot be empty")
	}
	row := v.db.QueryRowContext(ctx, `
		SELECT patient_id, display_name, contact_email, emergency_access_enabled, anonymized, created_at, updated_at
		FROM patients WHERE patient_id = ?
	`, patientID)

	var p PatientProfile
	var enabled, anonymized int
	err := row.Scan(&p.PatientID, &p.DisplayName, &p.ContactEmail, &enabled, &anonymized, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: patient", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patient profile: %w", err)
	}
	p.EmergencyAccessEnabled = enabled != 0
	p.Anonymized = anonymized != 0
	return &p, nil
}

// UpdatePatientContact sets the display name and contact email used for
// compliance notifications.
func (v *Vault) UpdatePatientContact(ctx context.Context, patientID, displayName, contactEmail string) error {
	if patientID == "" {
		return NewValidationError("patientID", "cannot be empty")
	}
	if err := v.ensurePatientProfile(ctx, patientID); err != nil {
		return err
	}
	_, err := v.db.ExecContext(ctx, `
		UPDATE patients SET display_name = ?, contact_email = ?, updated_at = ? WHERE patient_id = ?
	`, displayName, contactEmail, v.now().UTC(), patientID)
	if err != nil {
		return fmt.Errorf("failed to update patient contact: %w", err)
	}
	return nil
}

// SetEmergencyAccessEnabled toggles whether privileged emergency grants may
// bypass the patient's consent. Controlled by the patient or an
// administrator.
func (v *Vault) SetEmergencyAccessEnabled(ctx context.Context, patientID string, enabled bool) error {
	if patientID == "" {
		return NewValidationError("patientID", "cannot be empty")
	}
	if err := v.ensurePatientProfile(ctx, patientID); err != nil {
		return err
	}
	_, err := v.db.ExecContext(ctx, `
		UPDATE patients SET emergency_access_enabled = ?, updated_at = ? WHERE patient_id = ?
	`, boolToInt(enabled), v.now().UTC(), patientID)
	if err != nil {
		return fmt.Errorf("failed to update emergency access flag: %w", err)
	}
	v.logger.Info("emergency access flag updated", "patient_id", patientID, "enabled", enabled)
	return nil
}
