package medvault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Deterministic placeholder written over erased PII. Rows are anonymized in
// place, never deleted, so historical grants and audit entries keep their
// referential integrity.
const erasedPlaceholder = "REDACTED"

// erasureActor is recorded as the revoking actor for erasure-driven
// revocations.
const erasureActor = "system:erasure"

// RequestErasure runs the right-to-erasure workflow for a patient.
//
// The workflow revokes every ACTIVE grant with reason "erasure", best-effort
// unpins every CID the patient owns, anonymizes PII in place and retires the
// patient's KEK chain. Ledger anchors are left untouched: they remain as
// immutable evidence that a record existed, without exposing content once
// the blobs are unpinned and the key chain is destroyed.
//
// The operation is idempotent: a second call on an already-erased patient
// completes immediately with the same terminal state.
func (v *Vault) RequestErasure(ctx context.Context, patientID string) (*ComplianceRequest, error) {
	if patientID == "" {
		return nil, NewValidationError("patientID", "cannot be empty")
	}

	profile, err := v.GetPatientProfile(ctx, patientID)
	if err != nil {
		return nil, err
	}

	req, err := v.createComplianceRequest(ctx, patientID, "erasure")
	if err != nil {
		return nil, err
	}

	if profile.Anonymized {
		// Already erased; nothing left to touch.
		return req, v.finishComplianceRequest(ctx, req, nil)
	}

	if err := v.setComplianceStatus(ctx, req, RequestInProgress); err != nil {
		return nil, err
	}
	v.writeAudit(ctx, &AuditEntry{PatientID: patientID, ActorID: erasureActor, Action: AuditErasureStarted})

	err = v.runErasure(ctx, patientID)
	if ferr := v.finishComplianceRequest(ctx, req, err); ferr != nil {
		return req, ferr
	}
	if err != nil {
		return req, err
	}

	v.writeAudit(ctx, &AuditEntry{PatientID: patientID, ActorID: erasureActor, Action: AuditErasureCompleted})
	v.writeAudit(ctx, &AuditEntry{PatientID: patientID, ActorID: erasureActor, Action: AuditComplianceNotice, Detail: "erasure completed"})
	return req, nil
}

func (v *Vault) runErasure(ctx context.Context, patientID string) error {
	// Revoke first so no new reads are admitted while content disappears.
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants WHERE patient_id = ? AND status = ?
	`, patientID, string(GrantActive))
	if err != nil {
		return err
	}
	for _, g := range grants {
		if _, err := v.revokeGrant(ctx, g.ID, erasureActor, "erasure", true); err != nil {
			return fmt.Errorf("failed to revoke grant %s during erasure: %w", g.ID, err)
		}
		v.writeAudit(ctx, &AuditEntry{
			PatientID: patientID,
			ActorID:   erasureActor,
			Action:    AuditGranteeNotified,
			GrantID:   g.ID,
			Detail:    "access revoked by erasure of " + patientID,
		})
	}

	// Unpin is best-effort: a degraded content store must never block a
	// regulatory erasure. Failures are logged inside unpinBlob.
	records, err := v.ListRecords(ctx, patientID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.Anonymized {
			v.unpinBlob(ctx, rec.CID)
		}
	}

	now := v.now().UTC()
	if _, err := v.db.ExecContext(ctx, `
		UPDATE records SET description = ?, anonymized = 1 WHERE patient_id = ?
	`, erasedPlaceholder, patientID); err != nil {
		return fmt.Errorf("failed to anonymize records: %w", err)
	}
	if _, err := v.db.ExecContext(ctx, `
		UPDATE patients SET display_name = ?, contact_email = '', anonymized = 1, updated_at = ? WHERE patient_id = ?
	`, erasedPlaceholder, now, patientID); err != nil {
		return fmt.Errorf("failed to anonymize patient profile: %w", err)
	}

	// With the keys retired the stored envelopes are permanently
	// unopenable even if a blob was never unpinned.
	return v.retirePatientKeys(ctx, patientID)
}

// RequestExport aggregates everything held for a patient into a single
// bundle: profile, record metadata, grant history and the audit trail.
// Partial failures mark the request FAILED and surface the error; sections
// are never silently dropped.
func (v *Vault) RequestExport(ctx context.Context, patientID string) (*ComplianceRequest, *ExportBundle, error) {
	if patientID == "" {
		return nil, nil, NewValidationError("patientID", "cannot be empty")
	}

	req, err := v.createComplianceRequest(ctx, patientID, "export")
	if err != nil {
		return nil, nil, err
	}
	if err := v.setComplianceStatus(ctx, req, RequestInProgress); err != nil {
		return nil, nil, err
	}

	bundle, err := v.buildExportBundle(ctx, patientID)
	if ferr := v.finishComplianceRequest(ctx, req, err); ferr != nil {
		return req, nil, ferr
	}
	if err != nil {
		return req, nil, err
	}

	v.writeAudit(ctx, &AuditEntry{PatientID: patientID, ActorID: patientID, Action: AuditExportCompleted})
	return req, bundle, nil
}

func (v *Vault) buildExportBundle(ctx context.Context, patientID string) (*ExportBundle, error) {
	profile, err := v.GetPatientProfile(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("export: profile: %w", err)
	}
	records, err := v.ListRecords(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("export: records: %w", err)
	}
	grants, err := v.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants WHERE patient_id = ? ORDER BY created_at ASC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("export: grants: %w", err)
	}
	audit, err := v.AuditTrail(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("export: audit trail: %w", err)
	}

	return &ExportBundle{
		PatientID:   patientID,
		GeneratedAt: v.now().UTC(),
		Profile:     profile,
		Records:     records,
		Grants:      grants,
		AuditTrail:  audit,
	}, nil
}

// JSON serializes the bundle for delivery to the patient.
func (b *ExportBundle) JSON() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

func (v *Vault) createComplianceRequest(ctx context.Context, patientID, kind string) (*ComplianceRequest, error) {
	now := v.now().UTC()
	req := &ComplianceRequest{
		ID:        uuid.NewString(),
		PatientID: patientID,
		Kind:      kind,
		Status:    RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO compliance_requests (id, patient_id, kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.PatientID, req.Kind, string(req.Status), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", kind, err)
	}
	return req, nil
}

func (v *Vault) setComplianceStatus(ctx context.Context, req *ComplianceRequest, status RequestStatus) error {
	now := v.now().UTC()
	_, err := v.db.ExecContext(ctx, `
		UPDATE compliance_requests SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), now, req.ID)
	if err != nil {
		return fmt.Errorf("failed to update %s request: %w", req.Kind, err)
	}
	req.Status = status
	req.UpdatedAt = now
	return nil
}

// finishComplianceRequest records the terminal status, storing the failure
// reason when the workflow errored.
func (v *Vault) finishComplianceRequest(ctx context.Context, req *ComplianceRequest, workflowErr error) error {
	status := RequestCompleted
	errText := ""
	if workflowErr != nil {
		status = RequestFailed
		errText = workflowErr.Error()
	}
	now := v.now().UTC()
	_, err := v.db.ExecContext(ctx, `
		UPDATE compliance_requests SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), errText, now, req.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize %s request: %w", req.Kind, err)
	}
	req.Status = status
	req.Error = errText
	req.UpdatedAt = now
	return nil
}

// GetComplianceRequest loads one erasure/export request by id.
func (v *Vault) GetComplianceRequest(ctx context.Context, requestID string) (*ComplianceRequest, error) {
	row := v.db.QueryRowContext(ctx, `
		SELECT id, patient_id, kind, status, error, created_at, updated_at
		FROM compliance_requests WHERE id = ?
	`, requestID)
	var req ComplianceRequest
	var status string
	err := row.Scan(&req.ID, &req.PatientID, &req.Kind, &status, &req.Error, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: compliance request", ErrNotFound)
	}
	req.Status = RequestStatus(status)
	return &req, nil
}
