package medvault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// writeAudit appends an entry to the relational audit trail and forwards it
// to the configured publisher, if any. Audit writes never fail the
// operation being audited; faults are logged.
func (v *Vault) writeAudit(ctx context.Context, entry *AuditEntry) {
	entry.ID = uuid.NewString()
	entry.OccurredAt = v.now().UTC()

	_, err := v.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, patient_id, actor_id, action, grant_id, record_id, detail, emergency, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.PatientID, entry.ActorID, entry.Action, entry.GrantID, entry.RecordID,
		entry.Detail, boolToInt(entry.Emergency), entry.OccurredAt)
	if err != nil {
		v.logger.Error("audit write failed", "action", entry.Action, "patient_id", entry.PatientID, "error", err)
	}

	if v.audit != nil {
		if err := v.audit.Publish(ctx, entry); err != nil {
			v.logger.Warn("audit publish failed", "action", entry.Action, "error", err)
		}
	}
}

// AuditTrail returns the patient's full audit history, oldest first.
func (v *Vault) AuditTrail(ctx context.Context, patientID string) ([]*AuditEntry, error) {
	return v.queryAudit(ctx, `
		SELECT id, patient_id, actor_id, action, grant_id, record_id, detail, emergency, occurred_at
		FROM audit_log WHERE patient_id = ? ORDER BY occurred_at ASC, id ASC
	`, patientID)
}

// EmergencyAuditTrail returns only emergency-access entries for a patient.
// This is the immutable record of consent bypasses, reported separately
// from ordinary grant history.
func (v *Vault) EmergencyAuditTrail(ctx context.Context, patientID string) ([]*AuditEntry, error) {
	return v.queryAudit(ctx, `
		SELECT id, patient_id, actor_id, action, grant_id, record_id, detail, emergency, occurred_at
		FROM audit_log WHERE patient_id = ? AND emergency = 1 ORDER BY occurred_at ASC, id ASC
	`, patientID)
}

func (v *Vault) queryAudit(ctx context.Context, query string, args ...any) ([]*AuditEntry, error) {
	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var emergency int
		if err := rows.Scan(&e.ID, &e.PatientID, &e.ActorID, &e.Action, &e.GrantID, &e.RecordID,
			&e.Detail, &emergency, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Emergency = emergency != 0
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
