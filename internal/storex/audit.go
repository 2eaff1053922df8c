package storex

import (
	"context"
	"time"
)

// AuditRecord is one row of the durable audit_log table: every capability
// check decision, mirroring the JSONL record package audit also writes.
type AuditRecord struct {
	TraceID     string
	ComponentID string
	Resource    string
	Permission  string
	Decision    string
	Reason      string
}

// RecordAudit inserts one audit_log row, retrying transparently on SQLITE_BUSY.
func (s *Store) RecordAudit(ctx context.Context, rec AuditRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, component_id, resource, permission, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.TraceID, rec.ComponentID, rec.Resource, rec.Permission, rec.Decision, rec.Reason)
		return err
	})
}

// RetentionResult reports how many rows a RunRetention pass purged.
type RetentionResult struct {
	PurgedAuditLogs int64
}

// RunRetention deletes audit_log rows older than auditLogDays, grounded
// on the teacher's RunRetention (one DELETE per category, own cutoff,
// idempotent). Zero or negative auditLogDays disables the purge.
func (s *Store) RunRetention(ctx context.Context, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult
	if auditLogDays <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, err
	}
	result.PurgedAuditLogs, _ = res.RowsAffected()
	return result, nil
}
