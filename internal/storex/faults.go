package storex

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultQuarantineThreshold is the consecutive-failure count that
// triggers auto-quarantine, carried over unchanged from the teacher's
// persistence.DefaultQuarantineThreshold (there, a WASM skill's fault
// count; here, a WASM component actor's).
const DefaultQuarantineThreshold = 5

// ComponentFault is a durable record of a component's consecutive-failure
// count and, once the threshold is crossed, its quarantine window.
type ComponentFault struct {
	ComponentID         string
	ConsecutiveFailures int
	QuarantinedUntil    *time.Time
	LastReason          string
}

// RecordFailure increments a component's consecutive-failure counter and
// auto-quarantines it for quarantineFor once the counter reaches
// DefaultQuarantineThreshold. A subsequent RecordSuccess resets the
// counter to zero and clears any quarantine.
func (s *Store) RecordFailure(ctx context.Context, componentID, reason string, quarantineFor time.Duration) (ComponentFault, error) {
	var result ComponentFault
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var failures int
		err = tx.QueryRowContext(ctx, `SELECT consecutive_failures FROM component_faults WHERE component_id = ?;`, componentID).Scan(&failures)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("storex: read component_faults: %w", err)
		}
		failures++

		var quarantinedUntil *time.Time
		if failures >= DefaultQuarantineThreshold {
			until := time.Now().UTC().Add(quarantineFor)
			quarantinedUntil = &until
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO component_faults (component_id, consecutive_failures, quarantined_until, last_reason, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(component_id) DO UPDATE SET
				consecutive_failures = excluded.consecutive_failures,
				quarantined_until = excluded.quarantined_until,
				last_reason = excluded.last_reason,
				updated_at = CURRENT_TIMESTAMP;
		`, componentID, failures, quarantinedUntil, reason); err != nil {
			return fmt.Errorf("storex: upsert component_faults: %w", err)
		}

		result = ComponentFault{ComponentID: componentID, ConsecutiveFailures: failures, QuarantinedUntil: quarantinedUntil, LastReason: reason}
		return tx.Commit()
	})
	return result, err
}

// RecordSuccess clears a component's fault state entirely.
func (s *Store) RecordSuccess(ctx context.Context, componentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM component_faults WHERE component_id = ?;`, componentID)
		return err
	})
}

// Quarantined reports whether componentID is currently within an active
// quarantine window.
func (s *Store) Quarantined(ctx context.Context, componentID string) (bool, error) {
	var until sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT quarantined_until FROM component_faults WHERE component_id = ?;`, componentID).Scan(&until)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storex: read quarantine state: %w", err)
	}
	if !until.Valid {
		return false, nil
	}
	return time.Now().UTC().Before(until.Time), nil
}
