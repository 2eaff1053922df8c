// Package audit implements the dual-write audit trail for capability
// decisions: a JSONL file plus (once SetStore is called) a durable
// audit_log table in internal/storex. Kept as a package-level singleton
// exactly as the teacher structures it — a single process-wide audit
// sink callable from any admission path without threading a reference
// through every call site.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/wasmguard/internal/shared"
	"github.com/basket/wasmguard/internal/storex"
)

type entry struct {
	Timestamp   string `json:"timestamp"`
	Decision    string `json:"decision"`
	ComponentID string `json:"component_id"`
	Resource    string `json:"resource"`
	Permission  string `json:"permission"`
	Reason      string `json:"reason"`
	TraceID     string `json:"trace_id,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	store      *storex.Store
	denyCount  atomic.Int64
)

// Init opens the JSONL sink under homeDir/logs/audit.jsonl.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetStore configures the durable audit_log dual-write target.
func SetStore(s *storex.Store) {
	mu.Lock()
	defer mu.Unlock()
	store = s
}

// Close closes the JSONL sink.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions recorded since
// startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one capability-check decision to the JSONL sink and, if
// a store is configured, to the durable audit_log table. decision is
// "granted" or "denied"; componentId/resource/permission/reason describe
// the check per checker.Decision; traceId may be empty.
func Record(decision, componentId, resource, permission, reason, traceId string) {
	if decision == "denied" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
			Decision:    decision,
			ComponentID: componentId,
			Resource:    resource,
			Permission:  permission,
			Reason:      reason,
			TraceID:     traceId,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if store != nil {
		_ = store.RecordAudit(context.Background(), storex.AuditRecord{
			TraceID:     traceId,
			ComponentID: componentId,
			Resource:    resource,
			Permission:  permission,
			Decision:    decision,
			Reason:      reason,
		})
	}
}
