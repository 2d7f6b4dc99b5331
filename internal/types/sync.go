package types

import "time"

// =============================================================================
// SYNC QUEUE - Pending remote persistence bookkeeping
// =============================================================================

// SyncOperation is the remote mutation a pending entry is retrying.
type SyncOperation string

const (
	SyncCreate SyncOperation = "create"
	SyncUpdate SyncOperation = "update"
	SyncDelete SyncOperation = "delete"
)

// MaxSyncRetries caps automatic retries per pending entry. An entry at the
// cap is skipped (not retried, not cleared) until the owning component is
// mutated again.
const MaxSyncRetries = 3

// PendingSyncEntry records a component whose last remote create/update/delete
// failed. The sync queue keeps at most one entry per component; a new failure
// replaces the prior entry and increments its retry count.
type PendingSyncEntry struct {
	ComponentID string        `json:"component_id"`
	Operation   SyncOperation `json:"operation"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Exhausted reports whether the entry hit the automatic retry cap.
func (e *PendingSyncEntry) Exhausted() bool {
	return e.RetryCount >= MaxSyncRetries
}
