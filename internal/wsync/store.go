package wsync

import "time"

// SyncRecord is the locally persisted state of one scope.
type SyncRecord struct {
	// SyncedVersion is the encoded version vector last confirmed by the
	// authority.
	SyncedVersion []byte
	// LastSyncedAt is zero until the first successful exchange.
	LastSyncedAt time.Time
	// Snapshot is the full document, including edits not yet synced.
	Snapshot []byte
}

// Operation log statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusError   = "error"
)

// SyncOperation is one entry of the local operation log.
type SyncOperation struct {
	ID         int64
	ScopeKey   string
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is local durable storage for sync records. A write is visible to
// readers only once it has completed.
type Store interface {
	// Get returns the record stored under key, or nil if there is none.
	Get(key string) (*SyncRecord, error)
	Set(key string, rec *SyncRecord) error
	// Delete removes the record. Deleting a missing key is not an error.
	Delete(key string) error

	CreateSyncOperation(scopeKey, operation, parameters string, startedAt time.Time) (*SyncOperation, error)
	FinishSyncOperation(id int64, status string, finishedAt time.Time) error
	// ListSyncOperations returns the most recent operations, newest first.
	ListSyncOperations(limit int) ([]*SyncOperation, error)

	Close() error
}
