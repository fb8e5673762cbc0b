package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run or ledger entry does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a top level animus run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// LedgerAction is the manifest action a ledger entry records.
type LedgerAction string

const (
	LedgerActionApply  LedgerAction = "apply"
	LedgerActionDelete LedgerAction = "delete"
)

// Run represents one invocation of apply or delete over a set of manifests
type Run struct {
	ID          string     `json:"id"`
	Action      string     `json:"action"`
	Environment string     `json:"environment"`
	Manifests   string     `json:"manifests"` // comma separated names
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// LedgerEntry records that a manifest was applied or deleted with a given
// checksum in one environment.
type LedgerEntry struct {
	ID          string       `json:"id"`
	RunID       *string      `json:"run_id,omitempty"`
	Name        string       `json:"name"`
	Kind        string       `json:"kind"`
	Version     string       `json:"version"`
	Environment string       `json:"environment"`
	Checksum    string       `json:"checksum"`
	Action      LedgerAction `json:"action"`
	RecordedAt  time.Time    `json:"recorded_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Ledger operations
	RecordEntry(ctx context.Context, entry *LedgerEntry) error
	LatestEntry(ctx context.Context, name, environment string) (*LedgerEntry, error)
	ListEntries(ctx context.Context, name *string, limit, offset int) ([]*LedgerEntry, error)
	PruneEntries(ctx context.Context, name, environment string, keep int) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
