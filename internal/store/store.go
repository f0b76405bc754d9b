// Package store is the durable State Store: pluggable persistence for
// per-task records, shared across tasks but written by at most one active
// writer (the dispatcher) per task_id.
package store

import (
	"context"

	"github.com/lybic/agentcore/pkg/agent"
)

// Patch is a partial update applied to an existing Record. Nil fields are
// left untouched; callers set only what changed.
type Patch struct {
	Status       *agent.TaskStatus
	StartedAt    *int64 // unix nanos, nil = unset
	EndedAt      *int64
	SandboxID    *string
	Stats        *agent.Stats
	FinalMessage *string
	Plan         *agent.Plan
}

// Store is the contract both the Memory and SQL-backed implementations
// satisfy.
type Store interface {
	// Create inserts a new record. Returns a Validation-kind AppError if
	// a record for task_id already exists.
	Create(ctx context.Context, rec agent.Record) error

	// Update applies patch to an existing record. NotFound if absent.
	Update(ctx context.Context, taskID string, patch Patch) error

	// Get returns the full record for taskID, or NotFound.
	Get(ctx context.Context, taskID string) (agent.Record, error)

	// List returns records in reverse-chronological order by CreatedAt.
	List(ctx context.Context, limit, offset int) ([]agent.Record, int, error)

	// AppendConversation appends opaque messages to the task's conversation log.
	AppendConversation(ctx context.Context, taskID string, messages []byte) error

	// Close releases any held resources (connection pools, etc).
	Close() error
}
