// Package store is the narrow contract onto the task/run persistence
// backend. The backend's storage engine lives elsewhere - this process only
// issues the four mutations/queries below over its HTTP API.
package store

import (
	"context"
	"errors"

	"github.com/cruciblehq/crucible/api/pkg/types"
)

// ErrConflict is returned when a mutation loses an optimistic concurrency
// race on the backend. Callers retry it like any transient error, but log
// it distinctly.
var ErrConflict = errors.New("optimistic concurrency conflict")

// MaxLogChunkBytes is the backend's per-write ceiling for run log appends.
// Enforcing it is the caller's responsibility.
const MaxLogChunkBytes = 500_000

type Store interface {
	// GetTask returns the task row, including the prompt the evaluation
	// endpoint needs.
	GetTask(ctx context.Context, taskID string) (*types.Task, error)

	// GetTaskRuns returns every run (with children) for a task.
	GetTaskRuns(ctx context.Context, taskID string) ([]*types.Run, error)

	// MarkRunComplete records a run's terminal status and exit code.
	// Returns ErrConflict when the mutation loses a concurrent-writer race.
	MarkRunComplete(ctx context.Context, runID string, exitCode int) error

	// FlagTaskPendingEvaluation atomically flags the task pending-evaluation
	// iff all sibling runs are complete; a no-op otherwise. This mutation is
	// the sole authority preventing double-dispatch of evaluation.
	FlagTaskPendingEvaluation(ctx context.Context, taskID string) error

	// AppendRunLog appends one chunk (<= MaxLogChunkBytes) to the run's
	// durable log.
	AppendRunLog(ctx context.Context, runID string, chunk []byte) error
}
