// Package crown coordinates "all sibling runs for a task are done" and
// fires the crown evaluation - comparing the parallel runs' outputs to pick
// a winner - exactly once per task.
package crown

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/store"
	"github.com/cruciblehq/crucible/api/pkg/system"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

const remoteCallAttempts = 3

// Coordinator owns run-completion bookkeeping. All remote calls go through
// the same capped exponential backoff; the terminal error of an exhausted
// retry propagates to the caller as a reportable, non-auto-recoverable
// failure.
type Coordinator struct {
	store         store.Store
	evaluationURL string
	httpClient    *retryablehttp.Client

	// retryDelay is the initial backoff (doubled per attempt). Tests dial
	// it down.
	retryDelay time.Duration
}

func NewCoordinator(s store.Store, evaluationURL string) *Coordinator {
	return &Coordinator{
		store:         s,
		evaluationURL: evaluationURL,
		httpClient:    system.NewRetryClient(0),
		retryDelay:    1 * time.Second,
	}
}

// MarkRunComplete records a run's terminal state in the persistence
// backend. Optimistic concurrency conflicts are logged as their own error
// class but retried like any transient failure.
func (c *Coordinator) MarkRunComplete(ctx context.Context, runID string, exitCode int) error {
	err := c.withRetry(ctx, "mark run complete", func() error {
		return c.store.MarkRunComplete(ctx, runID, exitCode)
	})
	if err != nil {
		return fmt.Errorf("failed to mark run %s complete: %w", runID, err)
	}

	log.Info().
		Str("run_id", runID).
		Int("exit_code", exitCode).
		Msg("run marked complete")
	return nil
}

// TriggerEvaluation re-evaluates sibling state for a task and conditionally
// dispatches the evaluation call. The backend's flag mutation is the sole
// authority on "already dispatched": it flips the task pending-evaluation
// atomically iff all sibling runs are complete and no-ops otherwise, so any
// number of racing callers produce at most one dispatch.
func (c *Coordinator) TriggerEvaluation(ctx context.Context, taskID string) error {
	err := c.withRetry(ctx, "flag task pending evaluation", func() error {
		return c.store.FlagTaskPendingEvaluation(ctx, taskID)
	})
	if err != nil {
		return fmt.Errorf("failed to flag task %s for evaluation: %w", taskID, err)
	}

	// Re-query independently: only dispatch on a snapshot this coordinator
	// itself observed.
	runs, err := retry.DoWithData(func() ([]*types.Run, error) {
		return c.store.GetTaskRuns(ctx, taskID)
	}, c.retryOpts(ctx, "get task runs")...)
	if err != nil {
		return fmt.Errorf("failed to query runs for task %s: %w", taskID, err)
	}

	totalRuns := len(runs)
	allComplete := true
	for _, r := range runs {
		if !r.IsComplete() {
			allComplete = false
			break
		}
	}

	if !allComplete || totalRuns < 2 {
		log.Debug().
			Str("task_id", taskID).
			Int("total_runs", totalRuns).
			Bool("all_complete", allComplete).
			Msg("not dispatching crown evaluation")
		return nil
	}

	task, err := retry.DoWithData(func() (*types.Task, error) {
		return c.store.GetTask(ctx, taskID)
	}, c.retryOpts(ctx, "get task")...)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	c.dispatchEvaluation(ctx, taskID, task.Prompt)
	return nil
}

// dispatchEvaluation posts to the evaluation endpoint. Failures here are
// swallowed after logging: the flag mutation already recorded the dispatch,
// and a concurrent caller's request may already be in flight.
func (c *Coordinator) dispatchEvaluation(ctx context.Context, taskID, prompt string) {
	body, err := json.Marshal(map[string]string{
		"task_id": taskID,
		"prompt":  prompt,
	})
	if err != nil {
		return
	}

	err = c.withRetry(ctx, "dispatch evaluation", func() error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.evaluationURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			log.Warn().
				Str("task_id", taskID).
				Int("status", resp.StatusCode).
				Msg("evaluation endpoint returned non-2xx, evaluation may already be in flight")
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).
			Str("task_id", taskID).
			Msg("failed to reach evaluation endpoint")
		return
	}

	log.Info().Str("task_id", taskID).Msg("crown evaluation dispatched")
}

func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn, c.retryOpts(ctx, op)...)
}

func (c *Coordinator) retryOpts(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Attempts(remoteCallAttempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if errors.Is(err, store.ErrConflict) {
				log.Warn().
					Err(err).
					Str("operation", op).
					Uint("retry_number", n).
					Msg("optimistic concurrency conflict, retrying")
				return
			}
			log.Warn().
				Err(err).
				Str("operation", op).
				Uint("retry_number", n).
				Msg("remote call failed, retrying")
		}),
	}
}
