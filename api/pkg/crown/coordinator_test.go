package crown

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/crucible/api/pkg/store"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

// fakeStore scripts per-call failures and counts attempts, so tests can pin
// down exactly how many times the coordinator hits the backend.
type fakeStore struct {
	mu sync.Mutex

	markAttempts int
	markErrs     []error // consumed one per attempt; nil entry means success

	flagAttempts int
	flagErrs     []error

	runs []*types.Run
	task *types.Task
}

func (f *fakeStore) nextErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return f.task, nil
}

func (f *fakeStore) GetTaskRuns(_ context.Context, _ string) ([]*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, nil
}

func (f *fakeStore) MarkRunComplete(_ context.Context, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAttempts++
	return f.nextErr(&f.markErrs)
}

func (f *fakeStore) FlagTaskPendingEvaluation(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagAttempts++
	return f.nextErr(&f.flagErrs)
}

func (f *fakeStore) AppendRunLog(_ context.Context, _ string, _ []byte) error {
	return nil
}

func newTestCoordinator(s store.Store, evaluationURL string) *Coordinator {
	c := NewCoordinator(s, evaluationURL)
	c.retryDelay = time.Millisecond
	return c
}

func completeRun(id string) *types.Run {
	code := 0
	return &types.Run{ID: id, TaskID: "task-1", Status: types.RunStatusComplete, ExitCode: &code}
}

func TestMarkRunCompleteRetriesTransientFailures(t *testing.T) {
	s := &fakeStore{markErrs: []error{
		fmt.Errorf("connection refused"),
		fmt.Errorf("connection refused"),
		nil,
	}}
	c := newTestCoordinator(s, "")

	err := c.MarkRunComplete(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, 3, s.markAttempts)
}

func TestMarkRunCompleteGivesUpAfterCappedAttempts(t *testing.T) {
	s := &fakeStore{markErrs: []error{
		fmt.Errorf("down"), fmt.Errorf("down"), fmt.Errorf("down"), fmt.Errorf("down"),
	}}
	c := newTestCoordinator(s, "")

	err := c.MarkRunComplete(context.Background(), "run-1", 1)
	require.Error(t, err)
	require.Equal(t, 3, s.markAttempts, "exactly the capped number of attempts, no more")
}

func TestMarkRunCompleteRetriesConflicts(t *testing.T) {
	s := &fakeStore{markErrs: []error{
		fmt.Errorf("run row changed: %w", store.ErrConflict),
		nil,
	}}
	c := newTestCoordinator(s, "")

	err := c.MarkRunComplete(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, s.markAttempts)
}

func newEvaluationEndpoint(t *testing.T) (*httptest.Server, func() []map[string]string) {
	t.Helper()
	var mu sync.Mutex
	var calls []map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		calls = append(calls, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	return server, func() []map[string]string {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]string(nil), calls...)
	}
}

func TestTriggerEvaluationDispatchesWhenAllSiblingsComplete(t *testing.T) {
	server, calls := newEvaluationEndpoint(t)
	s := &fakeStore{
		runs: []*types.Run{completeRun("run-1"), completeRun("run-2")},
		task: &types.Task{ID: "task-1", Prompt: "add dark mode", PendingEvaluation: true},
	}
	c := newTestCoordinator(s, server.URL)

	err := c.TriggerEvaluation(context.Background(), "task-1")
	require.NoError(t, err)

	got := calls()
	require.Len(t, got, 1)
	require.Equal(t, "task-1", got[0]["task_id"])
	require.Equal(t, "add dark mode", got[0]["prompt"])
}

func TestTriggerEvaluationSkipsSingleRunTask(t *testing.T) {
	server, calls := newEvaluationEndpoint(t)
	s := &fakeStore{
		runs: []*types.Run{completeRun("run-1")},
		task: &types.Task{ID: "task-1", Prompt: "p"},
	}
	c := newTestCoordinator(s, server.URL)

	err := c.TriggerEvaluation(context.Background(), "task-1")
	require.NoError(t, err)
	require.Empty(t, calls(), "a lone run has nothing to compare against")
}

func TestTriggerEvaluationSkipsIncompleteSiblings(t *testing.T) {
	server, calls := newEvaluationEndpoint(t)
	s := &fakeStore{
		runs: []*types.Run{
			completeRun("run-1"),
			{ID: "run-2", TaskID: "task-1", Status: types.RunStatusRunning},
		},
		task: &types.Task{ID: "task-1", Prompt: "p"},
	}
	c := newTestCoordinator(s, server.URL)

	err := c.TriggerEvaluation(context.Background(), "task-1")
	require.NoError(t, err)
	require.Empty(t, calls())
	require.Equal(t, 1, s.flagAttempts, "the flag mutation still runs; the backend no-ops it")
}

func TestTriggerEvaluationRetriesFlagConflict(t *testing.T) {
	server, calls := newEvaluationEndpoint(t)
	s := &fakeStore{
		flagErrs: []error{fmt.Errorf("task row changed: %w", store.ErrConflict), nil},
		runs:     []*types.Run{completeRun("run-1"), completeRun("run-2")},
		task:     &types.Task{ID: "task-1", Prompt: "p"},
	}
	c := newTestCoordinator(s, server.URL)

	err := c.TriggerEvaluation(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, 2, s.flagAttempts)
	require.Len(t, calls(), 1)
}

func TestTriggerEvaluationPropagatesExhaustedFlagFailure(t *testing.T) {
	server, calls := newEvaluationEndpoint(t)
	s := &fakeStore{
		flagErrs: []error{fmt.Errorf("down"), fmt.Errorf("down"), fmt.Errorf("down")},
		runs:     []*types.Run{completeRun("run-1"), completeRun("run-2")},
	}
	c := newTestCoordinator(s, server.URL)

	err := c.TriggerEvaluation(context.Background(), "task-1")
	require.Error(t, err)
	require.Empty(t, calls(), "no dispatch when the flag mutation never succeeded")
}

func TestTriggerEvaluationSwallowsEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Another coordinator's dispatch may already be in flight.
		w.WriteHeader(http.StatusConflict)
	}))
	t.Cleanup(server.Close)

	s := &fakeStore{
		runs: []*types.Run{completeRun("run-1"), completeRun("run-2")},
		task: &types.Task{ID: "task-1", Prompt: "p"},
	}
	c := newTestCoordinator(s, server.URL)

	err := c.TriggerEvaluation(context.Background(), "task-1")
	require.NoError(t, err, "evaluation endpoint status is advisory once the flag is set")
}
