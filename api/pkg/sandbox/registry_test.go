package sandbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/crucible/api/pkg/types"
)

// stubController is the minimal Controller used by registry tests.
type stubController struct {
	name string

	mu      sync.Mutex
	stopped bool
}

func (s *stubController) Name() string { return s.name }

func (s *stubController) Start(_ context.Context) (*types.Sandbox, error) {
	return &types.Sandbox{ID: s.name, Status: types.SandboxStatusRunning}, nil
}

func (s *stubController) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *stubController) Status(_ context.Context) types.SandboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return types.SandboxStatusStopped
	}
	return types.SandboxStatusRunning
}

func (s *stubController) SetupDevcontainer(_ context.Context) ([]types.ExposedService, error) {
	return nil, nil
}

func (s *stubController) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func TestRegistryRegisterIsLastWriteWins(t *testing.T) {
	r := NewRegistry()

	first := &stubController{name: "sb-a"}
	second := &stubController{name: "sb-b"}

	r.Register("run-1", first)
	r.Register("run-1", second)

	got, ok := r.Get("run-1")
	require.True(t, ok)
	require.Equal(t, "sb-b", got.Name())

	// Replacing never stops the replaced controller - lifecycle cleanup is
	// the coordination path's job.
	require.False(t, first.isStopped())
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("run-1", &stubController{name: "sb-a"})

	r.Unregister("run-1")
	_, ok := r.Get("run-1")
	require.False(t, ok)

	// Unregistering an unknown run is a no-op.
	r.Unregister("run-missing")
}

func TestRegistryGetMultipleSkipsUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register("run-1", &stubController{name: "sb-a"})
	r.Register("run-2", &stubController{name: "sb-b"})

	got := r.GetMultiple([]string{"run-2", "run-missing", "run-1"})
	require.Len(t, got, 2)
	require.Equal(t, "sb-b", got[0].Name())
	require.Equal(t, "sb-a", got[1].Name())
}

func TestRegistryGetAllReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register("run-1", &stubController{name: "sb-a"})

	all := r.GetAll()
	require.Len(t, all, 1)

	// Mutating the snapshot must not affect the registry.
	delete(all, "run-1")
	_, ok := r.Get("run-1")
	require.True(t, ok)
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Register("run-1", &stubController{name: "sb-a"})
	r.Register("run-2", &stubController{name: "sb-b"})

	r.Clear()
	require.Empty(t, r.GetAll())
}
