// Package runs owns the run lifecycle: provisioning a sandbox for a run,
// bridging its terminal, and reporting completion. It is the single
// coordination path for a given run id - registry register/unregister pairs
// are serialized here.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/cruciblehq/crucible/api/pkg/config"
	"github.com/cruciblehq/crucible/api/pkg/crown"
	"github.com/cruciblehq/crucible/api/pkg/daemon"
	"github.com/cruciblehq/crucible/api/pkg/pubsub"
	"github.com/cruciblehq/crucible/api/pkg/sandbox"
	"github.com/cruciblehq/crucible/api/pkg/store"
	"github.com/cruciblehq/crucible/api/pkg/system"
	"github.com/cruciblehq/crucible/api/pkg/terminal"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

const stopConcurrency = 8

type StartRunOptions struct {
	RunID    string
	TaskID   string
	Provider types.SandboxProvider // empty means the configured default

	// Command spawned in the run's terminal session; defaults to a shell.
	Command string
	Args    []string
}

type activeRun struct {
	taskID    string
	sessionID string
}

type Manager struct {
	cfg         *config.ServerConfig
	registry    *sandbox.Registry
	watcher     *daemon.Watcher
	coordinator *crown.Coordinator
	terminals   *terminal.Manager

	// newController is swappable in tests.
	newController func(provider types.SandboxProvider, runID, sandboxID string) (sandbox.Controller, error)

	mu   sync.Mutex
	runs map[string]*activeRun
}

func NewManager(
	cfg *config.ServerConfig,
	registry *sandbox.Registry,
	watcher *daemon.Watcher,
	coordinator *crown.Coordinator,
	ps pubsub.Publisher,
	s store.Store,
) *Manager {
	m := &Manager{
		cfg:         cfg,
		registry:    registry,
		watcher:     watcher,
		coordinator: coordinator,
		runs:        make(map[string]*activeRun),
	}
	m.terminals = terminal.NewManager(cfg.Terminal, ps, s, m.handleSessionExit)
	m.newController = m.buildController
	return m
}

func (m *Manager) buildController(provider types.SandboxProvider, runID, sandboxID string) (sandbox.Controller, error) {
	switch provider {
	case types.SandboxProviderDocker:
		return sandbox.NewDockerController(m.cfg.Sandbox, runID, sandboxID)
	case types.SandboxProviderMicroVM:
		return sandbox.NewMicroVMController(m.cfg.Sandbox, runID, sandboxID)
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", provider)
	}
}

// Terminals exposes the session manager for viewer attach/input/resize.
func (m *Manager) Terminals() *terminal.Manager {
	return m.terminals
}

// StartRun provisions a sandbox for the run, sets up its devcontainer and
// opens a terminal session whose exit drives completion reporting. The
// caller awaits provisioning; unrelated runs proceed concurrently.
func (m *Manager) StartRun(ctx context.Context, opts StartRunOptions) (*types.Sandbox, error) {
	provider := opts.Provider
	if provider == "" {
		provider = types.SandboxProvider(m.cfg.Sandbox.Provider)
	}

	// Local container provisioning is gated on daemon readiness.
	if provider == types.SandboxProviderDocker && m.watcher != nil && !m.watcher.Ready() {
		return nil, fmt.Errorf("container daemon is not ready, cannot provision sandbox for run %s", opts.RunID)
	}

	// The registry never cleans up a replaced controller; that is this
	// path's job.
	if prev, ok := m.registry.Get(opts.RunID); ok {
		log.Warn().Str("run_id", opts.RunID).Msg("run already has a sandbox, stopping it first")
		if err := prev.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("run_id", opts.RunID).Msg("failed to stop replaced sandbox")
		}
		m.registry.Unregister(opts.RunID)
	}

	ctrl, err := m.newController(provider, opts.RunID, system.GenerateID())
	if err != nil {
		return nil, err
	}

	m.registry.Register(opts.RunID, ctrl)

	sb, err := ctrl.Start(ctx)
	if err != nil {
		m.registry.Unregister(opts.RunID)
		return nil, fmt.Errorf("run %s failed to start: %w", opts.RunID, err)
	}

	if _, err := ctrl.SetupDevcontainer(ctx); err != nil {
		// Fatal to the setup call, not to the sandbox. Surface the two
		// descriptor failure classes distinguishably.
		var configErr *sandbox.ConfigError
		var portErr *sandbox.PortConflictError
		switch {
		case errors.As(err, &portErr):
			log.Error().Err(err).Str("run_id", opts.RunID).Msg("devcontainer setup rejected: reserved port conflict")
		case errors.As(err, &configErr):
			log.Error().Err(err).Str("run_id", opts.RunID).Msg("devcontainer setup skipped: no usable descriptor")
		default:
			log.Error().Err(err).Str("run_id", opts.RunID).Msg("devcontainer setup failed")
		}
	}

	command := opts.Command
	if command == "" {
		command = "/bin/bash"
	}

	sessionID := "term-" + opts.RunID
	_, err = m.terminals.Create(ctx, terminal.CreateSessionOptions{
		ID:      sessionID,
		RunID:   opts.RunID,
		Cwd:     m.cfg.Sandbox.WorkspaceFolder,
		Command: command,
		Args:    opts.Args,
	})
	if err != nil {
		log.Warn().Err(err).Str("run_id", opts.RunID).Msg("failed to open terminal session for run")
	}

	m.mu.Lock()
	m.runs[opts.RunID] = &activeRun{taskID: opts.TaskID, sessionID: sessionID}
	m.mu.Unlock()

	log.Info().
		Str("run_id", opts.RunID).
		Str("task_id", opts.TaskID).
		Str("sandbox_id", ctrl.Name()).
		Str("provider", string(provider)).
		Msg("run started")

	return sb, nil
}

// handleSessionExit reports run completion and kicks the crown evaluation
// pass. Runs on the terminal exit path, off the caller's goroutine.
func (m *Manager) handleSessionExit(sessionID, runID string, exitCode int) {
	if runID == "" {
		return
	}

	m.mu.Lock()
	active, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := m.coordinator.MarkRunComplete(ctx, runID, exitCode); err != nil {
		log.Error().Err(err).
			Str("run_id", runID).
			Str("session_id", sessionID).
			Msg("failed to report run completion")
		return
	}

	if active.taskID == "" {
		return
	}
	if err := m.coordinator.TriggerEvaluation(ctx, active.taskID); err != nil {
		log.Error().Err(err).
			Str("run_id", runID).
			Str("task_id", active.taskID).
			Msg("failed to trigger crown evaluation")
	}
}

// StopRun tears a run down: terminal first, then sandbox, then the
// registry entry. Stopping an unknown or already-stopped run is a no-op.
func (m *Manager) StopRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	active, tracked := m.runs[runID]
	delete(m.runs, runID)
	m.mu.Unlock()

	if tracked {
		if session, ok := m.terminals.Get(active.sessionID); ok {
			session.Kill()
		}
	}

	ctrl, ok := m.registry.Get(runID)
	if !ok {
		return nil
	}
	if err := ctrl.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop sandbox for run %s: %w", runID, err)
	}
	m.registry.Unregister(runID)

	log.Info().Str("run_id", runID).Msg("run stopped")
	return nil
}

// StopAll tears down every active run with bounded parallelism. Used on
// shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(stopConcurrency)
	for runID := range m.registry.GetAll() {
		runID := runID // per-iteration copy; required while go.mod targets go < 1.22
		p.Go(func() {
			if err := m.StopRun(ctx, runID); err != nil {
				log.Warn().Err(err).Str("run_id", runID).Msg("failed to stop run during shutdown")
			}
		})
	}
	p.Wait()
	m.terminals.Close()
}
