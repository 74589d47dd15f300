// Package terminal hosts interactive agent processes and bridges their
// output to live subscribers and durable storage.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/config"
	"github.com/cruciblehq/crucible/api/pkg/pubsub"
	"github.com/cruciblehq/crucible/api/pkg/store"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

// DuplicateSessionError is returned when a session id is already tracked.
type DuplicateSessionError struct {
	ID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("terminal session %s already exists", e.ID)
}

type CreateSessionOptions struct {
	ID      string
	RunID   string
	Cols    uint16
	Rows    uint16
	Cwd     string
	Env     []string
	Command string
	Args    []string
}

// ExitHandler observes a session's process exit. The run lifecycle uses it
// to report completion; callers must not block in it for long.
type ExitHandler func(sessionID, runID string, exitCode int)

type Manager struct {
	cfg      config.Terminal
	ps       pubsub.Publisher
	logStore store.Store
	onExit   ExitHandler

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg config.Terminal, ps pubsub.Publisher, logStore store.Store, onExit ExitHandler) *Manager {
	return &Manager{
		cfg:      cfg,
		ps:       ps,
		logStore: logStore,
		onExit:   onExit,
		sessions: make(map[string]*Session),
	}
}

// Create spawns a new interactive process and starts bridging its output.
func (m *Manager) Create(ctx context.Context, opts CreateSessionOptions) (*Session, error) {
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 40
	}

	m.mu.Lock()
	if _, exists := m.sessions[opts.ID]; exists {
		m.mu.Unlock()
		return nil, &DuplicateSessionError{ID: opts.ID}
	}

	session := newSession(opts.ID, opts.RunID, m.cfg, m.ps, m.logStore, m.handleExit)
	m.sessions[opts.ID] = session
	m.mu.Unlock()

	if err := m.startSession(session, opts); err != nil {
		m.mu.Lock()
		delete(m.sessions, opts.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to spawn terminal process: %w", err)
	}

	log.Info().
		Str("session_id", opts.ID).
		Str("run_id", opts.RunID).
		Str("command", opts.Command).
		Msg("terminal session created")

	m.publishCreated(ctx, opts)

	return session, nil
}

// startSession is separated so tests can drive sessions without a pty.
var startSessionHook func(*Session, CreateSessionOptions) error

func (m *Manager) startSession(s *Session, opts CreateSessionOptions) error {
	if startSessionHook != nil {
		return startSessionHook(s, opts)
	}
	return s.start(opts)
}

func (m *Manager) publishCreated(ctx context.Context, opts CreateSessionOptions) {
	if m.ps == nil {
		return
	}
	payload, err := json.Marshal(types.TerminalCreatedEvent{
		SessionID: opts.ID,
		RunID:     opts.RunID,
	})
	if err != nil {
		return
	}
	if err := m.ps.Publish(ctx, pubsub.TerminalCreatedTopic(opts.ID), payload); err != nil {
		log.Debug().Err(err).Str("session_id", opts.ID).Msg("failed to publish terminal created event")
	}
}

func (m *Manager) handleExit(s *Session, exitCode int) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if m.onExit != nil {
		m.onExit(s.ID, s.RunID, exitCode)
	}
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close kills every tracked session's process. Exit handling (final flush,
// exit events) still runs through the normal path.
func (m *Manager) Close() {
	for _, s := range m.List() {
		s.Kill()
	}
}
