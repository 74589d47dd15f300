package terminal

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/config"
	"github.com/cruciblehq/crucible/api/pkg/debounce"
	"github.com/cruciblehq/crucible/api/pkg/pubsub"
	"github.com/cruciblehq/crucible/api/pkg/store"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

// Session bridges one interactive process to three sinks: a live pubsub
// broadcast (at-most-once, no replay), the bounded scrollback ring, and the
// debounced durable flush into the run-log store.
type Session struct {
	ID    string
	RunID string

	cfg        config.Terminal
	ps         pubsub.Publisher
	logStore   store.Store
	scrollback *Scrollback

	cmd  *exec.Cmd
	ptmx *os.File

	// pendingMu guards only the accumulator; flushMu serializes entire
	// flush passes so appends for this session never interleave.
	pendingMu sync.Mutex
	pending   []byte
	flusher   *debounce.Debouncer

	flushMu sync.Mutex

	onExit func(s *Session, exitCode int)

	closeOnce sync.Once
}

func newSession(id, runID string, cfg config.Terminal, ps pubsub.Publisher, logStore store.Store, onExit func(*Session, int)) *Session {
	s := &Session{
		ID:         id,
		RunID:      runID,
		cfg:        cfg,
		ps:         ps,
		logStore:   logStore,
		scrollback: NewScrollback(cfg.MaxScrollbackLines),
		onExit:     onExit,
	}
	s.flusher = debounce.New(cfg.FlushDebounce, s.flush)
	return s
}

// start spawns the process under a pty and begins pumping output.
func (s *Session) start(opts CreateSessionOptions) error {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		return err
	}

	s.cmd = cmd
	s.ptmx = ptmx

	go s.readLoop()
	return nil
}

func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleOutput(chunk)
		}
		if err != nil {
			if err != io.EOF {
				// pty read returns EIO when the child exits; anything else
				// is worth a debug line.
				log.Debug().Err(err).Str("session_id", s.ID).Msg("terminal read ended")
			}
			break
		}
	}

	exitCode := 0
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	s.finish(exitCode)
}

// handleOutput fans one output chunk out to broadcast, scrollback and the
// pending-flush accumulator.
func (s *Session) handleOutput(chunk []byte) {
	s.broadcast(pubsub.TerminalOutputTopic(s.ID), types.TerminalOutputEvent{
		SessionID: s.ID,
		Data:      chunk,
	})

	s.scrollback.Append(chunk)

	s.pendingMu.Lock()
	s.pending = append(s.pending, chunk...)
	s.pendingMu.Unlock()

	// Each chunk restarts the quiet-period timer.
	s.flusher.Trigger()
}

// flush drains the pending accumulator and appends it to the durable log in
// order. The accumulator is cleared before the appends are issued, so bytes
// arriving mid-flush land in the next debounce cycle instead of being lost
// or duplicated. flushMu keeps passes for this session strictly sequential.
func (s *Session) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.pendingMu.Lock()
	buffered := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if len(buffered) == 0 || s.RunID == "" {
		return
	}

	ctx := context.Background()
	for offset := 0; offset < len(buffered); offset += s.cfg.FlushChunkBytes {
		end := offset + s.cfg.FlushChunkBytes
		if end > len(buffered) {
			end = len(buffered)
		}
		if err := s.logStore.AppendRunLog(ctx, s.RunID, buffered[offset:end]); err != nil {
			// Persistence is best effort; the live broadcast is unaffected.
			log.Warn().Err(err).
				Str("session_id", s.ID).
				Str("run_id", s.RunID).
				Int("bytes", end-offset).
				Msg("failed to append terminal output to run log")
		}
	}
}

// finish runs exactly once: cancel the pending timer, take a final flush so
// output that landed mid-debounce survives, then broadcast the exit.
func (s *Session) finish(exitCode int) {
	s.closeOnce.Do(func() {
		s.flusher.Stop()
		s.flush()

		s.broadcast(pubsub.TerminalExitTopic(s.ID), types.TerminalExitEvent{
			SessionID: s.ID,
			RunID:     s.RunID,
			ExitCode:  exitCode,
		})

		log.Info().
			Str("session_id", s.ID).
			Str("run_id", s.RunID).
			Int("exit_code", exitCode).
			Msg("terminal session finished")

		if s.onExit != nil {
			s.onExit(s, exitCode)
		}
	})
}

func (s *Session) broadcast(topic string, event interface{}) {
	if s.ps == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.ps.Publish(context.Background(), topic, payload); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("failed to publish terminal event")
	}
}

// WriteInput forwards viewer keystrokes to the process.
func (s *Session) WriteInput(data []byte) error {
	if s.ptmx == nil {
		return io.ErrClosedPipe
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes the pty dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	if s.ptmx == nil {
		return io.ErrClosedPipe
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Scrollback returns buffered recent output for reattaching viewers.
func (s *Session) Scrollback() [][]byte {
	return s.scrollback.Snapshot()
}

// Kill terminates the underlying process; the read loop then drives the
// normal exit path (final flush, exit event).
func (s *Session) Kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
}
