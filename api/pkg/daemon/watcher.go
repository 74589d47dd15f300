// Package daemon watches the local container daemon's health. Readiness
// gates whether new container sandboxes can be provisioned on this host.
// The daemon going away is never an error condition for the process - just
// a state, broadcast on transitions and repaired by reconnection.
package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/debounce"
	"github.com/cruciblehq/crucible/api/pkg/pubsub"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

type State string

const (
	StateUnknown State = "unknown"
	StateDown    State = "down"
	StateUp      State = "up"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	probeDebounce  = 500 * time.Millisecond
	pingTimeout    = 5 * time.Second
)

// Watcher is the per-process readiness state machine for the container
// daemon. Construct one at startup and inject it where needed - it is not a
// global.
type Watcher struct {
	endpoint  string
	docker    *client.Client
	publisher pubsub.Publisher

	mu      sync.Mutex
	state   State
	backoff time.Duration

	wake    chan struct{}
	probe   *debounce.Debouncer
	started sync.Once
}

func NewWatcher(dockerHost string, publisher pubsub.Publisher) (*Watcher, error) {
	dockerClient, err := client.NewClientWithOpts(
		client.WithHost(dockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		endpoint:  dockerHost,
		docker:    dockerClient,
		publisher: publisher,
		state:     StateUnknown,
		backoff:   initialBackoff,
		wake:      make(chan struct{}, 1),
	}
	w.probe = debounce.New(probeDebounce, w.requestProbe)
	return w, nil
}

// State returns the current readiness state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Ready reports whether container sandboxes can be provisioned right now.
func (w *Watcher) Ready() bool {
	return w.State() == StateUp
}

// Start begins watching. Safe to call once per process; subsequent calls
// are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	w.started.Do(func() {
		if socketPath, ok := unixSocketPath(w.endpoint); ok {
			go w.watchSocketPath(ctx, socketPath)
		}
		go w.run(ctx)
	})
}

// unixSocketPath extracts the filesystem path from a unix:// endpoint.
// Non-unix endpoints (tcp, npipe) get no filesystem watch and rely on the
// probe loop alone.
func unixSocketPath(endpoint string) (string, bool) {
	if strings.HasPrefix(endpoint, "unix://") {
		return strings.TrimPrefix(endpoint, "unix://"), true
	}
	return "", false
}

// watchSocketPath watches the socket's parent directory: socket creation or
// removal is the earliest signal that daemon state changed, well before the
// next scheduled probe.
func (w *Watcher) watchSocketPath(ctx context.Context, socketPath string) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("failed to create socket watcher, relying on probe loop")
		return
	}
	defer fsw.Close()

	dir := filepath.Dir(socketPath)
	if err := fsw.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to watch daemon socket directory")
		return
	}

	log.Debug().Str("socket", socketPath).Msg("watching daemon control socket")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Name == socketPath {
				w.probe.Trigger()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("socket watcher error")
		}
	}
}

// requestProbe nudges the run loop out of its backoff sleep.
func (w *Watcher) requestProbe() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) run(ctx context.Context) {
	for {
		connected := w.probeAndStream(ctx)
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		if connected {
			// Any successful attachment resets the clock.
			w.backoff = initialBackoff
		} else {
			w.backoff *= 2
			if w.backoff > maxBackoff {
				w.backoff = maxBackoff
			}
		}
		wait := w.backoff
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			// Socket appeared or changed - probe immediately.
		case <-time.After(wait):
		}
	}
}

// probeAndStream pings the daemon once and, on success, attaches to its
// event stream. It blocks while attached; state stays pinned up until the
// stream drops. Returns whether the probe ever succeeded.
func (w *Watcher) probeAndStream(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	_, err := w.docker.Ping(pingCtx)
	cancel()
	if err != nil {
		w.setState(ctx, StateDown)
		return false
	}

	w.setState(ctx, StateUp)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	msgs, errs := w.docker.Events(streamCtx, dockertypes.EventsOptions{})
	for {
		select {
		case <-ctx.Done():
			return true
		case <-msgs:
			// Daemon is alive; individual events are not interesting here.
		case err, ok := <-errs:
			if ctx.Err() != nil {
				return true
			}
			if ok && err != nil {
				log.Debug().Err(err).Msg("daemon event stream dropped")
			}
			w.setState(ctx, StateDown)
			return true
		}
	}
}

// setState records a new state and broadcasts aggregated readiness - but
// only on transitions, never for repeated identical probes.
func (w *Watcher) setState(ctx context.Context, next State) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	w.mu.Unlock()

	if prev == next {
		return
	}

	log.Info().
		Str("previous", string(prev)).
		Str("state", string(next)).
		Msg("container daemon readiness changed")

	if w.publisher == nil {
		return
	}
	payload, err := json.Marshal(types.ProviderStatusEvent{
		Provider: types.SandboxProviderDocker,
		Healthy:  next == StateUp,
	})
	if err != nil {
		return
	}
	if err := w.publisher.Publish(ctx, pubsub.ProviderStatusTopic, payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish provider status")
	}
}
