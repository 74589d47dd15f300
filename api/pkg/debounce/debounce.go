// Package debounce coalesces bursts of triggers into one action after a
// quiet period. The terminal flush path and the daemon readiness probe both
// use it: every Trigger restarts the timer, and the action fires once the
// triggers stop arriving for the configured window.
package debounce

import (
	"sync"
	"time"
)

type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	stopped  bool
}

func New(interval time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		interval: interval,
		fn:       fn,
	}
}

// Trigger (re)starts the quiet-period timer. The action runs once, on its
// own goroutine, interval after the last Trigger.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fn)
}

// Stop cancels any pending fire. It reports whether a fire was pending, so
// callers that need exactly-once semantics (the terminal's final flush) know
// whether unflushed work may remain.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer == nil {
		return false
	}
	pending := d.timer.Stop()
	d.timer = nil
	return pending
}
