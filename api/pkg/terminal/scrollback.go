package terminal

import "sync"

// Scrollback is the bounded recent-output buffer used to seed reattaching
// viewers. It is an aid, not the durable record - that lives in the run-log
// store.
type Scrollback struct {
	mu      sync.Mutex
	entries [][]byte
	max     int
}

func NewScrollback(maxLines int) *Scrollback {
	return &Scrollback{max: maxLines}
}

// Append adds one chunk, evicting the oldest entries once the buffer holds
// more than the configured maximum.
func (s *Scrollback) Append(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, cp)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
}

// Snapshot returns the buffered chunks in arrival order.
func (s *Scrollback) Snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
