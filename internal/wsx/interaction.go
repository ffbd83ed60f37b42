package wsx

import (
	"sync"
	"time"
)

// interactionRecorder rate-limits last-seen updates so that chatty peers do
// not turn every pong into a metadata write. The first interaction always
// flushes; later ones flush once per interval.
type interactionRecorder struct {
	mu        sync.Mutex
	interval  time.Duration
	lastFlush time.Time
}

func newInteractionRecorder(interval time.Duration) *interactionRecorder {
	return &interactionRecorder{interval: interval}
}

// note records an interaction and reports whether it should be persisted.
func (r *interactionRecorder) note(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastFlush.IsZero() || now.Sub(r.lastFlush) >= r.interval {
		r.lastFlush = now
		return true
	}
	return false
}
