// Package history keeps the trailing window of detection events for one
// session.
package history

import (
	"time"

	"github.com/gammazero/deque"

	"github.com/presencewatch/presence-go/internal/detection"
)

// Window is a time ordered buffer of events trimmed to a fixed span.
// Events enter at the tail and leave from the head. A Window is owned by a
// single session and is not safe for concurrent use.
type Window struct {
	span   time.Duration
	events deque.Deque[detection.Event]
}

// NewWindow creates an empty window covering span
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Span returns the window duration
func (w *Window) Span() time.Duration {
	return w.span
}

// Record appends ev at the tail. A timestamp older than the current tail
// is raised to the tail's so the buffer stays ordered.
func (w *Window) Record(ev detection.Event) {
	if n := w.events.Len(); n > 0 {
		if tail := w.events.Back(); ev.Timestamp.Before(tail.Timestamp) {
			ev.Timestamp = tail.Timestamp
		}
	}
	w.events.PushBack(ev)
}

// Evict drops head events older than the span relative to now and returns
// how many were removed.
func (w *Window) Evict(now time.Time) int {
	evicted := 0
	for w.events.Len() > 0 && now.Sub(w.events.Front().Timestamp) > w.span {
		w.events.PopFront()
		evicted++
	}
	return evicted
}

// Snapshot copies the current events, oldest first
func (w *Window) Snapshot() []detection.Event {
	out := make([]detection.Event, w.events.Len())
	for i := range out {
		out[i] = w.events.At(i)
	}
	return out
}

// Len returns the number of buffered events
func (w *Window) Len() int {
	return w.events.Len()
}

// Reset empties the window
func (w *Window) Reset() {
	w.events.Clear()
}
