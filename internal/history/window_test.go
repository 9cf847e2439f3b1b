package history

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/detection"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(label string, at time.Time) detection.Event {
	return detection.Event{Label: label, Timestamp: at, Confidence: 0.9}
}

func labels(events []detection.Event) []string {
	out := make([]string, len(events))
	for i := range events {
		out[i] = events[i].Label
	}
	return out
}

func TestEvictBoundary(t *testing.T) {
	t.Parallel()

	w := NewWindow(3 * time.Second)
	w.Record(event("A", t0))
	w.Record(event("A", t0.Add(time.Second)))
	w.Record(event("B", t0.Add(2*time.Second)))

	// exactly span old is kept
	assert.Equal(t, 0, w.Evict(t0.Add(3*time.Second)))
	assert.Equal(t, 3, w.Len())

	assert.Equal(t, 1, w.Evict(t0.Add(3*time.Second+time.Millisecond)))
	assert.Equal(t, []string{"A", "B"}, labels(w.Snapshot()))
}

func TestEmptyAfterEviction(t *testing.T) {
	t.Parallel()

	w := NewWindow(time.Second)
	w.Record(event("A", t0))
	w.Evict(t0.Add(time.Minute))

	assert.Zero(t, w.Len())
	assert.Empty(t, w.Snapshot())
	assert.Zero(t, w.Evict(t0.Add(2*time.Minute)))
}

func TestSnapshotDoesNotMutate(t *testing.T) {
	t.Parallel()

	w := NewWindow(time.Minute)
	w.Record(event("A", t0))
	snap := w.Snapshot()
	snap[0].Label = "changed"

	assert.Equal(t, "A", w.Snapshot()[0].Label)
}

func TestOutOfOrderTimestampRaised(t *testing.T) {
	t.Parallel()

	w := NewWindow(time.Minute)
	w.Record(event("A", t0.Add(time.Second)))
	w.Record(event("B", t0))

	snap := w.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, t0.Add(time.Second), snap[1].Timestamp)
}

func TestMonotonicEvictionProperty(t *testing.T) {
	t.Parallel()

	const span = 2 * time.Second
	rng := rand.New(rand.NewPCG(7, 11))

	for trial := range 50 {
		w := NewWindow(span)
		now := t0
		seen := make(map[int]bool)
		seq := 0

		for range 200 {
			now = now.Add(time.Duration(rng.IntN(400)) * time.Millisecond)
			w.Record(detection.Event{Label: "L", ClassID: seq, Timestamp: now})
			seq++
			w.Evict(now)

			snap := w.Snapshot()
			for _, ev := range snap {
				require.LessOrEqual(t, now.Sub(ev.Timestamp), span, "trial %d", trial)
				require.False(t, seen[ev.ClassID], "evicted event %d reappeared", ev.ClassID)
			}
			// anything older than the current head is gone for good
			if len(snap) > 0 {
				for id := range snap[0].ClassID {
					seen[id] = true
				}
			}
		}
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	w := NewWindow(time.Minute)
	w.Record(event("A", t0))
	w.Reset()
	assert.Zero(t, w.Len())
	assert.Equal(t, time.Minute, w.Span())
}
