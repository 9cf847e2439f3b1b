package session

import (
	"context"
	"sync"
	"time"

	"github.com/presencewatch/presence-go/internal/detection"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/source"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// scriptedFrame is served by scriptedSource; the shared clock jumps to At
// when the frame is read.
type scriptedFrame struct {
	At   time.Time
	Raws []detection.RawDetection
}

type scriptedSource struct {
	mu         sync.Mutex
	clock      *testClock
	frames     []scriptedFrame
	acquireErr error
	nextErr    error // returned once frames run out, instead of end of stream
	block      bool  // block in Next after frames run out until ctx ends
	pos        int
	acquired   bool
	releases   int
	nextCalls  int
}

func (s *scriptedSource) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return s.acquireErr
	}
	s.acquired = true
	return nil
}

func (s *scriptedSource) Next(ctx context.Context) (*detection.Frame, error) {
	s.mu.Lock()
	s.nextCalls++
	if !s.acquired {
		s.mu.Unlock()
		return nil, source.ErrNotAcquired
	}
	if s.pos >= len(s.frames) {
		block, nextErr := s.block, s.nextErr
		s.mu.Unlock()
		if block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if nextErr != nil {
			return nil, nextErr
		}
		return nil, source.ErrEndOfStream
	}
	f := s.frames[s.pos]
	s.pos++
	seq := uint64(s.pos)
	s.mu.Unlock()

	s.clock.Set(f.At)
	return &detection.Frame{Seq: seq, CapturedAt: f.At, Data: []byte{0xff, 0xd8}}, nil
}

func (s *scriptedSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	s.acquired = false
	return nil
}

func (s *scriptedSource) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

func (s *scriptedSource) NextCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextCalls
}

// scriptedDetector returns the frame's scripted raws, looked up by sequence
type scriptedDetector struct {
	src    *scriptedSource
	labels map[int]string
	failAt uint64
}

func (d *scriptedDetector) Infer(_ context.Context, frame *detection.Frame) ([]detection.RawDetection, error) {
	if d.failAt != 0 && frame.Seq == d.failAt {
		return nil, errors.NewStd("inference service unavailable")
	}
	d.src.mu.Lock()
	defer d.src.mu.Unlock()
	return d.src.frames[frame.Seq-1].Raws, nil
}

func (d *scriptedDetector) LabelFor(id int) (string, bool) {
	l, ok := d.labels[id]
	return l, ok
}

type recordingSink struct {
	mu       sync.Mutex
	msgs     []*Message
	failFrom int // 1-based index of the first failing send, 0 never fails
}

func (s *recordingSink) Send(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFrom > 0 && len(s.msgs)+1 >= s.failFrom {
		return errors.NewStd("websocket: close sent")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs...)
}

type recordingObserver struct {
	mu         sync.Mutex
	started    int
	reasons    []string
	frames     int
	deliveries int
	changes    int
}

func (o *recordingObserver) SessionStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) SessionEnded(reason string) {
	o.mu.Lock()
	o.reasons = append(o.reasons, reason)
	o.mu.Unlock()
}

func (o *recordingObserver) FrameProcessed(time.Duration, int) {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
}

func (o *recordingObserver) DeliveryFailed() {
	o.mu.Lock()
	o.deliveries++
	o.mu.Unlock()
}

func (o *recordingObserver) PredictionChanged() {
	o.mu.Lock()
	o.changes++
	o.mu.Unlock()
}

func (o *recordingObserver) Reasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.reasons...)
}

type recordingListener struct {
	mu      sync.Mutex
	changes []PresenceChange
}

func (l *recordingListener) PresenceChanged(_ context.Context, c PresenceChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *recordingListener) Changes() []PresenceChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PresenceChange(nil), l.changes...)
}

// raw builds a well formed detection for class id
func raw(id int) detection.RawDetection {
	return detection.RawDetection{Coordinates: []float64{10, 10, 50, 60}, ClassID: id, Confidence: 0.9}
}
