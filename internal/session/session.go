// Package session runs one streaming session per client connection.
//
// A session pulls frames from its source, runs the detector, keeps a
// trailing window of detections, votes on the most likely label and joins
// every label in the window with its identity before delivering a message
// to the client. Sessions share nothing except the identity cache.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/presencewatch/presence-go/internal/detection"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/history"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
	"github.com/presencewatch/presence-go/internal/source"
	"github.com/presencewatch/presence-go/internal/vote"
)

const (
	DefaultWindow = 5 * time.Second
	DefaultPacing = 30 * time.Millisecond
)

// ErrDeliveryFailed marks a message the client could not receive
var ErrDeliveryFailed = errors.NewStd("delivery failed")

// State is the lifecycle position of a session
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// End reasons reported to the observer
const (
	ReasonEndOfStream   = "end_of_stream"
	ReasonAcquireFailed = "acquire_failed"
	ReasonSourceError   = "source_error"
	ReasonDetectorError = "detector_error"
	ReasonDeliveryError = "delivery_failed"
	ReasonCancelled     = "cancelled"
)

// Sink delivers messages to the client. An error means the client is gone.
type Sink interface {
	Send(ctx context.Context, msg *Message) error
}

// Resolver batch-resolves labels to identities
type Resolver interface {
	ResolveBatch(ctx context.Context, labels []string) map[string]identity.Lookup
}

// Observer receives session lifecycle and per-frame events
type Observer interface {
	SessionStarted()
	SessionEnded(reason string)
	FrameProcessed(latency time.Duration, detections int)
	DeliveryFailed()
	PredictionChanged()
}

// PresenceChange describes a change of a session's predicted label. Label
// is empty when the window no longer holds any detection.
type PresenceChange struct {
	SessionID  string
	Label      string
	Previous   string
	Percentage float64
	Identity   identity.Lookup
	Timestamp  time.Time
}

// PresenceListener is notified when a session's prediction changes.
// Implementations must not block for long.
type PresenceListener interface {
	PresenceChanged(ctx context.Context, change PresenceChange)
}

// Config holds the per-session tunables
type Config struct {
	Window time.Duration
	Pacing time.Duration
}

// Session is one client's stream. Run drives it to completion.
type Session struct {
	id       string
	cfg      Config
	src      source.Source
	detector detection.Detector
	resolver Resolver
	sink     Sink
	observer Observer
	listener PresenceListener
	log      logger.Logger
	now      func() time.Time

	state       atomic.Int32
	releaseOnce sync.Once

	window    *history.Window
	lastLoop  time.Time
	predicted string
}

// Option configures a Session
type Option func(*Session)

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

func WithPresenceListener(l PresenceListener) Option {
	return func(s *Session) { s.listener = l }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source for fps, latency and eviction
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithID sets the session id instead of generating one
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// New creates a session in the Connecting state
func New(cfg Config, src source.Source, det detection.Detector, res Resolver, sink Sink, opts ...Option) *Session {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		src:      src,
		detector: det,
		resolver: res,
		sink:     sink,
		log:      logger.NewSlogLogger(nil, logger.LogLevelInfo, nil),
		now:      time.Now,
		window:   history.NewWindow(cfg.Window),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.String("session_id", s.id))
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run acquires the source and streams until the source ends, the detector
// fails, delivery fails or ctx is cancelled. The source is released exactly
// once on every path. End of stream and cancellation return nil.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == StateClosed {
		return nil
	}
	if s.observer != nil {
		s.observer.SessionStarted()
	}
	reason := ReasonCancelled
	defer func() {
		s.Close()
		if s.observer != nil {
			s.observer.SessionEnded(reason)
		}
		s.log.Info("session closed", logger.String("reason", reason))
	}()

	if err := s.src.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		reason = ReasonAcquireFailed
		s.log.Warn("frame source unavailable", logger.Error(err))
		s.sendError(ctx, "frame source unavailable")
		return errors.New(err).
			Component("session").
			Category(errors.CategorySource).
			Context("session_id", s.id).
			Build()
	}
	s.state.Store(int32(StateStreaming))
	s.log.Info("session streaming", logger.Duration("window", s.cfg.Window))

	for {
		var err error
		reason, err = s.step(ctx)
		if reason != "" {
			return err
		}
		if err := s.pause(ctx); err != nil {
			reason = ReasonCancelled
			return nil
		}
	}
}

// step runs one loop iteration. A non-empty reason ends the session.
func (s *Session) step(ctx context.Context) (string, error) {
	frame, err := s.src.Next(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ReasonCancelled, nil
	case errors.Is(err, source.ErrEndOfStream):
		s.log.Info("frame source exhausted")
		return ReasonEndOfStream, nil
	default:
		s.log.Error("frame source failed", logger.Error(err))
		s.sendError(ctx, "frame source failed")
		return ReasonSourceError, errors.New(err).
			Component("session").
			Category(errors.CategorySource).
			Context("session_id", s.id).
			Build()
	}

	raws, err := s.detector.Infer(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}
		s.log.Error("detector failed", logger.Error(err), logger.Uint64("frame_seq", frame.Seq))
		s.sendError(ctx, "detector failed")
		return ReasonDetectorError, errors.New(err).
			Component("session").
			Category(errors.CategoryDetector).
			Context("session_id", s.id).
			Build()
	}

	events, dropped := detection.Classify(raws, s.detector.LabelFor, frame.CapturedAt)
	for _, d := range dropped {
		s.log.Debug("dropped malformed detection", logger.Error(d), logger.Uint64("frame_seq", frame.Seq))
	}
	for i := range events {
		s.window.Record(events[i])
	}
	s.window.Evict(s.now())

	tally := vote.Aggregate(s.window.Snapshot())
	lookups := s.resolver.ResolveBatch(ctx, tally.Labels())

	loopAt := s.now()
	fps := 0.0
	if !s.lastLoop.IsZero() {
		if d := loopAt.Sub(s.lastLoop); d > 0 {
			fps = round2(float64(time.Second) / float64(d))
		}
	}
	s.lastLoop = loopAt
	latency := max(loopAt.Sub(frame.CapturedAt), 0)

	label, pct, _ := tally.Prediction()
	msg := &Message{
		Type:      TypeUpdate,
		SessionID: s.id,
		Update: &Update{
			Detections:          events,
			FPS:                 fps,
			LatencyMS:           latency.Milliseconds(),
			PredictedLabel:      label,
			PredictedPercentage: round2(pct),
			LabelStats:          buildStats(tally, lookups),
			HistorySize:         s.window.Len(),
			Timestamp:           loopAt,
		},
	}

	if err := s.sink.Send(ctx, msg); err != nil {
		if s.observer != nil {
			s.observer.DeliveryFailed()
		}
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}
		s.log.Info("client gone", logger.Error(err))
		return ReasonDeliveryError, errors.New(errors.Join(ErrDeliveryFailed, err)).
			Component("session").
			Category(errors.CategoryDelivery).
			Context("session_id", s.id).
			Build()
	}
	if s.observer != nil {
		s.observer.FrameProcessed(latency, len(events))
	}

	if label != s.predicted {
		s.notifyChange(ctx, label, pct, lookups[label], loopAt)
	}
	return "", nil
}

func (s *Session) notifyChange(ctx context.Context, label string, pct float64, lookup identity.Lookup, at time.Time) {
	prev := s.predicted
	s.predicted = label
	if s.observer != nil {
		s.observer.PredictionChanged()
	}
	s.log.Debug("prediction changed",
		logger.String("from", prev),
		logger.String("to", label),
		logger.Float64("percentage", pct))
	if s.listener == nil {
		return
	}
	s.listener.PresenceChanged(ctx, PresenceChange{
		SessionID:  s.id,
		Label:      label,
		Previous:   prev,
		Percentage: round2(pct),
		Identity:   lookup,
		Timestamp:  at,
	})
}

// pause yields between frames
func (s *Session) pause(ctx context.Context) error {
	if s.cfg.Pacing <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.cfg.Pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sendError delivers a single error message, best effort
func (s *Session) sendError(ctx context.Context, text string) {
	msg := &Message{Type: TypeError, SessionID: s.id, Error: text}
	if err := s.sink.Send(ctx, msg); err != nil {
		s.log.Debug("could not deliver error message", logger.Error(err))
	}
}

// Close moves the session to Closed and releases the source. It is safe to
// call from any goroutine, any number of times, before or after Run.
func (s *Session) Close() {
	s.state.Store(int32(StateClosed))
	s.releaseOnce.Do(func() {
		if err := s.src.Release(); err != nil {
			s.log.Warn("frame source release failed", logger.Error(err))
		}
	})
}
