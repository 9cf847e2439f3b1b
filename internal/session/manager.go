package session

import (
	"context"
	"sync"

	"github.com/presencewatch/presence-go/internal/detection"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
	"github.com/presencewatch/presence-go/internal/source"
)

// ErrShuttingDown is returned by Run once Shutdown has been called
var ErrShuttingDown = errors.NewStd("session manager shutting down")

// Manager creates sessions with shared collaborators and tracks the ones
// that are running so they can be counted and stopped together.
type Manager struct {
	cfg      Config
	sources  source.Factory
	detector detection.Detector
	resolver Resolver
	observer Observer
	listener PresenceListener
	log      logger.Logger

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	closed   bool
	sessions sync.WaitGroup
}

// ManagerDeps are the collaborators shared by every session
type ManagerDeps struct {
	Sources  source.Factory
	Detector detection.Detector
	Resolver Resolver
	Observer Observer
	Listener PresenceListener
	Logger   logger.Logger
}

// NewManager creates a manager. Sources, Detector and Resolver are required.
func NewManager(cfg Config, deps ManagerDeps) (*Manager, error) {
	if deps.Sources == nil || deps.Detector == nil || deps.Resolver == nil {
		return nil, errors.Newf("session manager requires a source factory, detector and resolver").
			Component("session").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &Manager{
		cfg:      cfg,
		sources:  deps.Sources,
		detector: deps.Detector,
		resolver: deps.Resolver,
		observer: deps.Observer,
		listener: deps.Listener,
		log:      log,
		active:   make(map[string]context.CancelFunc),
	}, nil
}

// Run starts a session delivering to sink and blocks until it ends.
// fields are added to the session's log context, e.g. the remote address.
func (m *Manager) Run(ctx context.Context, sink Sink, fields ...logger.Field) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := New(m.cfg, m.sources(), m.detector, m.resolver, sink,
		WithObserver(m.observer),
		WithPresenceListener(m.listener),
		WithLogger(m.log.With(fields...)))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sess.Close()
		return ErrShuttingDown
	}
	m.active[sess.ID()] = cancel
	m.sessions.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.active, sess.ID())
		m.mu.Unlock()
		m.sessions.Done()
	}()

	return sess.Run(ctx)
}

// Active returns the number of running sessions
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown stops all sessions and waits for them until ctx expires.
// New sessions are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New(ctx.Err()).
			Component("session").
			Category(errors.CategoryTimeout).
			Context("active", m.Active()).
			Build()
	}
}
