package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/mem"

	mw "github.com/presencewatch/presence-go/internal/api/middleware"
	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
	"github.com/presencewatch/presence-go/internal/observability"
	"github.com/presencewatch/presence-go/internal/session"
)

// IdentityAdmin is the identity administration surface behind /users and
// /cache. *identity.Registry implements it.
type IdentityAdmin interface {
	List(ctx context.Context) ([]identity.Record, error)
	Resolve(ctx context.Context, label string) identity.Lookup
	Create(ctx context.Context, rec identity.Record) (identity.Record, error)
	Delete(ctx context.Context, label string) error
	ClearCache()
	CacheStats() identity.CacheStats
}

// ConfidenceControl reads and adjusts the detector's confidence threshold
type ConfidenceControl interface {
	Confidence() float64
	SetConfidence(v float64) error
}

// StreamRunner runs one streaming session per websocket connection.
// *session.Manager implements it.
type StreamRunner interface {
	Run(ctx context.Context, sink session.Sink, fields ...logger.Field) error
	Active() int
}

// HealthProbe reports whether the identity store is reachable
type HealthProbe func(ctx context.Context) error

// Server is the HTTP server. It owns the echo instance, the middleware
// stack and every route.
type Server struct {
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings
	log      logger.Logger

	identities IdentityAdmin
	detector   ConfidenceControl
	sessions   StreamRunner
	probe      HealthProbe
	metrics    *observability.Metrics
	memUsage   func() (float64, error)

	upgrader websocket.Upgrader

	// settingsMu serializes threshold changes and their persistence
	settingsMu sync.Mutex

	wg        sync.WaitGroup
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithConfig overrides the configuration derived from settings.
func WithConfig(cfg *Config) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithIdentities sets the identity administration backend.
func WithIdentities(admin IdentityAdmin) ServerOption {
	return func(s *Server) {
		s.identities = admin
	}
}

// WithDetector sets the detector whose threshold is exposed.
func WithDetector(d ConfidenceControl) ServerOption {
	return func(s *Server) {
		s.detector = d
	}
}

// WithSessions sets the session runner for the stream endpoint.
func WithSessions(r StreamRunner) ServerOption {
	return func(s *Server) {
		s.sessions = r
	}
}

// WithHealthProbe sets the database probe used by /health.
func WithHealthProbe(p HealthProbe) ServerOption {
	return func(s *Server) {
		s.probe = p
	}
}

// WithMetrics mounts /metrics on the main listener.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// withMemoryUsage replaces the host memory reader, for tests.
func withMemoryUsage(fn func() (float64, error)) ServerOption {
	return func(s *Server) {
		s.memUsage = fn
	}
}

// New creates the HTTP server with the given settings and options.
func New(settings *conf.Settings, opts ...ServerOption) (*Server, error) {
	s := &Server{
		settings:  settings,
		startTime: time.Now(),
		memUsage:  hostMemoryUsage,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.config == nil {
		s.config = ConfigFromSettings(settings)
	}
	if err := s.config.Validate(); err != nil {
		return nil, errors.New(err).
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.identities == nil || s.detector == nil || s.sessions == nil {
		return nil, errors.Newf("api server requires identities, detector and sessions").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.config.PersistSettings && s.settings == nil {
		return nil, errors.Newf("persisting settings requires loaded settings").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.log == nil {
		s.log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}

	s.upgrader = newUpgrader(s.config.AllowedOrigins)

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout
	s.echo.Server.IdleTimeout = s.config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", s.config.Listen),
		logger.Bool("persist_settings", s.config.PersistSettings))

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestID())
	s.echo.Use(mw.NewRequestLogger(s.log))

	security := mw.SecurityConfig{AllowedOrigins: s.config.AllowedOrigins}
	s.echo.Use(mw.NewCORS(security))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders(security))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	s.echo.GET("/ws/stream", s.handleStream)

	users := s.echo.Group("/users")
	users.GET("", s.listUsers)
	users.POST("", s.createUser)
	users.GET("/:label", s.getUser)
	users.DELETE("/:label", s.deleteUser)

	s.echo.GET("/config/confidence", s.getConfidence)
	s.echo.POST("/config/confidence", s.setConfidence)

	s.echo.POST("/cache/clear", s.clearCache)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Start begins serving HTTP requests in a background goroutine and returns
// immediately. Use Shutdown to stop the server.
func (s *Server) Start() {
	s.wg.Go(func() {
		if err := s.startBlocking(); err != nil {
			s.log.Error("server error", logger.Error(err))
		}
	})
}

func (s *Server) startBlocking() error {
	s.log.Info("starting HTTP server", logger.String("address", s.config.Listen))
	if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("address", s.config.Listen).
			Build()
	}
	return nil
}

// Shutdown gracefully stops the server. Websocket connections are hijacked
// and not tracked by the HTTP server; their sessions are stopped by the
// session manager.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return errors.New(err).
			Component("api").
			Category(errors.CategoryTimeout).
			Build()
	}
	s.wg.Wait()

	s.log.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func hostMemoryUsage() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
