package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

// ShutdownTimeout bounds how long the telemetry server waits for in-flight scrapes.
const ShutdownTimeout = 5 * time.Second

// Endpoint serves Prometheus metrics on a dedicated listener.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	log           logger.Logger
}

// NewEndpoint creates a telemetry endpoint for the given listen address.
func NewEndpoint(listen string, m *Metrics, log logger.Logger) (*Endpoint, error) {
	if listen == "" {
		return nil, errors.Newf("telemetry listen address is empty").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if m == nil {
		return nil, errors.Newf("telemetry endpoint requires metrics").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &Endpoint{
		listenAddress: listen,
		metrics:       m,
		log:           log,
	}, nil
}

// Start runs the HTTP server until ctx is cancelled.
func (e *Endpoint) Start(ctx context.Context, wg *sync.WaitGroup) {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	e.server = &http.Server{
		Addr:              e.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Go(func() {
		e.log.Info("telemetry endpoint starting", logger.String("address", e.listenAddress))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("telemetry HTTP server error", logger.Error(err))
		}
	})

	wg.Go(func() {
		<-ctx.Done()
		e.log.Info("stopping telemetry server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.log.Error("telemetry server shutdown error", logger.Error(err))
		}
	})
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
