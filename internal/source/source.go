// Package source provides frame sources for streaming sessions.
//
// A Source follows an acquire, next, release lifecycle. Release is safe to
// call any number of times, including when Acquire failed or never ran, so
// a session can funnel every exit through a single release call.
package source

import (
	"context"
	"strings"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/detection"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

var (
	// ErrEndOfStream is returned by Next when the source has no more frames
	ErrEndOfStream = errors.NewStd("end of stream")
	// ErrNotAcquired is returned by Next before Acquire or after Release
	ErrNotAcquired = errors.NewStd("source not acquired")
)

// Source yields frames one call at a time
type Source interface {
	Acquire(ctx context.Context) error
	Next(ctx context.Context) (*detection.Frame, error)
	Release() error
}

// Factory creates an unacquired Source for one session
type Factory func() Source

// NewFactory returns a Factory for the configured source type
func NewFactory(cfg conf.SourceSettings, log logger.Logger) (Factory, error) {
	switch strings.ToLower(cfg.Type) {
	case conf.SourceDirectory, "":
		if cfg.Path == "" {
			return nil, errors.Newf("source path is empty").
				Component("source").
				Category(errors.CategoryConfiguration).
				Build()
		}
		return func() Source {
			return NewDirectorySource(cfg.Path,
				WithFPS(cfg.FPS),
				WithLoop(cfg.Loop),
				WithLogger(log))
		}, nil
	default:
		return nil, errors.Newf("unsupported source type %q", cfg.Type).
			Component("source").
			Category(errors.CategoryConfiguration).
			Build()
	}
}
