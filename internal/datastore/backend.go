package datastore

import (
	"context"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
)

// Backend is the identity store selected by configuration together with
// its health probe and cleanup.
type Backend struct {
	Store identity.Store
	Type  string
	close func() error
	ping  func(ctx context.Context) error
}

// OpenBackend opens the configured store. The memory type keeps records in
// process and is lost on exit.
func OpenBackend(cfg conf.DatabaseSettings, log logger.Logger) (*Backend, error) {
	if cfg.Type == conf.DatabaseMemory {
		if log != nil {
			log.Warn("using in-memory identity store, records are not persisted")
		}
		return &Backend{Store: identity.NewMemoryStore(), Type: cfg.Type}, nil
	}

	store, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Backend{Store: store, Type: cfg.Type, close: store.Close, ping: store.Ping}, nil
}

// Ping checks that the store is reachable. In-memory stores always are.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the store
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}
