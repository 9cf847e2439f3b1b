package identity

import (
	"context"
	"strings"
	"time"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

// Registry applies administrative changes to the store and keeps the cache
// consistent with them. A nil cache is allowed for tools that write to the
// store outside the server process; lookups then go straight to the store.
type Registry struct {
	store Store
	cache *Cache
	log   logger.Logger
	now   func() time.Time
}

// NewRegistry creates a registry over store and cache
func NewRegistry(store Store, c *Cache, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &Registry{store: store, cache: c, log: log, now: time.Now}
}

// List returns every stored identity
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, errors.New(err).
			Component("identity").
			Category(errors.CategoryIdentityStore).
			Context("operation", "list_identities").
			Build()
	}
	return recs, nil
}

// Resolve looks a label up through the cache
func (r *Registry) Resolve(ctx context.Context, label string) Lookup {
	if r.cache == nil {
		rec, err := r.store.FindByLabel(ctx, label)
		switch {
		case err == nil && rec != nil:
			return Found(*rec)
		case err == nil, errors.Is(err, ErrNotFound):
			return NotFound()
		default:
			return StoreError(err)
		}
	}
	return r.cache.Resolve(ctx, label)
}

// Create validates and inserts rec, then invalidates cache entries it
// could affect.
func (r *Registry) Create(ctx context.Context, rec Record) (Record, error) {
	rec.Label = strings.TrimSpace(rec.Label)
	rec.Username = strings.TrimSpace(rec.Username)
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)

	if rec.Label == "" || rec.Username == "" {
		return Record{}, errors.Newf("label and username are required").
			Component("identity").
			Category(errors.CategoryValidation).
			Build()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	if err := r.store.Insert(ctx, &rec); err != nil {
		category := errors.CategoryIdentityStore
		if errors.Is(err, ErrDuplicateLabel) {
			category = errors.CategoryConflict
		}
		return Record{}, errors.New(err).
			Component("identity").
			Category(category).
			Context("label", rec.Label).
			Build()
	}

	r.invalidate(rec)
	r.log.Info("identity created",
		logger.String("label", rec.Label),
		logger.String("username", rec.Username))
	return rec, nil
}

// Delete removes the identity with label and invalidates affected entries
func (r *Registry) Delete(ctx context.Context, label string) error {
	label = strings.TrimSpace(label)
	if err := r.store.Delete(ctx, label); err != nil {
		category := errors.CategoryIdentityStore
		if errors.Is(err, ErrNotFound) {
			category = errors.CategoryNotFound
		}
		return errors.New(err).
			Component("identity").
			Category(category).
			Context("label", label).
			Build()
	}

	r.invalidate(Record{Label: label})
	r.log.Info("identity deleted", logger.String("label", label))
	return nil
}

// ClearCache drops every cached lookup
func (r *Registry) ClearCache() {
	if r.cache == nil {
		return
	}
	r.cache.Clear()
	r.log.Info("identity cache cleared")
}

// CacheStats exposes cache counters
func (r *Registry) CacheStats() CacheStats {
	if r.cache == nil {
		return CacheStats{}
	}
	return r.cache.Stats()
}

func (r *Registry) invalidate(rec Record) {
	if r.cache == nil {
		return
	}
	r.cache.Invalidate(rec.Label)
	r.cache.InvalidateRecord(rec)
}
