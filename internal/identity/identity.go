// Package identity resolves detector labels to identity records through a
// TTL bounded read-through cache in front of an external store.
package identity

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/presencewatch/presence-go/internal/errors"
)

var (
	// ErrNotFound is returned by a Store when no record matches
	ErrNotFound = errors.NewStd("identity not found")
	// ErrDuplicateLabel is returned when inserting a label that already exists
	ErrDuplicateLabel = errors.NewStd("identity label already exists")
)

// Record is an identity as owned by the backing store
type Record struct {
	Label      string    `json:"label"`
	Username   string    `json:"username"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the backing identity store. Finders return ErrNotFound when
// nothing matches; any other error is treated as transient.
type Store interface {
	FindByLabel(ctx context.Context, label string) (*Record, error)
	// FindByUsername matches on FoldKey(username)
	FindByUsername(ctx context.Context, username string) (*Record, error)
	FindByExternalID(ctx context.Context, externalID string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Insert(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, label string) error
}

// Status tells which variant a Lookup holds
type Status int

const (
	StatusNotFound Status = iota
	StatusFound
	// StatusStoreError means the store failed; the result was not cached
	StatusStoreError
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusStoreError:
		return "unresolved"
	default:
		return "not_found"
	}
}

// Lookup is the outcome of resolving one label
type Lookup struct {
	Status Status
	Record *Record
	Err    error
}

// Found wraps a resolved record
func Found(rec Record) Lookup {
	return Lookup{Status: StatusFound, Record: &rec}
}

// NotFound is the explicit absent marker
func NotFound() Lookup {
	return Lookup{Status: StatusNotFound}
}

// StoreError records a transient failure for this call only
func StoreError(err error) Lookup {
	return Lookup{Status: StatusStoreError, Err: err}
}

// Get returns the record when one was found. Store failures read as absent.
func (l Lookup) Get() (Record, bool) {
	if l.Status != StatusFound || l.Record == nil {
		return Record{}, false
	}
	return *l.Record, true
}

// FoldKey normalizes a username for case-insensitive comparison. Full
// Unicode case folding is used so non-Latin names compare correctly.
func FoldKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
