package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/presencewatch/presence-go/internal/errors"
)

// Strategy names accepted in configuration
const (
	StrategyExact      = "exact"
	StrategyExternalID = "externalid"
	StrategyUsername   = "username"
	StrategyComposite  = "composite"
)

// DefaultStrategies is the matching order used when none is configured
var DefaultStrategies = []string{StrategyExact, StrategyExternalID, StrategyUsername, StrategyComposite}

type strategyFunc func(ctx context.Context, store Store, label string) (*Record, error)

// Matcher maps a label to a record by trying strategies in order. The same
// Matcher backs single and batch resolution, so a label always maps to the
// same record for unchanged store contents.
type Matcher struct {
	names      []string
	strategies []strategyFunc
}

// NewMatcher builds a matcher from strategy names. Exact matching is always
// tried first even if omitted.
func NewMatcher(names ...string) (*Matcher, error) {
	if len(names) == 0 {
		names = DefaultStrategies
	}

	m := &Matcher{}
	seen := make(map[string]bool, len(names)+1)
	add := func(name string) error {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			return nil
		}
		fn, ok := strategyByName(name)
		if !ok {
			return fmt.Errorf("unknown identity matching strategy %q", name)
		}
		seen[name] = true
		m.names = append(m.names, name)
		m.strategies = append(m.strategies, fn)
		return nil
	}

	if err := add(StrategyExact); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Strategies returns the effective matching order
func (m *Matcher) Strategies() []string {
	return append([]string(nil), m.names...)
}

// Match returns the first record any strategy finds. ErrNotFound means no
// strategy matched; any other error aborts matching so a failing store is
// never mistaken for an absent identity.
func (m *Matcher) Match(ctx context.Context, store Store, label string) (*Record, error) {
	for i, fn := range m.strategies {
		rec, err := fn(ctx, store, label)
		switch {
		case err == nil && rec != nil:
			return rec, nil
		case err == nil, errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, fmt.Errorf("%s match: %w", m.names[i], err)
		}
	}
	return nil, ErrNotFound
}

func strategyByName(name string) (strategyFunc, bool) {
	switch name {
	case StrategyExact:
		return matchExact, true
	case StrategyExternalID:
		return matchExternalID, true
	case StrategyUsername:
		return matchUsername, true
	case StrategyComposite:
		return matchComposite, true
	}
	return nil, false
}

func matchExact(ctx context.Context, store Store, label string) (*Record, error) {
	return store.FindByLabel(ctx, label)
}

func matchExternalID(ctx context.Context, store Store, label string) (*Record, error) {
	id := strings.TrimSpace(label)
	if id == "" || strings.ContainsAny(id, " \t") {
		return nil, ErrNotFound
	}
	return store.FindByExternalID(ctx, id)
}

func matchUsername(ctx context.Context, store Store, label string) (*Record, error) {
	if strings.TrimSpace(label) == "" {
		return nil, ErrNotFound
	}
	return store.FindByUsername(ctx, label)
}

// matchComposite handles labels of the form "<name> <external id>". The
// record found by external id must also carry the name.
func matchComposite(ctx context.Context, store Store, label string) (*Record, error) {
	fields := strings.Fields(label)
	if len(fields) < 2 {
		return nil, ErrNotFound
	}
	name := strings.Join(fields[:len(fields)-1], " ")
	id := fields[len(fields)-1]

	rec, err := store.FindByExternalID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || FoldKey(rec.Username) != FoldKey(name) {
		return nil, ErrNotFound
	}
	return rec, nil
}
