package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/errors"
)

func seededStore() *MemoryStore {
	return NewMemoryStore(
		Record{Label: "Poom", Username: "Poom", ExternalID: "65025367"},
		Record{Label: "mint_01", Username: "Mint", ExternalID: "65025400"},
		Record{Label: "Ünal", Username: "ÜNAL", ExternalID: ""},
	)
}

func TestMatcherLabelForms(t *testing.T) {
	t.Parallel()

	store := seededStore()
	m, err := NewMatcher()
	require.NoError(t, err)

	tests := []struct {
		label     string
		wantLabel string
		wantFound bool
	}{
		{"Poom", "Poom", true},
		{"65025367", "Poom", true},
		{"Poom 65025367", "Poom", true},
		{"poom", "Poom", true},
		{"MINT", "mint_01", true},
		{"mint 65025400", "mint_01", true},
		{"ünal", "Ünal", true},
		{"Mint 65025367", "", false},
		{"Unknown Person", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			rec, err := m.Match(context.Background(), store, tt.label)
			if !tt.wantFound {
				require.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, rec.Label)
		})
	}
}

func TestMatcherIsIdempotent(t *testing.T) {
	t.Parallel()

	store := seededStore()
	m, err := NewMatcher(StrategyUsername, StrategyComposite)
	require.NoError(t, err)

	first, err := m.Match(context.Background(), store, "poom")
	require.NoError(t, err)
	for range 5 {
		again, err := m.Match(context.Background(), store, "poom")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMatcherConfiguredOrder(t *testing.T) {
	t.Parallel()

	m, err := NewMatcher("Composite", "username", "composite")
	require.NoError(t, err)
	assert.Equal(t, []string{StrategyExact, StrategyComposite, StrategyUsername}, m.Strategies())

	// exact only: secondary forms stay unmatched
	exactOnly, err := NewMatcher(StrategyExact)
	require.NoError(t, err)
	_, err = exactOnly.Match(context.Background(), seededStore(), "poom")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = NewMatcher("soundex")
	require.Error(t, err)
}

func TestMatcherStopsOnStoreError(t *testing.T) {
	t.Parallel()

	store := seededStore()
	store.FailWith("FindByExternalID", errors.NewStd("connection reset"))
	m, err := NewMatcher()
	require.NoError(t, err)

	_, err = m.Match(context.Background(), store, "poom")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Zero(t, store.CallCount("FindByUsername"), "later strategies are skipped")
}

// nilResultStore reports misses as (nil, nil) instead of ErrNotFound
type nilResultStore struct {
	*MemoryStore
}

func (nilResultStore) FindByLabel(context.Context, string) (*Record, error) { return nil, nil }

func (nilResultStore) FindByExternalID(context.Context, string) (*Record, error) { return nil, nil }

func TestMatcherToleratesNilRecords(t *testing.T) {
	t.Parallel()

	store := nilResultStore{MemoryStore: seededStore()}
	for _, strategy := range []string{StrategyExact, StrategyExternalID, StrategyComposite} {
		m, err := NewMatcher(strategy)
		require.NoError(t, err)

		var rec *Record
		require.NotPanics(t, func() {
			rec, err = m.Match(context.Background(), store, "Poom 65025367")
		}, strategy)
		assert.ErrorIs(t, err, ErrNotFound, strategy)
		assert.Nil(t, rec, strategy)
	}
}

func TestFoldKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FoldKey("  Poom "), FoldKey("POOM"))
	assert.Equal(t, FoldKey("ünal"), FoldKey("ÜNAL"))
}
