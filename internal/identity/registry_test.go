package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/errors"
)

func newTestRegistry(t *testing.T) (*Registry, *MemoryStore) {
	t.Helper()
	store := seededStore()
	c, err := NewCache(store, WithClock(newFakeClock().Now))
	require.NoError(t, err)
	return NewRegistry(store, c, nil), store
}

func TestRegistryCreateInvalidatesNegativeEntry(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	assert.Equal(t, StatusNotFound, reg.Resolve(t.Context(), "Z").Status)
	assert.Equal(t, StatusNotFound, reg.Resolve(t.Context(), "zed").Status)

	rec, err := reg.Create(t.Context(), Record{Label: " Z ", Username: "Zed", ExternalID: "65000001"})
	require.NoError(t, err)
	assert.Equal(t, "Z", rec.Label)
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)

	assert.Equal(t, StatusFound, reg.Resolve(t.Context(), "Z").Status)
	got, ok := reg.Resolve(t.Context(), "zed").Get()
	require.True(t, ok, "secondary form picks up the new record")
	assert.Equal(t, "Z", got.Label)
}

func TestRegistryDeleteInvalidates(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	require.Equal(t, StatusFound, reg.Resolve(t.Context(), "Poom").Status)
	require.Equal(t, StatusFound, reg.Resolve(t.Context(), "65025367").Status)

	require.NoError(t, reg.Delete(t.Context(), "Poom"))

	assert.Equal(t, StatusNotFound, reg.Resolve(t.Context(), "Poom").Status)
	assert.Equal(t, StatusNotFound, reg.Resolve(t.Context(), "65025367").Status)
}

func TestRegistryErrors(t *testing.T) {
	t.Parallel()

	reg, store := newTestRegistry(t)

	_, err := reg.Create(t.Context(), Record{Label: "x"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = reg.Create(t.Context(), Record{Label: "Poom", Username: "Other"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	assert.ErrorIs(t, err, ErrDuplicateLabel)

	err = reg.Delete(t.Context(), "missing")
	assert.True(t, errors.IsNotFound(err))

	store.FailWith("List", errors.NewStd("db down"))
	_, err = reg.List(t.Context())
	assert.True(t, errors.IsCategory(err, errors.CategoryIdentityStore))
}

func TestRegistryListAndClear(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	recs, err := reg.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Equal(t, "Poom", recs[0].Label)

	reg.Resolve(t.Context(), "Poom")
	require.Equal(t, 1, reg.CacheStats().Entries)
	reg.ClearCache()
	assert.Zero(t, reg.CacheStats().Entries)
}
