package datastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(conf.DatabaseSettings{
		Type:   conf.DatabaseSQLite,
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "presence.db")},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, recs ...identity.Record) {
	t.Helper()
	for i := range recs {
		require.NoError(t, s.Insert(t.Context(), &recs[i]))
	}
}

func TestInsertAndFind(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	seed(t, s,
		identity.Record{Label: "Poom", Username: "Poom", ExternalID: "65025367", CreatedAt: created},
		identity.Record{Label: "mint_01", Username: "Mint", ExternalID: "65025400"},
	)

	rec, err := s.FindByLabel(t.Context(), "Poom")
	require.NoError(t, err)
	assert.Equal(t, "65025367", rec.ExternalID)
	assert.True(t, created.Equal(rec.CreatedAt))

	rec, err = s.FindByUsername(t.Context(), "MINT")
	require.NoError(t, err)
	assert.Equal(t, "mint_01", rec.Label)

	rec, err = s.FindByExternalID(t.Context(), "65025367")
	require.NoError(t, err)
	assert.Equal(t, "Poom", rec.Label)

	_, err = s.FindByLabel(t.Context(), "poom")
	require.ErrorIs(t, err, identity.ErrNotFound, "label match is exact")

	_, err = s.FindByExternalID(t.Context(), "")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestInsertDuplicateLabel(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seed(t, s, identity.Record{Label: "Poom", Username: "Poom"})

	err := s.Insert(t.Context(), &identity.Record{Label: "Poom", Username: "Other"})
	require.ErrorIs(t, err, identity.ErrDuplicateLabel)
}

func TestListAndDelete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seed(t, s,
		identity.Record{Label: "A", Username: "a"},
		identity.Record{Label: "B", Username: "b"},
	)

	recs, err := s.List(t.Context())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].Label)

	require.NoError(t, s.Delete(t.Context(), "A"))
	require.ErrorIs(t, s.Delete(t.Context(), "A"), identity.ErrNotFound)

	recs, err = s.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStoreBacksIdentityCache(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seed(t, s, identity.Record{Label: "Poom", Username: "Poom", ExternalID: "65025367"})

	c, err := identity.NewCache(s)
	require.NoError(t, err)

	for _, label := range []string{"Poom", "65025367", "Poom 65025367", "poom"} {
		rec, ok := c.Resolve(t.Context(), label).Get()
		require.True(t, ok, label)
		assert.Equal(t, "Poom", rec.Label)
	}
	assert.Equal(t, identity.StatusNotFound, c.Resolve(t.Context(), "Unknown Person").Status)
}

func TestClosedStoreReportsDatabaseError(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.FindByLabel(t.Context(), "Poom")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
	assert.NotErrorIs(t, err, identity.ErrNotFound)
	assert.Error(t, s.Ping(t.Context()))
}

func TestOpenUnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := Open(conf.DatabaseSettings{Type: "postgres"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestOpenBackend(t *testing.T) {
	t.Parallel()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		b, err := OpenBackend(conf.DatabaseSettings{Type: conf.DatabaseMemory}, nil)
		require.NoError(t, err)
		assert.IsType(t, &identity.MemoryStore{}, b.Store)
		assert.NoError(t, b.Ping(t.Context()))
		assert.NoError(t, b.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		b, err := OpenBackend(conf.DatabaseSettings{
			Type:   conf.DatabaseSQLite,
			SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "presence.db")},
		}, nil)
		require.NoError(t, err)
		assert.IsType(t, &Store{}, b.Store)
		require.NoError(t, b.Ping(t.Context()))
		require.NoError(t, b.Close())
		assert.Error(t, b.Ping(t.Context()), "closed pool")
	})
}
