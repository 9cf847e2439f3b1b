package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/api"
	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
	"github.com/presencewatch/presence-go/internal/session"
)

func run(t *testing.T, settings *conf.Settings, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := Command(settings)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func sqliteSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings := &conf.Settings{}
	settings.Database.Type = conf.DatabaseSQLite
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "presence.db")
	return settings
}

// closedServerURL returns a URL nothing is listening on
func closedServerURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr
}

type staticConfidence struct{}

func (staticConfidence) Confidence() float64 { return 0.25 }
func (staticConfidence) SetConfidence(float64) error { return nil }

type idleRunner struct{}

func (idleRunner) Run(context.Context, session.Sink, ...logger.Field) error { return nil }
func (idleRunner) Active() int { return 0 }

// startServer runs the HTTP API over registry and returns its base URL
func startServer(t *testing.T, registry *identity.Registry) string {
	t.Helper()
	srv, err := api.New(&conf.Settings{},
		api.WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)),
		api.WithIdentities(registry),
		api.WithDetector(staticConfidence{}),
		api.WithSessions(idleRunner{}))
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Echo())
	t.Cleanup(httpSrv.Close)
	return httpSrv.URL
}

func TestAddListRemove(t *testing.T) {
	t.Parallel()

	settings := sqliteSettings(t)
	server := closedServerURL(t)

	out, err := run(t, settings, "add", "Poom", "--username", "Poom", "--external-id", "65025367", "--server", server)
	require.NoError(t, err, out)
	assert.Contains(t, out, "added Poom")
	assert.Contains(t, out, "writing to the database directly")

	_, err = run(t, settings, "add", "Poom", "--username", "Other", "--offline")
	require.Error(t, err, "duplicate label")

	out, err = run(t, settings, "list", "--json")
	require.NoError(t, err, out)
	var recs []identity.Record
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "65025367", recs[0].ExternalID)

	out, err = run(t, settings, "remove", "Poom", "--offline")
	require.NoError(t, err, out)
	assert.Contains(t, out, "removed Poom")

	_, err = run(t, settings, "remove", "Poom", "--server", server)
	require.Error(t, err)
}

func TestAddRemoveUpdateRunningServerCache(t *testing.T) {
	t.Parallel()

	store := identity.NewMemoryStore()
	cache, err := identity.NewCache(store, identity.WithTTL(time.Hour))
	require.NoError(t, err)
	registry := identity.NewRegistry(store, cache, nil)
	server := startServer(t, registry)

	// the server has cached "Zed" as absent
	require.Equal(t, identity.StatusNotFound, registry.Resolve(t.Context(), "Zed").Status)

	settings := sqliteSettings(t)
	out, err := run(t, settings, "add", "Zed", "--username", "Zed", "--external-id", "65000001", "--server", server)
	require.NoError(t, err, out)
	assert.NotContains(t, out, "directly")

	lookup := registry.Resolve(t.Context(), "Zed")
	require.Equal(t, identity.StatusFound, lookup.Status)
	assert.Equal(t, "65000001", lookup.Record.ExternalID)

	out, err = run(t, settings, "remove", "Zed", "--server", server)
	require.NoError(t, err, out)
	assert.Equal(t, identity.StatusNotFound, registry.Resolve(t.Context(), "Zed").Status)

	// the CLI's own database was never touched
	recs, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestServerRejectionIsNotRetriedLocally(t *testing.T) {
	t.Parallel()

	store := identity.NewMemoryStore(identity.Record{Label: "Poom", Username: "Poom"})
	cache, err := identity.NewCache(store)
	require.NoError(t, err)
	server := startServer(t, identity.NewRegistry(store, cache, nil))

	settings := sqliteSettings(t)
	_, err = run(t, settings, "add", "Poom", "--username", "Other", "--server", server)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	_, err = run(t, settings, "remove", "Nobody", "--server", server)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestDefaultServerURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		listen string
		want   string
	}{
		{"", "http://127.0.0.1:8000"},
		{":9000", "http://127.0.0.1:9000"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080"},
		{"192.168.1.5:8000", "http://192.168.1.5:8000"},
	}
	for _, tt := range tests {
		settings := &conf.Settings{}
		settings.WebServer.Listen = tt.listen
		assert.Equal(t, tt.want, defaultServerURL(settings), tt.listen)
	}
}

func TestMemoryDatabaseRejected(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Database.Type = conf.DatabaseMemory

	_, err := run(t, settings, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistent database")
}

func TestPrintRecordsTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, printRecords(&buf, []identity.Record{
		{Label: "Poom", Username: "Poom", ExternalID: "65025367", CreatedAt: created},
	}, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "LABEL"))
	assert.Contains(t, lines[1], "65025367")
	assert.Contains(t, lines[1], "2024-03-01 09:30:00")
}

func TestPrintRecordsEmptyJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printRecords(&buf, nil, true))
	assert.JSONEq(t, "[]", buf.String())
}
