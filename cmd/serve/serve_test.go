package serve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/testutil"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := &conf.Settings{}
	s.Logging.DefaultLevel = "error"
	s.Database.Type = conf.DatabaseMemory
	s.Detector.URL = "http://127.0.0.1:9"
	s.Source.Type = conf.SourceDirectory
	s.Source.Path = t.TempDir()
	s.Source.FPS = 10
	s.WebServer.Listen = "127.0.0.1:0"
	s.Presence.Window = 5 * time.Second
	return s
}

func TestRunRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	s.Source.Type = "camera"

	err := Run(t.Context(), s)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestRunRejectsUnknownMatchingStrategy(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	s.Identity.Matching = []string{"soundex"}

	require.Error(t, Run(t.Context(), s))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, testSettings(t)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	err := testutil.Receive(t, done, testutil.LongTestTimeout, "Run did not return after cancellation")
	assert.NoError(t, err)
}

func TestInitSentryRequiresDSN(t *testing.T) {
	t.Parallel()

	s := &conf.Settings{}
	s.Sentry.Enabled = true
	assert.Error(t, initSentry(s))
}

func TestFlagsWriteSettings(t *testing.T) {
	s := &conf.Settings{}
	cmd := Command(s)

	require.NoError(t, cmd.Flags().Parse([]string{
		"--listen", "127.0.0.1:9999",
		"--confidence", "0.4",
		"--window", "3s",
	}))
	assert.Equal(t, "127.0.0.1:9999", s.WebServer.Listen)
	assert.InDelta(t, 0.4, s.Detector.Confidence, 1e-9)
	assert.Equal(t, 3*time.Second, s.Presence.Window)
}
