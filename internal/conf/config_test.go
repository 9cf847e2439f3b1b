package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestEmbeddedDefaultConfigLoads(t *testing.T) {
	path := writeConfig(t, string(defaultConfigYAML))

	s, err := LoadWith(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, s.Presence.Window)
	assert.Equal(t, 30*time.Millisecond, s.Presence.Pacing)
	assert.Equal(t, 5*time.Minute, s.Identity.CacheTTL)
	assert.Equal(t, []string{"exact", "externalid", "username", "composite"}, s.Identity.Matching)
	assert.InDelta(t, 0.25, s.Detector.Confidence, 1e-9)
	assert.Equal(t, DatabaseSQLite, s.Database.Type)
	assert.Equal(t, "info", s.Logging.DefaultLevel)
	require.NotNil(t, s.Logging.Console)
	assert.True(t, s.Logging.Console.Enabled)
	assert.Equal(t, path, s.ConfigFile)
}

func TestDefaultsFillMissingKeys(t *testing.T) {
	path := writeConfig(t, "presence:\n  window: 2s\ndatabase:\n  type: MEMORY\n")

	s, err := LoadWith(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, s.Presence.Window)
	assert.Equal(t, 2*time.Second, s.Identity.LookupTimeout)
	assert.Equal(t, DatabaseMemory, s.Database.Type, "enumeration normalized")
	assert.Equal(t, ":8000", s.WebServer.Listen)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PRESENCE_WINDOW", "9s")
	t.Setenv("PRESENCE_DETECTOR_CONFIDENCE", "0.6")
	path := writeConfig(t, "debug: false\n")

	s, err := LoadWith(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, s.Presence.Window)
	assert.InDelta(t, 0.6, s.Detector.Confidence, 1e-9)
}

func TestInvalidEnvironmentValue(t *testing.T) {
	t.Setenv("PRESENCE_DETECTOR_CONFIDENCE", "2")
	path := writeConfig(t, "debug: false\n")

	_, err := LoadWith(viper.New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRESENCE_DETECTOR_CONFIDENCE")
}

func TestValidateSettingsCollectsErrors(t *testing.T) {
	path := writeConfig(t, `
presence:
  window: 0s
identity:
  matching: [exact, soundex]
database:
  type: postgres
mqtt:
  enabled: true
  broker: ""
`)

	_, err := LoadWith(viper.New(), path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Errors, 4)
}

func TestSaveYAMLConfigRoundTrip(t *testing.T) {
	path := writeConfig(t, string(defaultConfigYAML))
	s, err := LoadWith(viper.New(), path)
	require.NoError(t, err)

	s.Detector.Confidence = 0.4
	s.Presence.Window = 7 * time.Second
	require.NoError(t, SaveYAMLConfig(path, s))

	reloaded, err := LoadWith(viper.New(), path)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, reloaded.Detector.Confidence, 1e-9)
	assert.Equal(t, 7*time.Second, reloaded.Presence.Window)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file cleaned up")
}
