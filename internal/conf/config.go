// Package conf loads, validates and saves application settings.
package conf

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

//go:embed config.yaml
var defaultConfigYAML []byte

const appDirName = "presence"

// PresenceSettings controls aggregation and streaming pace
type PresenceSettings struct {
	Window time.Duration `yaml:"window"` // trailing window over which detections are voted
	Pacing time.Duration `yaml:"pacing"` // pause between delivering a frame and fetching the next
}

// IdentitySettings controls the identity cache
type IdentitySettings struct {
	CacheTTL         time.Duration `yaml:"cachettl"`
	LookupTimeout    time.Duration `yaml:"lookuptimeout"`
	BatchConcurrency int           `yaml:"batchconcurrency"`
	Matching         []string      `yaml:"matching"` // label matching strategies in order
}

// DetectorSettings configures the remote inference service
type DetectorSettings struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	Confidence float64       `yaml:"confidence"` // minimum detection confidence
	IoU        float64       `yaml:"iou"`
	ImageSize  int           `yaml:"imagesize"`
	LabelPath  string        `yaml:"labelpath"` // optional label file, one per line
	RateLimit  float64       `yaml:"ratelimit"` // requests per second across sessions, 0 disables
}

// SourceSettings configures where frames come from
type SourceSettings struct {
	Type string  `yaml:"type"` // directory
	Path string  `yaml:"path"`
	FPS  float64 `yaml:"fps"`
	Loop bool    `yaml:"loop"`
}

// SQLiteSettings configures the SQLite identity store
type SQLiteSettings struct {
	Path string `yaml:"path"`
}

// MySQLSettings configures the MySQL identity store
type MySQLSettings struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DatabaseSettings selects the identity store backend
type DatabaseSettings struct {
	Type   string         `yaml:"type"` // sqlite, mysql or memory
	SQLite SQLiteSettings `yaml:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql"`
}

// WebServerSettings configures the HTTP server
type WebServerSettings struct {
	Listen          string   `yaml:"listen"`
	AllowedOrigins  []string `yaml:"allowedorigins"`
	PersistSettings bool     `yaml:"persistsettings"` // write runtime changes back to the config file
}

// TelemetrySettings configures the Prometheus endpoint
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTSettings configures presence publishing
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"clientid"`
	Retain   bool   `yaml:"retain"`
}

// SentrySettings configures error telemetry
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Settings contains all configuration options
type Settings struct {
	Debug bool `yaml:"debug"`

	Main struct {
		Name string `yaml:"name"`
	} `yaml:"main"`

	Logging   logger.LoggingConfig `yaml:"logging"`
	Presence  PresenceSettings     `yaml:"presence"`
	Identity  IdentitySettings     `yaml:"identity"`
	Detector  DetectorSettings     `yaml:"detector"`
	Source    SourceSettings       `yaml:"source"`
	Database  DatabaseSettings     `yaml:"database"`
	WebServer WebServerSettings    `yaml:"webserver"`
	Telemetry TelemetrySettings    `yaml:"telemetry"`
	MQTT      MQTTSettings         `yaml:"mqtt"`
	Sentry    SentrySettings       `yaml:"sentry"`

	ConfigFile string `yaml:"-"` // file the settings were read from, runtime value
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration through the global viper instance, creating a
// default config file when none exists, and stores the result for
// GetSettings.
func Load() (*Settings, error) {
	settings, err := LoadWith(viper.GetViper(), "")
	if err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// LoadWith reads settings using v. An empty configFile searches the default
// config paths.
func LoadWith(v *viper.Viper, configFile string) (*Settings, error) {
	if err := initViper(v, configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings.ConfigFile = v.ConfigFileUsed()

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// GetSettings returns the settings stored by Load
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)
	if err := bindEnvVars(v); err != nil {
		return err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		return v.ReadInConfig()
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	err = v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return createDefaultConfig(v, filepath.Join(configPaths[0], "config.yaml"))
	}
	return fmt.Errorf("fatal error reading config file: %w", err)
}

// createDefaultConfig writes the embedded default config to path and reads it
func createDefaultConfig(v *viper.Viper, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(path, defaultConfigYAML, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}
	fmt.Println("Created default config file at:", path)

	v.SetConfigFile(path)
	return v.ReadInConfig()
}

// GetDefaultConfigPaths returns the directories searched for config.yaml,
// most specific first.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}
	return []string{
		".",
		filepath.Join(homeDir, ".config", appDirName),
		filepath.Join("/etc", appDirName),
	}, nil
}

// SaveYAMLConfig writes settings to configPath through a temporary file and
// rename. Comments in the existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempName, configPath); err != nil {
		return errors.New(fmt.Errorf("error replacing config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}
	return nil
}
