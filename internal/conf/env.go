package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding maps an environment variable onto a config key
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "PRESENCE_DEBUG", validateEnvBool},
		{"logging.defaultlevel", "PRESENCE_LOG_LEVEL", validateEnvLogLevel},

		{"presence.window", "PRESENCE_WINDOW", validateEnvDuration},
		{"presence.pacing", "PRESENCE_PACING", validateEnvDuration},

		{"identity.cachettl", "PRESENCE_CACHE_TTL", validateEnvDuration},
		{"identity.lookuptimeout", "PRESENCE_LOOKUP_TIMEOUT", validateEnvDuration},

		{"detector.url", "PRESENCE_DETECTOR_URL", validateEnvURL},
		{"detector.confidence", "PRESENCE_DETECTOR_CONFIDENCE", validateEnvConfidence},

		{"source.path", "PRESENCE_SOURCE_PATH", nil},

		{"database.type", "PRESENCE_DB_TYPE", validateEnvDatabaseType},
		{"database.sqlite.path", "PRESENCE_SQLITE_PATH", nil},
		{"database.mysql.host", "PRESENCE_MYSQL_HOST", nil},
		{"database.mysql.port", "PRESENCE_MYSQL_PORT", validateEnvPort},
		{"database.mysql.username", "PRESENCE_MYSQL_USERNAME", nil},
		{"database.mysql.password", "PRESENCE_MYSQL_PASSWORD", nil},
		{"database.mysql.database", "PRESENCE_MYSQL_DATABASE", nil},

		{"webserver.listen", "PRESENCE_LISTEN", nil},

		{"mqtt.broker", "PRESENCE_MQTT_BROKER", validateEnvURL},
		{"mqtt.username", "PRESENCE_MQTT_USERNAME", nil},
		{"mqtt.password", "PRESENCE_MQTT_PASSWORD", nil},

		{"sentry.dsn", "PRESENCE_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds every environment variable and validates values that
// are set. All problems are reported together.
func bindEnvVars(v *viper.Viper) error {
	var problems []string

	for _, b := range getEnvBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("must be one of trace, debug, info, warn, error")
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}
	return nil
}

func validateEnvConfidence(value string) error {
	c, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid confidence: %w", err)
	}
	if c <= 0 || c > 1 {
		return fmt.Errorf("confidence must be in (0, 1], got %g", c)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL with scheme and host")
	}
	return nil
}

func validateEnvDatabaseType(value string) error {
	switch strings.ToLower(value) {
	case DatabaseSQLite, DatabaseMySQL, DatabaseMemory:
		return nil
	}
	return fmt.Errorf("must be one of %s, %s, %s", DatabaseSQLite, DatabaseMySQL, DatabaseMemory)
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
