package conf

import (
	"fmt"
	"strings"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
)

// Database types
const (
	DatabaseSQLite = "sqlite"
	DatabaseMySQL  = "mysql"
	DatabaseMemory = "memory"
)

// Source types
const (
	SourceDirectory = "directory"
)

// ValidationError collects every problem found in a settings struct
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %v", ve.Errors)
}

// ValidateSettings checks settings for values the application cannot run
// with. It normalizes case-insensitive enumerations in place.
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}
	add := func(format string, args ...any) {
		ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
	}

	if s.Presence.Window <= 0 {
		add("presence.window must be positive")
	}
	if s.Presence.Pacing < 0 {
		add("presence.pacing must not be negative")
	}

	if s.Identity.CacheTTL <= 0 {
		add("identity.cachettl must be positive")
	}
	if s.Identity.LookupTimeout <= 0 {
		add("identity.lookuptimeout must be positive")
	}
	if s.Identity.BatchConcurrency < 1 {
		add("identity.batchconcurrency must be at least 1")
	}
	if _, err := identity.NewMatcher(s.Identity.Matching...); err != nil {
		add("identity.matching: %v", err)
	}

	if s.Detector.URL == "" {
		add("detector.url is required")
	}
	if s.Detector.Confidence <= 0 || s.Detector.Confidence > 1 {
		add("detector.confidence must be in (0, 1]")
	}
	if s.Detector.IoU <= 0 || s.Detector.IoU > 1 {
		add("detector.iou must be in (0, 1]")
	}
	if s.Detector.RateLimit < 0 {
		add("detector.ratelimit must not be negative")
	}

	s.Source.Type = strings.ToLower(s.Source.Type)
	if s.Source.Type != SourceDirectory {
		add("source.type %q is not supported", s.Source.Type)
	}
	if s.Source.FPS <= 0 {
		add("source.fps must be positive")
	}

	s.Database.Type = strings.ToLower(s.Database.Type)
	switch s.Database.Type {
	case DatabaseSQLite:
		if s.Database.SQLite.Path == "" {
			add("database.sqlite.path is required")
		}
	case DatabaseMySQL:
		if s.Database.MySQL.Host == "" || s.Database.MySQL.Database == "" {
			add("database.mysql.host and database.mysql.database are required")
		}
	case DatabaseMemory:
	default:
		add("database.type %q is not supported", s.Database.Type)
	}

	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		add("mqtt.broker is required when mqtt is enabled")
	}
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		add("sentry.dsn is required when sentry is enabled")
	}
	if s.Telemetry.Enabled && s.Telemetry.Listen == "" {
		add("telemetry.listen is required when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}
