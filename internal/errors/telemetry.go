package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter receives errors as they are built
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu sync.RWMutex
	reporter   TelemetryReporter
)

// SetTelemetryReporter installs the process-wide reporter. Passing nil
// disables reporting and restores the fast path in Build.
func SetTelemetryReporter(r TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
	hasActiveReporting.Store(r != nil && r.IsEnabled())
}

func reportToTelemetry(ee *EnhancedError) {
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r == nil || !r.IsEnabled() {
		return
	}
	r.ReportError(ee)
}

// SentryReporter implements TelemetryReporter for Sentry. The Sentry client
// must already be initialised with sentry.Init.
type SentryReporter struct {
	enabled bool
	skip    map[ErrorCategory]bool
}

// NewSentryReporter creates a reporter. NotFound and validation errors are
// expected in normal operation and are never sent.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{
		enabled: enabled,
		skip: map[ErrorCategory]bool{
			CategoryNotFound:   true,
			CategoryValidation: true,
			CategoryConflict:   true,
		},
	}
}

func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError sends one event per error, scrubbing query secrets first
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || sr.skip[ee.Category] || ee.IsReported() {
		return
	}

	message := scrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	title := errorTitle(ee)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for key, value := range ee.Context {
			if s, ok := value.(string); ok {
				value = scrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetFingerprint([]string{title, ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = levelFor(ee.Category)
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

func errorTitle(ee *EnhancedError) string {
	parts := make([]string, 0, 2)
	if ee.Component != "" && ee.Component != ComponentUnknown {
		parts = append(parts, ee.Component)
	}
	parts = append(parts, string(ee.Category))
	return strings.Join(parts, " ")
}

func levelFor(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryNetwork, CategoryTimeout, CategoryDelivery, CategorySource, CategoryMQTTConnection, CategoryMQTTPublish:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	queryStringPattern = regexp.MustCompile(`\?[^\s]*`)
	credentialPattern  = regexp.MustCompile(`(?i)(password|passwd|token|api_key|apikey|secret)=\S+`)
	dsnPattern         = regexp.MustCompile(`[A-Za-z0-9_.-]+:[^@\s/]+@tcp\(`)
)

// scrubMessage removes query strings, key=value credentials and MySQL DSN
// user:password pairs.
func scrubMessage(msg string) string {
	msg = queryStringPattern.ReplaceAllString(msg, "?[REDACTED]")
	msg = credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	msg = dsnPattern.ReplaceAllString(msg, "[REDACTED]@tcp(")
	return msg
}
