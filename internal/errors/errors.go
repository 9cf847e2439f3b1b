// Package errors provides categorized errors with optional telemetry reporting.
//
// Errors are built fluently:
//
//	return errors.New(err).
//	    Component("identity").
//	    Category(errors.CategoryIdentityStore).
//	    Context("label", label).
//	    Build()
//
// The package also passes through the standard library helpers so callers
// import a single errors package.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorCategory represents the type of error for grouping and telemetry
type ErrorCategory string

const (
	CategorySource         ErrorCategory = "frame-source"
	CategoryDetector       ErrorCategory = "detector"
	CategoryIdentityStore  ErrorCategory = "identity-store"
	CategoryIdentityCache  ErrorCategory = "identity-cache"
	CategoryDelivery       ErrorCategory = "delivery"
	CategorySession        ErrorCategory = "session"
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryDatabase       ErrorCategory = "database"
	CategoryNetwork        ErrorCategory = "network"
	CategoryHTTP           ErrorCategory = "http-request"
	CategoryFileIO         ErrorCategory = "file-io"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryNotFound       ErrorCategory = "not-found"
	CategoryConflict       ErrorCategory = "conflict"
	CategoryMQTTConnection ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish    ErrorCategory = "mqtt-publish"
	CategorySystem         ErrorCategory = "system-resource"
	CategoryGeneric        ErrorCategory = "generic"
)

// Priority constants for error prioritization
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when no component was set.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with component, category and context
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Priority  string
	Context   map[string]any
	Timestamp time.Time

	mu       sync.Mutex
	reported bool
}

func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, otherwise defers to the
// wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetContext returns a copy of the context map
func (ee *EnhancedError) GetContext() map[string]any {
	return maps.Clone(ee.Context)
}

// MarkReported records that telemetry was sent for this error
func (ee *EnhancedError) MarkReported() {
	ee.mu.Lock()
	ee.reported = true
	ee.mu.Unlock()
}

// IsReported reports whether telemetry was sent for this error
func (ee *EnhancedError) IsReported() bool {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	return ee.reported
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts building an enhanced error around err
func New(err error) *ErrorBuilder {
	if err == nil {
		err = stderrors.New("unknown error")
	}
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets the priority; unknown values fall back to medium
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	case "":
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Timing records how long an operation ran before failing
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	return eb.Context("operation", operation).Context("duration_ms", duration.Milliseconds())
}

// Build creates the EnhancedError and reports it when telemetry is active
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = inheritedCategory(eb.err)
	}

	if hasActiveReporting.Load() {
		reportToTelemetry(ee)
	}
	return ee
}

// inheritedCategory keeps the category of a wrapped EnhancedError
func inheritedCategory(err error) ErrorCategory {
	var inner *EnhancedError
	if stderrors.As(err, &inner) && inner.Category != "" {
		return inner.Category
	}
	return CategoryGeneric
}

var hasActiveReporting atomic.Bool

// NewStd creates a plain error (passthrough to standard library)
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is passes through to the standard library
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As passes through to the standard library
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap passes through to the standard library
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join passes through to the standard library
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory checks whether err wraps an EnhancedError with the given category
func IsCategory(err error, category ErrorCategory) bool {
	var enhanced *EnhancedError
	return As(err, &enhanced) && enhanced.Category == category
}

// IsNotFound checks if an error carries CategoryNotFound
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
