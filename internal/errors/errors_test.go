package errors

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	ee := New(fmt.Errorf("boom")).Build()

	assert.Equal(t, "boom", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.Component)
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.Timestamp.IsZero())
}

func TestBuilderFields(t *testing.T) {
	base := NewStd("store unavailable")
	ee := New(base).
		Component("identity").
		Category(CategoryIdentityStore).
		Priority("bogus").
		Context("label", "Poom").
		Timing("resolve", 1500*time.Millisecond).
		Build()

	assert.Equal(t, "identity", ee.Component)
	assert.Equal(t, CategoryIdentityStore, ee.Category)
	assert.Equal(t, PriorityMedium, ee.Priority)
	assert.Equal(t, "Poom", ee.GetContext()["label"])
	assert.Equal(t, int64(1500), ee.GetContext()["duration_ms"])
	assert.True(t, Is(ee, base), "wrapped error stays reachable")
}

func TestCategoryHelpers(t *testing.T) {
	notFound := Newf("no identity for %q", "Z").Category(CategoryNotFound).Build()
	wrapped := fmt.Errorf("lookup: %w", notFound)

	assert.True(t, IsNotFound(wrapped))
	assert.True(t, IsCategory(wrapped, CategoryNotFound))
	assert.False(t, IsCategory(wrapped, CategoryDatabase))
	assert.False(t, IsNotFound(NewStd("plain")))
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	inner := Newf("timeout").Category(CategoryTimeout).Build()
	outer := New(fmt.Errorf("resolve failed: %w", inner)).Component("identity").Build()

	assert.Equal(t, CategoryTimeout, outer.Category)
}

type countingReporter struct {
	count atomic.Int32
}

func (r *countingReporter) ReportError(ee *EnhancedError) {
	r.count.Add(1)
	ee.MarkReported()
}

func (r *countingReporter) IsEnabled() bool { return true }

func TestTelemetryReporterInvokedOnBuild(t *testing.T) {
	r := &countingReporter{}
	SetTelemetryReporter(r)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := Newf("delivery failed").Category(CategoryDelivery).Build()

	assert.Equal(t, int32(1), r.count.Load())
	assert.True(t, ee.IsReported())

	SetTelemetryReporter(nil)
	New(NewStd("quiet")).Build()
	assert.Equal(t, int32(1), r.count.Load())
}

func TestSentryReporterSkipsExpectedCategories(t *testing.T) {
	sr := NewSentryReporter(true)
	ee := Newf("missing").Category(CategoryNotFound).Build()

	sr.ReportError(ee)
	assert.False(t, ee.IsReported())

	disabled := NewSentryReporter(false)
	assert.False(t, disabled.IsEnabled())
}

func TestScrubMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		absent  string
		present string
	}{
		{"query string", "GET http://detector:9000/infer?conf=0.25&token=abc", "token=abc", "?[REDACTED]"},
		{"credential pair", "connect failed password=hunter2 retry", "hunter2", "password=[REDACTED]"},
		{"mysql dsn", "dial presence:s3cret@tcp(db:3306)/presence", "s3cret", "[REDACTED]@tcp("},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scrubMessage(tt.in)
			require.NotContains(t, got, tt.absent)
			assert.Contains(t, got, tt.present)
		})
	}
}
