package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	staging "github.com/therepute/human-staging-portal-redux"
)

type eventLog struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (l *eventLog) Configure(sentry.ClientOptions) {}
func (l *eventLog) Flush(time.Duration) bool        { return true }

func (l *eventLog) SendEvent(e *sentry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestNewLoggerJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(staging.LoggingConfig{Level: "WARN", Format: "json"}, &buf)
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	got := lines(&buf)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0]["message"])
	assert.Equal(t, "warn", got[0]["level"])
	assert.Equal(t, "stagingd", got[0]["service"])
}

func TestNewLoggerDefaults(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(staging.LoggingConfig{Level: "chatty"}, &buf)
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.False(t, strings.HasPrefix(out, "{"), "console output is not JSON")
}

func TestReportingSinks(t *testing.T) {
	events := &eventLog{}
	require.NoError(t, sentry.Init(sentry.ClientOptions{Transport: events}))
	t.Cleanup(func() { sentry.CurrentHub().BindClient(nil) })

	var buf bytes.Buffer
	info, errorLog := ReportingSinks(NewLogger(staging.LoggingConfig{Level: "debug", Format: "json"}, &buf))

	info(staging.LogEvent{Message: "claimed", WorkerID: "w1", TaskID: "r1"})
	errorLog(staging.LogEvent{Message: "lease rejected", Err: staging.ErrConflict})
	errorLog(staging.LogEvent{Message: "fetch failed", Err: &staging.StoreError{Op: "fetch window", Err: errors.New("timeout")}})

	got := lines(&buf)
	require.Len(t, got, 3)
	assert.Equal(t, "info", got[0]["level"])
	assert.Equal(t, "w1", got[0]["worker_id"])
	assert.Equal(t, "r1", got[0]["task_id"])
	assert.Equal(t, "error", got[1]["level"])
	assert.Equal(t, "error", got[2]["level"])

	assert.Equal(t, 1, events.count(), "only store failures are reported")
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracing(ctx, staging.TracingConfig{Exporter: "none"})
	require.NoError(t, err)
	_, span := StartSpan(ctx, "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(ctx))

	_, err = InitTracing(ctx, staging.TracingConfig{Exporter: "jaeger"})
	assert.Error(t, err)
}
