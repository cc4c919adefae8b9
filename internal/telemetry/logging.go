// Package telemetry sets up the process-wide logger, tracer provider and error
// reporter.
package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	staging "github.com/therepute/human-staging-portal-redux"
)

// NewLogger builds the service logger. Format "json" writes one JSON object per
// line; anything else writes human-readable console output.
func NewLogger(cfg staging.LoggingConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if !strings.EqualFold(cfg.Format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "stagingd").Logger()
}

// InitSentry enables error reporting when a DSN is configured. The returned flush
// function is safe to call either way.
func InitSentry(cfg staging.SentryConfig) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// ReportingSinks wraps the zerolog hooks so that retryable store failures are also
// sent to Sentry.
func ReportingSinks(l zerolog.Logger) (info, errorLog func(staging.LogEvent)) {
	info, base := staging.ZerologSinks(l)
	errorLog = func(ev staging.LogEvent) {
		base(ev)
		if ev.Err != nil && staging.IsRetryable(ev.Err) {
			sentry.CaptureException(ev.Err)
		}
	}
	return info, errorLog
}
