package staging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The worker that triggered the event, if any.
	WorkerID string

	// The task (record id), if available.
	TaskID string

	// The source domain, if relevant.
	Domain string

	// Count carries released/attempted totals for sweeps and claim loops.
	Count int

	// Any error associated with the event.
	Err error

	// How long the operation took, if relevant.
	Duration time.Duration
}

// ZerologSinks returns InfoLog and ErrorLog hooks writing to l.
func ZerologSinks(l zerolog.Logger) (info, errorLog func(LogEvent)) {
	emit := func(e *zerolog.Event, ev LogEvent) {
		if ev.WorkerID != "" {
			e = e.Str("worker_id", ev.WorkerID)
		}
		if ev.TaskID != "" {
			e = e.Str("task_id", ev.TaskID)
		}
		if ev.Domain != "" {
			e = e.Str("domain", ev.Domain)
		}
		if ev.Count != 0 {
			e = e.Int("count", ev.Count)
		}
		if ev.Duration > 0 {
			e = e.Dur("duration", ev.Duration)
		}
		if ev.Err != nil {
			e = e.Err(ev.Err)
		}
		e.Msg(ev.Message)
	}
	info = func(ev LogEvent) { emit(l.Info(), ev) }
	errorLog = func(ev LogEvent) { emit(l.Error(), ev) }
	return info, errorLog
}

var defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "staging").Logger()

func defaultInfoLog(ev LogEvent) {
	info, _ := ZerologSinks(defaultLogger)
	info(ev)
}

func defaultErrorLog(ev LogEvent) {
	_, errorLog := ZerologSinks(defaultLogger)
	errorLog(ev)
}

// Helper methods to invoke logging
func (c *Config) logInfo(ev LogEvent) {
	if c.InfoLog == nil {
		defaultInfoLog(ev)
		return
	}
	c.InfoLog(ev)
}

func (c *Config) logError(ev LogEvent) {
	if c.ErrorLog == nil {
		defaultErrorLog(ev)
		return
	}
	c.ErrorLog(ev)
}
