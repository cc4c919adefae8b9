package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Queue is the worker-facing engine: selection, claiming, completion and
// expiration over a shared RecordStore.
type Queue struct {
	cfg         *Config
	store       RecordStore
	throttle    DispatchThrottle
	scorer      *Scorer
	selector    *Selector
	claims      *ClaimManager
	reaper      *Reaper
	credentials *CredentialIndex
	now         func() time.Time
}

// Option customises a Queue at construction.
type Option func(*Queue)

// WithThrottle replaces the in-process cooldown tracker.
func WithThrottle(t DispatchThrottle) Option {
	return func(q *Queue) { q.throttle = t }
}

// WithCredentials attaches subscription credentials to assignments.
func WithCredentials(idx *CredentialIndex) Option {
	return func(q *Queue) { q.credentials = idx }
}

// WithClock replaces the time source for every component.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithShuffle replaces the intra-tier shuffle. Tests pass a no-op for determinism.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(q *Queue) { q.selector.shuffle = shuffle }
}

func New(cfg Config, store RecordStore, opts ...Option) *Queue {
	c := &cfg
	q := &Queue{
		cfg:      c,
		store:    store,
		throttle: NewCooldownTracker(c.Cooldown),
		scorer:   NewScorer(c.Scoring),
		now:      time.Now,
	}
	q.selector = NewSelector(store, c.Rules(), q.scorer, c.Selection)
	for _, opt := range opts {
		opt(q)
	}
	if ct, ok := q.throttle.(*CooldownTracker); ok {
		ct.WithClock(q.now)
	}
	q.claims = NewClaimManager(c, store, q.throttle)
	q.claims.now = q.now
	q.reaper = NewReaper(c, store, q.throttle)
	q.reaper.now = q.now
	return q
}

// Config returns the settings the queue was built with.
func (q *Queue) Config() Config { return *q.cfg }

// Start launches the expiration reaper.
func (q *Queue) Start(ctx context.Context) {
	q.reaper.Start(ctx)
}

// Shutdown stops the reaper, waiting up to timeout.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.reaper.Shutdown(timeout)
	q.cfg.logInfo(LogEvent{Message: "Queue shutdown complete."})
}

func (q *Queue) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("staging").Start(ctx, "staging.queue."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RequestNextTask claims the best available task for workerID. It makes a single
// pass over the current candidate window and returns (nil, nil) when nothing could
// be claimed.
func (q *Queue) RequestNextTask(ctx context.Context, workerID string) (_ *Assignment, err error) {
	ctx, span := q.span(ctx, "request_next_task", attribute.String("worker.id", workerID))
	defer func() { endSpan(span, err) }()

	if workerID == "" {
		return nil, ErrInvalidLease
	}
	start := time.Now()
	now := q.now()

	candidates, err := q.selector.Select(ctx, workerID, now)
	if err != nil {
		q.cfg.logError(LogEvent{Message: "Candidate selection failed", WorkerID: workerID, Err: err})
		return nil, err
	}
	rec, err := q.claims.Claim(ctx, workerID, candidates)
	if err != nil {
		q.cfg.logError(LogEvent{Message: "Claim failed", WorkerID: workerID, Err: err})
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	if rec == nil {
		return nil, nil
	}

	q.selector.remember(workerID, rec.ID, now)
	a := &Assignment{
		Task:     *rec,
		Priority: q.scorer.Score(*rec, now),
		Lease:    Lease{TaskID: rec.ID, WorkerID: workerID, ClaimedAt: *rec.ClaimedAt},
	}
	if q.credentials != nil {
		a.Credentials = q.credentials.For(*rec)
	}
	span.SetAttributes(attribute.String("task.id", rec.ID), attribute.Int("task.tier", a.Priority.Tier))

	elapsed := time.Since(start)
	q.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Assigned task %s (tier %d, score %d)", rec.ID, a.Priority.Tier, a.Priority.Score),
		WorkerID: workerID,
		TaskID:   rec.ID,
		Domain:   rec.Domain(),
		Duration: elapsed,
	})
	return a, nil
}

// held reads the leased record and checks the caller still holds it.
func (q *Queue) held(ctx context.Context, l Lease) (Record, error) {
	if err := l.Validate(); err != nil {
		return Record{}, err
	}
	rec, err := q.store.ReadRecord(ctx, l.TaskID)
	if err != nil {
		return Record{}, storeErr("read", err)
	}
	if !HoldsLease(rec, l) {
		return Record{}, ErrConflict
	}
	return rec, nil
}

// CompleteTask stores the extraction and marks the task complete. It returns
// ErrConflict when the caller no longer holds the claim.
func (q *Queue) CompleteTask(ctx context.Context, l Lease, ex Extraction) (err error) {
	ctx, span := q.span(ctx, "complete_task", attribute.String("task.id", l.TaskID), attribute.String("worker.id", l.WorkerID))
	defer func() { endSpan(span, err) }()

	l.ClaimedAt = storeTime(l.ClaimedAt)
	rec, err := q.held(ctx, l)
	if err != nil {
		return q.rejected("complete", l, err)
	}

	now := q.now()
	sub := BuildSubmission(rec, l.WorkerID, ex, now)
	ok, err := q.store.WriteCompletion(ctx, l, sub)
	if err != nil {
		return q.rejected("complete", l, storeErr("write completion", err))
	}
	if !ok {
		return q.rejected("complete", l, ErrConflict)
	}

	q.throttle.RecordRelease(rec.Domain())
	q.selector.remember(l.WorkerID, l.TaskID, now)
	q.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Task %s completed", l.TaskID),
		WorkerID: l.WorkerID,
		TaskID:   l.TaskID,
		Domain:   rec.Domain(),
	})
	return nil
}

// FailTask records a failed attempt. Once the retry count reaches the configured
// maximum the task is marked terminally failed.
func (q *Queue) FailTask(ctx context.Context, l Lease, reason string) (_ FailOutcome, err error) {
	ctx, span := q.span(ctx, "fail_task", attribute.String("task.id", l.TaskID), attribute.String("worker.id", l.WorkerID))
	defer func() { endSpan(span, err) }()

	l.ClaimedAt = storeTime(l.ClaimedAt)
	rec, err := q.held(ctx, l)
	if err != nil {
		return FailOutcome{}, q.rejected("fail", l, err)
	}

	after, ok, err := q.store.WriteFailure(ctx, l, reason, q.cfg.Claims.MaxRetries)
	if err != nil {
		return FailOutcome{}, q.rejected("fail", l, storeErr("write failure", err))
	}
	if !ok {
		return FailOutcome{}, q.rejected("fail", l, ErrConflict)
	}

	q.throttle.RecordRelease(rec.Domain())
	q.selector.remember(l.WorkerID, l.TaskID, q.now())

	out := FailOutcome{
		RetryCount: after.RetryCount,
		Terminal:   after.ExtractionComplete == True && after.ExtractionFailed,
	}
	span.SetAttributes(attribute.Int("task.retry_count", out.RetryCount), attribute.Bool("task.terminal", out.Terminal))
	q.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Task %s failed (retry %d, terminal %t): %s", l.TaskID, out.RetryCount, out.Terminal, reason),
		WorkerID: l.WorkerID,
		TaskID:   l.TaskID,
		Domain:   rec.Domain(),
	})
	return out, nil
}

// ReleaseClaim gives the task back without completing or failing it.
func (q *Queue) ReleaseClaim(ctx context.Context, l Lease) (err error) {
	ctx, span := q.span(ctx, "release_claim", attribute.String("task.id", l.TaskID), attribute.String("worker.id", l.WorkerID))
	defer func() { endSpan(span, err) }()

	l.ClaimedAt = storeTime(l.ClaimedAt)
	rec, err := q.held(ctx, l)
	if err != nil {
		return q.rejected("release", l, err)
	}
	ok, err := q.store.ClearClaim(ctx, l)
	if err != nil {
		return q.rejected("release", l, storeErr("clear claim", err))
	}
	if !ok {
		return q.rejected("release", l, ErrConflict)
	}

	q.throttle.RecordRelease(rec.Domain())
	q.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Task %s released", l.TaskID),
		WorkerID: l.WorkerID,
		TaskID:   l.TaskID,
		Domain:   rec.Domain(),
	})
	return nil
}

func (q *Queue) rejected(op string, l Lease, err error) error {
	ev := LogEvent{
		Message:  fmt.Sprintf("Rejected %s for task %s", op, l.TaskID),
		WorkerID: l.WorkerID,
		TaskID:   l.TaskID,
		Err:      err,
	}
	if IsRetryable(err) {
		q.cfg.logError(ev)
	} else {
		q.cfg.logInfo(ev)
	}
	return err
}

// CountExpired reports claims older than timeout (the configured claim timeout
// when zero).
func (q *Queue) CountExpired(ctx context.Context, timeout time.Duration) (_ int, err error) {
	ctx, span := q.span(ctx, "count_expired")
	defer func() { endSpan(span, err) }()
	return q.reaper.CountExpired(ctx, timeout)
}

// ReleaseExpired clears claims older than timeout (the configured claim timeout
// when zero).
func (q *Queue) ReleaseExpired(ctx context.Context, timeout time.Duration) (_ int, err error) {
	ctx, span := q.span(ctx, "release_expired")
	defer func() { endSpan(span, err) }()

	n, err := q.reaper.ReleaseExpired(ctx, timeout)
	if err != nil {
		q.cfg.logError(LogEvent{Message: "Manual expired claim release failed", Err: err})
		return 0, err
	}
	span.SetAttributes(attribute.Int("released", n))
	q.cfg.logInfo(LogEvent{Message: fmt.Sprintf("Released %d expired claims", n), Count: n})
	return n, nil
}

// AvailableTasks previews the ranked eligible tasks without claiming any.
func (q *Queue) AvailableTasks(ctx context.Context, limit int) (_ []Candidate, err error) {
	ctx, span := q.span(ctx, "available_tasks")
	defer func() { endSpan(span, err) }()
	return q.selector.Preview(ctx, limit, q.now())
}

// Task returns the current state of one record.
func (q *Queue) Task(ctx context.Context, id string) (_ Record, err error) {
	ctx, span := q.span(ctx, "task", attribute.String("task.id", id))
	defer func() {
		if errors.Is(err, ErrNotFound) {
			span.End()
			return
		}
		endSpan(span, err)
	}()
	rec, err := q.store.ReadRecord(ctx, id)
	return rec, storeErr("read", err)
}

// AnalyzeFields reports which extraction fields the worker must fill for a task.
func (q *Queue) AnalyzeFields(ctx context.Context, id string) (FieldAnalysis, error) {
	rec, err := q.Task(ctx, id)
	if err != nil {
		return FieldAnalysis{}, err
	}
	return AnalyzeFields(rec), nil
}

// Ping checks the record store.
func (q *Queue) Ping(ctx context.Context) error {
	return storeErr("ping", q.store.Ping(ctx))
}

// Domains snapshots the cooldown tracker, or returns nil for throttles that do not
// expose their state.
func (q *Queue) Domains() []DomainStatus {
	if s, ok := q.throttle.(interface{ Snapshot() []DomainStatus }); ok {
		return s.Snapshot()
	}
	return nil
}
