package staging

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reaper periodically releases claims held longer than the claim timeout.
type Reaper struct {
	cfg      *Config
	store    RecordStore
	throttle DispatchThrottle
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReaper(cfg *Config, store RecordStore, throttle DispatchThrottle) *Reaper {
	return &Reaper{cfg: cfg, store: store, throttle: throttle, now: time.Now}
}

// Start launches the sweep loop. It is a no-op if the loop is already running.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cfg.logError(LogEvent{Message: "Reaper already started."})
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(ctx)
	}()
}

// Run sweeps every ReaperInterval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Claims.ReaperInterval
	if interval <= 0 {
		interval = DefaultConfig().Claims.ReaperInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Reaper started (interval %v, timeout %v).", interval, r.cfg.Claims.Timeout),
	})

	for {
		select {
		case <-ctx.Done():
			r.cfg.logInfo(LogEvent{Message: "Reaper context canceled, stopping."})
			return
		case <-ticker.C:
			start := time.Now()
			n, err := r.ReleaseExpired(ctx, r.cfg.Claims.Timeout)
			if err != nil {
				r.cfg.logError(LogEvent{Message: "Expired claim sweep failed", Err: err})
				continue
			}
			if n > 0 {
				elapsed := time.Since(start)
				r.cfg.logInfo(LogEvent{
					Message:  fmt.Sprintf("Released %d expired claims in %v", n, elapsed),
					Count:    n,
					Duration: elapsed,
				})
			}
		}
	}
}

// ReleaseExpired clears claims older than timeout and returns how many it released.
// A second call with no new expirations releases nothing.
func (r *Reaper) ReleaseExpired(ctx context.Context, timeout time.Duration) (int, error) {
	released, err := r.store.ReleaseExpired(ctx, r.cutoff(timeout))
	if err != nil {
		return 0, storeErr("release expired", err)
	}
	for _, rec := range released {
		r.throttle.RecordRelease(rec.Domain())
	}
	return len(released), nil
}

// CountExpired reports how many claims are older than timeout without touching them.
func (r *Reaper) CountExpired(ctx context.Context, timeout time.Duration) (int, error) {
	recs, err := r.store.ExpiredClaims(ctx, r.cutoff(timeout))
	if err != nil {
		return 0, storeErr("count expired", err)
	}
	return len(recs), nil
}

func (r *Reaper) cutoff(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = r.cfg.Claims.Timeout
	}
	return storeTime(r.now().Add(-timeout))
}

// Shutdown stops the loop, waiting up to timeout for it to exit.
func (r *Reaper) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		r.cfg.logInfo(LogEvent{Message: "Reaper exited cleanly."})
	case <-time.After(timeout):
		r.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Reaper shutdown timed out after %v.", timeout),
		})
	}
}
