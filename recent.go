package staging

import (
	"sync"
	"time"
)

// recentTasks remembers which tasks were recently handed to, or finished by, each
// worker so that the same worker is not offered them again within the window.
type recentTasks struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]map[string]time.Time
	swept  time.Time
}

func newRecentTasks(window time.Duration) *recentTasks {
	return &recentTasks{window: window, seen: make(map[string]map[string]time.Time)}
}

func (r *recentTasks) mark(workerID, taskID string, now time.Time) {
	if r.window <= 0 || workerID == "" || taskID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.swept) >= r.window {
		r.sweep(now)
	}
	bucket, ok := r.seen[workerID]
	if !ok {
		bucket = make(map[string]time.Time)
		r.seen[workerID] = bucket
	}
	bucket[taskID] = now
}

// sweep prunes expired entries for every worker, dropping idle workers entirely.
// Callers hold r.mu.
func (r *recentTasks) sweep(now time.Time) {
	for worker, bucket := range r.seen {
		for id, at := range bucket {
			if now.Sub(at) >= r.window {
				delete(bucket, id)
			}
		}
		if len(bucket) == 0 {
			delete(r.seen, worker)
		}
	}
	r.swept = now
}

// filter drops entries older than the window and returns a predicate for the rest.
func (r *recentTasks) filter(workerID string, now time.Time) func(taskID string) bool {
	if r.window <= 0 || workerID == "" {
		return func(string) bool { return false }
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.seen[workerID]
	recent := make(map[string]struct{}, len(bucket))
	for id, at := range bucket {
		if now.Sub(at) >= r.window {
			delete(bucket, id)
			continue
		}
		recent[id] = struct{}{}
	}
	if len(bucket) == 0 {
		delete(r.seen, workerID)
	}
	return func(taskID string) bool {
		_, ok := recent[taskID]
		return ok
	}
}
