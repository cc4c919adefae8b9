package staging

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// Selector builds the ranked candidate list for one request.
type Selector struct {
	store   RecordStore
	rules   EligibilityRules
	scorer  *Scorer
	recent  *recentTasks
	window  int
	topK    int
	shuffle func(n int, swap func(i, j int))

	group singleflight.Group
}

func NewSelector(store RecordStore, rules EligibilityRules, scorer *Scorer, sel SelectionConfig) *Selector {
	return &Selector{
		store:   store,
		rules:   rules,
		scorer:  scorer,
		recent:  newRecentTasks(sel.RecentWindow),
		window:  sel.WindowSize,
		topK:    sel.TopK,
		shuffle: rand.Shuffle,
	}
}

// Select returns up to TopK eligible candidates for workerID, best first, with
// equal-tier candidates shuffled to spread contention between workers. An empty
// workerID disables the recently-served filter.
func (s *Selector) Select(ctx context.Context, workerID string, now time.Time) ([]Candidate, error) {
	ranked, err := s.rank(ctx, workerID, now)
	if err != nil {
		return nil, err
	}
	if len(ranked) > s.topK {
		ranked = ranked[:s.topK]
	}
	s.shuffleTiers(ranked)
	return ranked, nil
}

// Preview is Select without the shuffle, for monitoring.
func (s *Selector) Preview(ctx context.Context, limit int, now time.Time) ([]Candidate, error) {
	ranked, err := s.rank(ctx, "", now)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (s *Selector) rank(ctx context.Context, workerID string, now time.Time) ([]Candidate, error) {
	window, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	isRecent := s.recent.filter(workerID, now)

	out := make([]Candidate, 0, len(window))
	for _, rec := range window {
		if rec.ID == "" || !s.rules.Eligible(rec, now) || isRecent(rec.ID) {
			continue
		}
		out = append(out, Candidate{Record: rec, Priority: s.scorer.Score(rec, now)})
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out, nil
}

// fetch coalesces concurrent window reads into one store call. The shared call does
// not inherit any one caller's cancellation; each caller stops waiting when its own
// ctx ends. Each caller gets its own copy of the result.
func (s *Selector) fetch(ctx context.Context) ([]Record, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan("window", func() (any, error) {
		recs, err := s.store.FetchCandidateWindow(shared, WindowQuery{
			Limit:          s.window,
			ExtractionPath: s.rules.ExtractionPath,
		})
		if err != nil {
			return nil, storeErr("fetch window", err)
		}
		return recs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]Record)), nil
	}
}

func (s *Selector) shuffleTiers(c []Candidate) {
	for start := 0; start < len(c); {
		end := start + 1
		for end < len(c) && c[end].Priority.Tier == c[start].Priority.Tier {
			end++
		}
		if end-start > 1 {
			run := c[start:end]
			s.shuffle(len(run), func(i, j int) { run[i], run[j] = run[j], run[i] })
		}
		start = end
	}
}

// remember marks taskID as recently served to workerID.
func (s *Selector) remember(workerID, taskID string, now time.Time) {
	s.recent.mark(workerID, taskID, now)
}
