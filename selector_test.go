package staging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// windowStore serves a fixed window and counts fetches. Only FetchCandidateWindow
// is used by the selector.
type windowStore struct {
	RecordStore
	records []Record
	err     error
	fetches atomic.Int32
	gate    chan struct{}
}

func (s *windowStore) FetchCandidateWindow(ctx context.Context, q WindowQuery) ([]Record, error) {
	s.fetches.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := s.records
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func reverse(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
}

func testSelector(store RecordStore, sel SelectionConfig) *Selector {
	cfg := DefaultConfig()
	cfg.Scoring.FastLaneClients = []string{"acme"}
	s := NewSelector(store, cfg.Rules(), NewScorer(cfg.Scoring), sel)
	s.shuffle = func(int, func(i, j int)) {}
	return s
}

func ids(cands []Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Record.ID)
	}
	return out
}

func TestSelectorRanksEligibleOnly(t *testing.T) {
	fast := eligibleRecord("fast")
	fast.Clients = []string{"Acme"}
	client := eligibleRecord("client")
	client.Clients = []string{"Initech"}
	other := eligibleRecord("other")
	claimed := eligibleRecord("claimed")
	claimed.ClaimedAt = at(testNow)
	recent := eligibleRecord("too-recent")
	recent.PreCheckCompletedAt = at(testNow.Add(-time.Minute))

	store := &windowStore{records: []Record{other, claimed, client, recent, fast}}
	s := testSelector(store, SelectionConfig{WindowSize: 10, TopK: 10})

	got, err := s.Select(context.Background(), "w1", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"fast", "client", "other"}, ids(got))
	assert.Equal(t, TierFastLane, got[0].Priority.Tier)
}

func TestSelectorTopK(t *testing.T) {
	var recs []Record
	for _, id := range []string{"a", "b", "c", "d"} {
		recs = append(recs, eligibleRecord(id))
	}
	s := testSelector(&windowStore{records: recs}, SelectionConfig{WindowSize: 10, TopK: 2})

	got, err := s.Select(context.Background(), "w1", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	preview, err := s.Preview(context.Background(), 3, testNow)
	require.NoError(t, err)
	assert.Len(t, preview, 3)
}

func TestSelectorShufflesWithinTier(t *testing.T) {
	mk := func(id string, clients ...string) Record {
		r := eligibleRecord(id)
		r.Clients = clients
		return r
	}
	recs := []Record{
		mk("f1", "acme"), mk("f2", "acme"), mk("f3", "acme"),
		mk("c1", "x"), mk("c2", "x"),
		mk("o1"),
	}
	s := testSelector(&windowStore{records: recs}, SelectionConfig{WindowSize: 10, TopK: 10})
	s.shuffle = reverse

	got, err := s.Select(context.Background(), "w1", testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"f3", "f2", "f1", "c2", "c1", "o1"}, ids(got))
}

func TestSelectorSkipsRecentlyServed(t *testing.T) {
	recs := []Record{eligibleRecord("a"), eligibleRecord("b")}
	s := testSelector(&windowStore{records: recs}, SelectionConfig{WindowSize: 10, TopK: 10, RecentWindow: 10 * time.Minute})

	s.remember("w1", "a", testNow)
	got, err := s.Select(context.Background(), "w1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))

	got, err = s.Select(context.Background(), "w2", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got), "other workers are unaffected")

	got, err = s.Select(context.Background(), "w1", testNow.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got), "entry expires after the window")
}

func TestSelectorWrapsStoreErrors(t *testing.T) {
	s := testSelector(&windowStore{err: errors.New("connection reset")}, SelectionConfig{WindowSize: 10, TopK: 10})
	_, err := s.Select(context.Background(), "w1", testNow)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestSelectorConcurrentSelectSharesWindow(t *testing.T) {
	store := &windowStore{records: []Record{eligibleRecord("a")}, gate: make(chan struct{})}
	s := testSelector(store, SelectionConfig{WindowSize: 10, TopK: 10})

	const n = 8
	var wg sync.WaitGroup
	results := make([][]Candidate, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = s.Select(context.Background(), "", testNow)
		}(i)
	}
	require.Eventually(t, func() bool { return store.fetches.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []string{"a"}, ids(r))
	}
}

func TestSelectorSharedFetchSurvivesCallerCancel(t *testing.T) {
	store := &windowStore{records: []Record{eligibleRecord("a")}, gate: make(chan struct{})}
	s := testSelector(store, SelectionConfig{WindowSize: 10, TopK: 10})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.Select(ctxA, "w1", testNow)
		errA <- err
	}()
	require.Eventually(t, func() bool { return store.fetches.Load() >= 1 }, time.Second, time.Millisecond)

	type result struct {
		cands []Candidate
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		c, err := s.Select(context.Background(), "w2", testNow)
		resB <- result{c, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsRetryable(err))
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}

	close(store.gate)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, []string{"a"}, ids(r.cands))
	case <-time.After(time.Second):
		t.Fatal("live caller never received the window")
	}
}

func TestRecentTasksForgetsIdleWorkers(t *testing.T) {
	r := newRecentTasks(10 * time.Minute)
	r.mark("gone", "a", testNow)
	r.mark("w1", "b", testNow.Add(5*time.Minute))
	require.Len(t, r.seen, 2)

	r.mark("w1", "c", testNow.Add(11*time.Minute))
	assert.NotContains(t, r.seen, "gone")
	assert.Len(t, r.seen["w1"], 2)

	r.mark("w2", "d", testNow.Add(30*time.Minute))
	assert.NotContains(t, r.seen, "w1")
	assert.Contains(t, r.seen, "w2")
}

func TestRecentTasksDisabled(t *testing.T) {
	r := newRecentTasks(0)
	r.mark("w1", "a", testNow)
	assert.False(t, r.filter("w1", testNow)("a"))
}
