package staging

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testScorer() *Scorer {
	cfg := DefaultConfig().Scoring
	cfg.FastLaneClients = []string{"Acme", " Globex "}
	return NewScorer(cfg)
}

func TestScoreTiers(t *testing.T) {
	s := testScorer()

	tests := []struct {
		name   string
		mutate func(*Record)
		want   Priority
	}{
		{"fast lane", func(r *Record) { r.Clients = []string{"other", "ACME "} }, Priority{TierFastLane, 10000}},
		{"fast lane trimmed config", func(r *Record) { r.Clients = []string{"globex"} }, Priority{TierFastLane, 10000}},
		{"client", func(r *Record) { r.Clients = []string{"Initech"} }, Priority{TierClient, 1000}},
		{"blank client ignored", func(r *Record) { r.Clients = []string{"  "} }, Priority{TierOther, 0}},
		{"client priority", func(r *Record) { r.ClientPriority = 3 }, Priority{TierClientPriority, 500 + 3*50 + 3*10}},
		{"focus industry", func(r *Record) { r.FocusIndustry = "Energy" }, Priority{TierFocusIndustry, 300}},
		{"other", func(*Record) {}, Priority{TierOther, 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := eligibleRecord("r1")
			tc.mutate(&rec)
			assert.Equal(t, tc.want, s.Score(rec, testNow))
		})
	}
}

func TestScoreSecondary(t *testing.T) {
	s := testScorer()

	tests := []struct {
		name   string
		mutate func(*Record)
		want   int
	}{
		{"fresh bonus", func(r *Record) { r.CreatedAt = testNow.Add(-time.Hour) }, 50},
		{"stale penalty", func(r *Record) { r.CreatedAt = testNow.Add(-30 * time.Hour) }, -50},
		{"top pub tier", func(r *Record) { r.PubTier = 1 }, 5 * 20},
		{"lowest pub tier", func(r *Record) { r.PubTier = 5 }, 20},
		{"pub tier out of range", func(r *Record) { r.PubTier = 9 }, 0},
		{"relevance", func(r *Record) { r.Relevance = 40 }, 40},
		{"relevance clamped high", func(r *Record) { r.Relevance = 250 }, 100},
		{"relevance clamped low", func(r *Record) { r.Relevance = -7 }, 0},
		{"retry penalty", func(r *Record) { r.RetryCount = 2 }, -50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := eligibleRecord("r1")
			tc.mutate(&rec)
			assert.Equal(t, Priority{TierOther, tc.want}, s.Score(rec, testNow))
		})
	}
}

func TestLessOrdering(t *testing.T) {
	c := func(id string, tier, score int, created time.Time) Candidate {
		return Candidate{Record: Record{ID: id, CreatedAt: created}, Priority: Priority{Tier: tier, Score: score}}
	}
	old, recent := testNow.Add(-2*time.Hour), testNow.Add(-time.Hour)
	cands := []Candidate{
		c("other", TierOther, 900, recent),
		c("client-low", TierClient, 1000, recent),
		c("client-high", TierClient, 1100, old),
		c("fast-old", TierFastLane, 10000, old),
		c("fast-new", TierFastLane, 10000, recent),
		c("client-low-b", TierClient, 1000, recent),
	}
	sort.Slice(cands, func(i, j int) bool { return Less(cands[i], cands[j]) })

	var ids []string
	for _, c := range cands {
		ids = append(ids, c.Record.ID)
	}
	assert.Equal(t, []string{"fast-new", "fast-old", "client-high", "client-low", "client-low-b", "other"}, ids)
}
