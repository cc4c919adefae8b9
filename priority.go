package staging

import (
	"strings"
	"time"
)

// Priority tiers, lowest value served first.
const (
	TierFastLane = iota
	TierClient
	TierClientPriority
	TierFocusIndustry
	TierOther
)

// Scorer maps a record to its (tier, score). It is immutable after construction.
type Scorer struct {
	cfg      ScoringConfig
	fastLane map[string]struct{}
}

func NewScorer(cfg ScoringConfig) *Scorer {
	s := &Scorer{cfg: cfg, fastLane: make(map[string]struct{}, len(cfg.FastLaneClients))}
	for _, c := range cfg.FastLaneClients {
		if c = normalizeClient(c); c != "" {
			s.fastLane[c] = struct{}{}
		}
	}
	return s
}

func normalizeClient(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// Score computes the priority of rec at now.
func (s *Scorer) Score(rec Record, now time.Time) Priority {
	if s.isFastLane(rec) {
		return Priority{Tier: TierFastLane, Score: s.cfg.FastLaneScore}
	}

	tier, base := TierOther, 0
	switch {
	case hasClient(rec):
		tier, base = TierClient, s.cfg.ClientBase
	case rec.ClientPriority > 0:
		tier, base = TierClientPriority, s.cfg.ClientPriorityBase+rec.ClientPriority*s.cfg.ClientPriorityStep
	case strings.TrimSpace(rec.FocusIndustry) != "":
		tier, base = TierFocusIndustry, s.cfg.FocusIndustryBase
	}
	return Priority{Tier: tier, Score: base + s.secondary(rec, now)}
}

func (s *Scorer) isFastLane(rec Record) bool {
	if len(s.fastLane) == 0 {
		return false
	}
	for _, c := range rec.Clients {
		if _, ok := s.fastLane[normalizeClient(c)]; ok {
			return true
		}
	}
	return false
}

func hasClient(rec Record) bool {
	for _, c := range rec.Clients {
		if strings.TrimSpace(c) != "" {
			return true
		}
	}
	return false
}

func (s *Scorer) secondary(rec Record, now time.Time) int {
	score := 0
	if rec.ClientPriority > 0 {
		score += rec.ClientPriority * s.cfg.SourcePriorityWeight
	}
	if rec.PubTier >= 1 && rec.PubTier <= s.cfg.MaxPubTier {
		score += (s.cfg.MaxPubTier + 1 - rec.PubTier) * s.cfg.PubTierWeight
	}
	if !rec.CreatedAt.IsZero() {
		age := now.Sub(rec.CreatedAt)
		switch {
		case age < s.cfg.FreshWindow:
			score += s.cfg.FreshBonus
		case s.cfg.StaleAfter > 0 && age > s.cfg.StaleAfter:
			score -= s.cfg.StalePenalty
		}
	}
	score += min(max(rec.Relevance, 0), 100) * s.cfg.RelevanceWeight
	score -= rec.RetryCount * s.cfg.RetryPenalty
	return score
}

// Less orders candidates best first: tier ascending, score descending, newest first,
// then id.
func Less(a, b Candidate) bool {
	if a.Priority.Tier != b.Priority.Tier {
		return a.Priority.Tier < b.Priority.Tier
	}
	if a.Priority.Score != b.Priority.Score {
		return a.Priority.Score > b.Priority.Score
	}
	if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
		return a.Record.CreatedAt.After(b.Record.CreatedAt)
	}
	return a.Record.ID < b.Record.ID
}
