package staging

import (
	"context"
	"fmt"
	"time"
)

// ClaimManager turns a ranked candidate list into at most one claimed record.
type ClaimManager struct {
	cfg      *Config
	store    RecordStore
	throttle DispatchThrottle
	rules    EligibilityRules
	now      func() time.Time
}

func NewClaimManager(cfg *Config, store RecordStore, throttle DispatchThrottle) *ClaimManager {
	return &ClaimManager{
		cfg:      cfg,
		store:    store,
		throttle: throttle,
		rules:    cfg.Rules(),
		now:      time.Now,
	}
}

// Claim walks candidates in order and returns the first record it manages to claim
// for workerID. It returns (nil, nil) when every candidate was throttled or lost to
// another worker. Store failures abort the walk.
func (m *ClaimManager) Claim(ctx context.Context, workerID string, candidates []Candidate) (*Record, error) {
	throttled, lost := 0, 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		domain := c.Record.Domain()
		if !m.throttle.MayDispatch(domain) {
			throttled++
			continue
		}

		at := storeTime(m.now())
		ok, err := m.store.ConditionalClaim(ctx, c.Record.ID, Claim{At: at, By: workerID, Rules: m.rules})
		if err != nil {
			return nil, storeErr("claim", err)
		}
		if !ok {
			lost++
			continue
		}

		rec, err := m.store.ReadRecord(ctx, c.Record.ID)
		if err != nil {
			return nil, storeErr("read back", fmt.Errorf("task %s: %w", c.Record.ID, err))
		}
		if rec.ClaimedAt == nil || !rec.ClaimedAt.Equal(at) || rec.ClaimedBy != workerID {
			lost++
			continue
		}

		m.throttle.RecordDispatch(domain)
		return &rec, nil
	}

	if len(candidates) > 0 {
		m.cfg.logInfo(LogEvent{
			Message:  fmt.Sprintf("No claimable task among %d candidates (%d throttled, %d contended)", len(candidates), throttled, lost),
			WorkerID: workerID,
			Count:    len(candidates),
		})
	}
	return nil, nil
}
