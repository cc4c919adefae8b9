// Package memstore is an in-process staging.RecordStore guarded by one mutex.
// It is the reference implementation of the store contract.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	staging "github.com/therepute/human-staging-portal-redux"
)

type Store struct {
	mu          sync.Mutex
	records     map[string]staging.Record
	submissions []staging.Submission

	// returned by the next store call, then cleared
	failNext error
}

func New(records ...staging.Record) *Store {
	s := &Store{records: make(map[string]staging.Record, len(records))}
	for _, r := range records {
		s.records[r.ID] = clone(r)
	}
	return s
}

// Put inserts or replaces a record.
func (s *Store) Put(r staging.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = clone(r)
}

// Submissions returns a copy of every completion written so far.
func (s *Store) Submissions() []staging.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.submissions)
}

// FailNext makes the next store call return err.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) injected() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func clone(r staging.Record) staging.Record {
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		r.ClaimedAt = &t
	}
	if r.PreCheckCompletedAt != nil {
		t := *r.PreCheckCompletedAt
		r.PreCheckCompletedAt = &t
	}
	r.Clients = slices.Clone(r.Clients)
	return r
}

func (s *Store) FetchCandidateWindow(ctx context.Context, q staging.WindowQuery) ([]staging.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}

	out := make([]staging.Record, 0, len(s.records))
	for _, r := range s.records {
		if q.ExtractionPath != 0 && r.ExtractionPath != q.ExtractionPath {
			continue
		}
		if r.DedupeStatus != staging.DedupeOriginal || !r.PreCheckComplete ||
			r.Suppression == staging.SuppressionSuppressed ||
			r.ExtractionComplete == staging.True || r.Claimed() {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) ConditionalClaim(ctx context.Context, id string, c staging.Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return false, err
	}

	r, ok := s.records[id]
	if !ok || !c.Rules.Eligible(r, c.At) {
		return false, nil
	}
	at := c.At
	r.ClaimedAt = &at
	r.ClaimedBy = c.By
	s.records[id] = r
	return true, nil
}

func (s *Store) ReadRecord(ctx context.Context, id string) (staging.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return staging.Record{}, err
	}

	r, ok := s.records[id]
	if !ok {
		return staging.Record{}, staging.ErrNotFound
	}
	return clone(r), nil
}

func expired(r staging.Record, cutoff time.Time) bool {
	return r.ClaimedAt != nil && !r.ClaimedAt.After(cutoff) && r.ExtractionComplete != staging.True
}

func (s *Store) ExpiredClaims(ctx context.Context, cutoff time.Time) ([]staging.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}

	var out []staging.Record
	for _, r := range s.records {
		if expired(r, cutoff) {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (s *Store) ReleaseExpired(ctx context.Context, cutoff time.Time) ([]staging.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}

	var out []staging.Record
	for id, r := range s.records {
		if !expired(r, cutoff) {
			continue
		}
		out = append(out, clone(r))
		r.ClaimedAt = nil
		r.ClaimedBy = ""
		s.records[id] = r
	}
	return out, nil
}

// holds reports whether l is the live claim on an unfinished record.
func (s *Store) holds(l staging.Lease) (staging.Record, bool) {
	r, ok := s.records[l.TaskID]
	if !ok || r.ExtractionComplete == staging.True || !staging.HoldsLease(r, l) {
		return staging.Record{}, false
	}
	return r, true
}

func (s *Store) WriteCompletion(ctx context.Context, l staging.Lease, sub staging.Submission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return false, err
	}

	r, ok := s.holds(l)
	if !ok {
		return false, nil
	}
	s.submissions = append(s.submissions, sub)
	r.ExtractionComplete = staging.True
	r.ClaimedAt = nil
	r.ClaimedBy = ""
	s.records[r.ID] = r
	return true, nil
}

func (s *Store) WriteFailure(ctx context.Context, l staging.Lease, reason string, terminalAt int) (staging.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return staging.Record{}, false, err
	}

	r, ok := s.holds(l)
	if !ok {
		return staging.Record{}, false, nil
	}
	r.RetryCount++
	r.FailureReason = reason
	r.ClaimedAt = nil
	r.ClaimedBy = ""
	if terminalAt > 0 && r.RetryCount >= terminalAt {
		r.ExtractionComplete = staging.True
		r.ExtractionFailed = true
	}
	s.records[r.ID] = r
	return clone(r), true, nil
}

func (s *Store) ClearClaim(ctx context.Context, l staging.Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return false, err
	}

	r, ok := s.holds(l)
	if !ok {
		return false, nil
	}
	r.ClaimedAt = nil
	r.ClaimedBy = ""
	s.records[r.ID] = r
	return true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected()
}
