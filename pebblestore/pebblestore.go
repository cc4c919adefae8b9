// Package pebblestore is a single-node staging.RecordStore on an embedded Pebble
// database. Records and submissions are stored as JSON; conditional writes are
// serialised by a process-wide mutex, so one process must own the data directory.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	staging "github.com/therepute/human-staging-portal-redux"
)

var (
	recordPrefix     = []byte("rec/")
	submissionPrefix = []byte("sub/")
)

// Options configures the Pebble store.
type Options struct {
	// Dir is the path to the Pebble database directory.
	Dir string
	// FS overrides the filesystem; vfs.NewMem() gives an in-memory store.
	FS vfs.FS
	// Sync forces a WAL fsync on each committed write.
	Sync bool
}

type Store struct {
	db       *pebble.DB
	write    *pebble.WriteOptions
	mu       sync.Mutex
	errorLog func(staging.LogEvent)
}

func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("pebblestore: Options.Dir is required")
	}
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", opts.Dir, err)
	}
	w := pebble.NoSync
	if opts.Sync {
		w = pebble.Sync
	}
	return &Store{db: db, write: w}, nil
}

// SetErrorLog installs the hook that receives records skipped during a scan.
func (s *Store) SetErrorLog(fn func(staging.LogEvent)) { s.errorLog = fn }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func recordKey(id string) []byte {
	return append(append([]byte(nil), recordPrefix...), id...)
}

func submissionKey(recordID, id string) []byte {
	k := append(append([]byte(nil), submissionPrefix...), recordID...)
	k = append(k, '/')
	return append(k, id...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) get(id string) (staging.Record, error) {
	val, closer, err := s.db.Get(recordKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return staging.Record{}, staging.ErrNotFound
	}
	if err != nil {
		return staging.Record{}, err
	}
	defer closer.Close()

	var rec staging.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return staging.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) put(b *pebble.Batch, rec staging.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return b.Set(recordKey(rec.ID), val, nil)
}

func (s *Store) commit(fn func(b *pebble.Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return b.Commit(s.write)
}

// Put inserts or replaces a record. Upstream pipelines own record creation; this
// exists for seeding and tests.
func (s *Store) Put(ctx context.Context, rec staging.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(func(b *pebble.Batch) error { return s.put(b, rec) })
}

// scan decodes every record matching keep. Records that fail to decode are skipped
// and reported.
func (s *Store) scan(keep func(staging.Record) bool) ([]staging.Record, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: recordPrefix, UpperBound: prefixEnd(recordPrefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []staging.Record
	for it.First(); it.Valid(); it.Next() {
		var rec staging.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			if s.errorLog != nil {
				id := string(bytes.TrimPrefix(it.Key(), recordPrefix))
				s.errorLog(staging.LogEvent{Message: "skipping malformed record", TaskID: id, Err: err})
			}
			continue
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, it.Error()
}

func (s *Store) FetchCandidateWindow(ctx context.Context, q staging.WindowQuery) ([]staging.Record, error) {
	out, err := s.scan(func(r staging.Record) bool {
		return r.ExtractionPath == q.ExtractionPath &&
			r.DedupeStatus == staging.DedupeOriginal &&
			r.PreCheckComplete &&
			r.Suppression != staging.SuppressionSuppressed &&
			r.ExtractionComplete != staging.True &&
			!r.Claimed()
	})
	if err != nil {
		return nil, err
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

	rec, err := s.get(id)
	if errors.Is(err, staging.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !c.Rules.Eligible(rec, c.At) {
		return false, nil
	}
	at := c.At.UTC()
	rec.ClaimedAt = &at
	rec.ClaimedBy = c.By
	if err := s.commit(func(b *pebble.Batch) error { return s.put(b, rec) }); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ReadRecord(ctx context.Context, id string) (staging.Record, error) {
	return s.get(id)
}

func isExpired(cutoff time.Time) func(staging.Record) bool {
	return func(r staging.Record) bool {
		return r.ClaimedAt != nil && !r.ClaimedAt.After(cutoff) && r.ExtractionComplete != staging.True
	}
}

func (s *Store) ExpiredClaims(ctx context.Context, cutoff time.Time) ([]staging.Record, error) {
	return s.scan(isExpired(cutoff))
}

func (s *Store) ReleaseExpired(ctx context.Context, cutoff time.Time) ([]staging.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.scan(isExpired(cutoff))
	if err != nil || len(expired) == 0 {
		return nil, err
	}
	err = s.commit(func(b *pebble.Batch) error {
		for _, rec := range expired {
			rec.ClaimedAt = nil
			rec.ClaimedBy = ""
			if err := s.put(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// held loads the record if l is its live claim. Callers hold s.mu.
func (s *Store) held(l staging.Lease) (staging.Record, bool, error) {
	rec, err := s.get(l.TaskID)
	if errors.Is(err, staging.ErrNotFound) {
		return staging.Record{}, false, nil
	}
	if err != nil {
		return staging.Record{}, false, err
	}
	if rec.ExtractionComplete == staging.True || !staging.HoldsLease(rec, l) {
		return staging.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) WriteCompletion(ctx context.Context, l staging.Lease, sub staging.Submission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.held(l)
	if err != nil || !ok {
		return false, err
	}
	rec.ExtractionComplete = staging.True
	rec.ClaimedAt = nil
	rec.ClaimedBy = ""

	subVal, err := json.Marshal(sub)
	if err != nil {
		return false, fmt.Errorf("encode submission: %w", err)
	}
	err = s.commit(func(b *pebble.Batch) error {
		if err := s.put(b, rec); err != nil {
			return err
		}
		return b.Set(submissionKey(rec.ID, sub.ID), subVal, nil)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) WriteFailure(ctx context.Context, l staging.Lease, reason string, terminalAt int) (staging.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.held(l)
	if err != nil || !ok {
		return staging.Record{}, false, err
	}
	rec.RetryCount++
	rec.FailureReason = reason
	rec.ClaimedAt = nil
	rec.ClaimedBy = ""
	if terminalAt > 0 && rec.RetryCount >= terminalAt {
		rec.ExtractionComplete = staging.True
		rec.ExtractionFailed = true
	}
	if err := s.commit(func(b *pebble.Batch) error { return s.put(b, rec) }); err != nil {
		return staging.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ClearClaim(ctx context.Context, l staging.Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.held(l)
	if err != nil || !ok {
		return false, err
	}
	rec.ClaimedAt = nil
	rec.ClaimedBy = ""
	if err := s.commit(func(b *pebble.Batch) error { return s.put(b, rec) }); err != nil {
		return false, err
	}
	return true, nil
}

// Submissions lists completions written for one source record.
func (s *Store) Submissions(ctx context.Context, recordID string) ([]staging.Submission, error) {
	prefix := submissionKey(recordID, "")
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []staging.Submission
	for it.First(); it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		var sub staging.Submission
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

// Ping verifies the database is open and readable.
func (s *Store) Ping(ctx context.Context) error {
	_, closer, err := s.db.Get([]byte("ping"))
	if err == nil {
		return closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}
