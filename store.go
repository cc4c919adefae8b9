package staging

import (
	"context"
	"time"
)

// RecordStore is the durable queue. Every mutating method is a single conditional
// write: it applies only if the record is still in the state the caller expects and
// reports whether it did. Any error returned is a backing-store failure.
type RecordStore interface {
	// FetchCandidateWindow returns up to q.Limit records, newest first. Stores may
	// pre-filter on the static eligibility predicates.
	FetchCandidateWindow(ctx context.Context, q WindowQuery) ([]Record, error)

	// ConditionalClaim stamps the record with c.At/c.By only if it is still eligible
	// under c.Rules at c.At.
	ConditionalClaim(ctx context.Context, id string, c Claim) (bool, error)

	// ReadRecord returns ErrNotFound for an unknown id.
	ReadRecord(ctx context.Context, id string) (Record, error)

	// ExpiredClaims lists records claimed at or before cutoff without modifying them.
	ExpiredClaims(ctx context.Context, cutoff time.Time) ([]Record, error)

	// ReleaseExpired clears every claim made at or before cutoff and returns the
	// records it released, as they were before the release.
	ReleaseExpired(ctx context.Context, cutoff time.Time) ([]Record, error)

	// WriteCompletion stores s and marks the leased record extraction-complete with
	// its claim cleared, atomically.
	WriteCompletion(ctx context.Context, l Lease, s Submission) (bool, error)

	// WriteFailure increments the retry count, records reason and clears the claim.
	// When the new count reaches terminalAt (> 0) the record is marked complete and
	// failed. It returns the record after the write.
	WriteFailure(ctx context.Context, l Lease, reason string, terminalAt int) (Record, bool, error)

	// ClearClaim drops the lease without other changes.
	ClearClaim(ctx context.Context, l Lease) (bool, error)

	Ping(ctx context.Context) error
}

// HoldsLease reports whether rec is currently claimed under l. A zero
// l.ClaimedAt matches any claim held by l.WorkerID.
func HoldsLease(rec Record, l Lease) bool {
	if rec.ClaimedAt == nil || rec.ClaimedBy != l.WorkerID {
		return false
	}
	return l.ClaimedAt.IsZero() || rec.ClaimedAt.Equal(storeTime(l.ClaimedAt))
}

// Validate checks the lease carries a task and a worker.
func (l Lease) Validate() error {
	if l.TaskID == "" || l.WorkerID == "" {
		return ErrInvalidLease
	}
	return nil
}
