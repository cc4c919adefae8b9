// Package storetest is a conformance suite for staging.RecordStore
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	staging "github.com/therepute/human-staging-portal-redux"
)

// Factory returns a fresh store seeded with recs.
type Factory func(t *testing.T, recs ...staging.Record) staging.RecordStore

// Now is the reference time every seeded record is relative to.
var Now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

var rules = staging.EligibilityRules{ExtractionPath: 2, MinPreCheckAge: 15 * time.Minute, MaxRetries: 3}

// Record returns a record eligible at Now, created age before it.
func Record(id string, age time.Duration) staging.Record {
	pc := Now.Add(-time.Hour)
	return staging.Record{
		ID:                  id,
		ExtractionPath:      2,
		PreCheckComplete:    true,
		DedupeStatus:        staging.DedupeOriginal,
		Suppression:         staging.SuppressionNone,
		CreatedAt:           Now.Add(-age),
		PreCheckCompletedAt: &pc,
		Clients:             []string{"Acme", "Globex"},
		ClientPriority:      2,
		PermalinkURL:        "https://www.example.com/" + id,
		Title:               "Headline " + id,
	}
}

func claim(by string, at time.Time) staging.Claim {
	return staging.Claim{At: at, By: by, Rules: rules}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimIsExclusive(t, newStore) })
	t.Run("ClaimRechecksEligibility", func(t *testing.T) { testClaimRechecksEligibility(t, newStore) })
	t.Run("FetchCandidateWindow", func(t *testing.T) { testFetchCandidateWindow(t, newStore) })
	t.Run("Completion", func(t *testing.T) { testCompletion(t, newStore) })
	t.Run("Failure", func(t *testing.T) { testFailure(t, newStore) })
	t.Run("ClearClaim", func(t *testing.T) { testClearClaim(t, newStore) })
	t.Run("Expiration", func(t *testing.T) { testExpiration(t, newStore) })
	t.Run("ReadRecord", func(t *testing.T) { testReadRecord(t, newStore) })
}

func testClaimIsExclusive(t *testing.T, newStore Factory) {
	s := newStore(t, Record("r1", time.Hour))
	ctx := context.Background()

	ok, err := s.ConditionalClaim(ctx, "r1", claim("w1", Now))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConditionalClaim(ctx, "r1", claim("w2", Now))
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.ReadRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.ClaimedBy)
	require.NotNil(t, rec.ClaimedAt)
	assert.True(t, rec.ClaimedAt.Equal(Now))

	ok, err = s.ConditionalClaim(ctx, "missing", claim("w1", Now))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testClaimRechecksEligibility(t *testing.T, newStore Factory) {
	recent := Record("recent", time.Hour)
	pc := Now.Add(-5 * time.Minute)
	recent.PreCheckCompletedAt = &pc

	exhausted := Record("exhausted", time.Hour)
	exhausted.RetryCount = 3

	dup := Record("dup", time.Hour)
	dup.DedupeStatus = staging.DedupeDuplicate

	done := Record("done", time.Hour)
	done.ExtractionComplete = staging.True

	suppressed := Record("suppressed", time.Hour)
	suppressed.Suppression = staging.SuppressionSuppressed

	otherPath := Record("other-path", time.Hour)
	otherPath.ExtractionPath = 1

	noPreCheckTime := Record("no-pc-time", time.Hour)
	noPreCheckTime.PreCheckCompletedAt = nil

	notDone := Record("not-done", time.Hour)
	notDone.ExtractionComplete = staging.False

	s := newStore(t, recent, exhausted, dup, done, suppressed, otherPath, noPreCheckTime, notDone)
	ctx := context.Background()

	for _, id := range []string{"recent", "exhausted", "dup", "done", "suppressed", "other-path"} {
		ok, err := s.ConditionalClaim(ctx, id, claim("w1", Now))
		require.NoError(t, err, id)
		assert.False(t, ok, id)
	}
	for _, id := range []string{"no-pc-time", "not-done"} {
		ok, err := s.ConditionalClaim(ctx, id, claim("w1", Now))
		require.NoError(t, err, id)
		assert.True(t, ok, id)
	}
}

func testFetchCandidateWindow(t *testing.T, newStore Factory) {
	claimed := Record("claimed", 30*time.Minute)
	at := Now.Add(-time.Minute)
	claimed.ClaimedAt = &at
	claimed.ClaimedBy = "w9"

	done := Record("done", 20*time.Minute)
	done.ExtractionComplete = staging.True

	s := newStore(t,
		Record("old", 3*time.Hour),
		Record("new", time.Hour),
		Record("mid", 2*time.Hour),
		claimed,
		done,
	)
	ctx := context.Background()

	recs, err := s.FetchCandidateWindow(ctx, staging.WindowQuery{Limit: 10, ExtractionPath: 2})
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
	assert.Equal(t, []string{"Acme", "Globex"}, recs[0].Clients)
	assert.Equal(t, 2, recs[0].ClientPriority)
	assert.True(t, recs[0].CreatedAt.Equal(Now.Add(-time.Hour)))

	recs, err = s.FetchCandidateWindow(ctx, staging.WindowQuery{Limit: 2, ExtractionPath: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func testCompletion(t *testing.T, newStore Factory) {
	s := newStore(t, Record("r1", time.Hour))
	ctx := context.Background()

	ok, err := s.ConditionalClaim(ctx, "r1", claim("w1", Now))
	require.NoError(t, err)
	require.True(t, ok)

	sub := staging.Submission{
		ID:             "sub-1",
		SourceRecordID: "r1",
		WorkerID:       "w1",
		Headline:       "Headline r1",
		Body:           "text",
		ClientPriority: 2,
		CompletedAt:    Now.Add(time.Minute),
	}

	ok, err = s.WriteCompletion(ctx, staging.Lease{TaskID: "r1", WorkerID: "w2", ClaimedAt: Now}, sub)
	require.NoError(t, err)
	assert.False(t, ok, "wrong worker")

	ok, err = s.WriteCompletion(ctx, staging.Lease{TaskID: "r1", WorkerID: "w1", ClaimedAt: Now.Add(time.Second)}, sub)
	require.NoError(t, err)
	assert.False(t, ok, "stale claim timestamp")

	ok, err = s.WriteCompletion(ctx, staging.Lease{TaskID: "r1", WorkerID: "w1", ClaimedAt: Now}, sub)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.ReadRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, staging.True, rec.ExtractionComplete)
	assert.Nil(t, rec.ClaimedAt)
	assert.Empty(t, rec.ClaimedBy)

	sub.ID = "sub-2"
	ok, err = s.WriteCompletion(ctx, staging.Lease{TaskID: "r1", WorkerID: "w1"}, sub)
	require.NoError(t, err)
	assert.False(t, ok, "already complete")
}

func testFailure(t *testing.T, newStore Factory) {
	s := newStore(t, Record("r1", time.Hour))
	ctx := context.Background()
	lease := staging.Lease{TaskID: "r1", WorkerID: "w1", ClaimedAt: Now}

	ok, err := s.ConditionalClaim(ctx, "r1", claim("w1", Now))
	require.NoError(t, err)
	require.True(t, ok)

	rec, ok, err := s.WriteFailure(ctx, lease, "paywall", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "paywall", rec.FailureReason)
	assert.NotEqual(t, staging.True, rec.ExtractionComplete)
	assert.False(t, rec.ExtractionFailed)
	assert.Nil(t, rec.ClaimedAt)

	_, ok, err = s.WriteFailure(ctx, lease, "again", 2)
	require.NoError(t, err)
	assert.False(t, ok, "claim already cleared")

	ok, err = s.ConditionalClaim(ctx, "r1", claim("w2", Now))
	require.NoError(t, err)
	require.True(t, ok)

	rec, ok, err = s.WriteFailure(ctx, staging.Lease{TaskID: "r1", WorkerID: "w2", ClaimedAt: Now}, "timeout", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, staging.True, rec.ExtractionComplete)
	assert.True(t, rec.ExtractionFailed)
	assert.Equal(t, "timeout", rec.FailureReason)
}

func testClearClaim(t *testing.T, newStore Factory) {
	s := newStore(t, Record("r1", time.Hour))
	ctx := context.Background()

	ok, err := s.ConditionalClaim(ctx, "r1", claim("w1", Now))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClearClaim(ctx, staging.Lease{TaskID: "r1", WorkerID: "w2"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClearClaim(ctx, staging.Lease{TaskID: "r1", WorkerID: "w1", ClaimedAt: Now})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.ReadRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, rec.ClaimedAt)
	assert.Equal(t, 0, rec.RetryCount)
	assert.NotEqual(t, staging.True, rec.ExtractionComplete)
}

func testExpiration(t *testing.T, newStore Factory) {
	s := newStore(t, Record("r1", time.Hour), Record("r2", time.Hour))
	ctx := context.Background()
	early := Now.Add(-20 * time.Minute)

	ok, err := s.ConditionalClaim(ctx, "r1", claim("w1", early))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ConditionalClaim(ctx, "r2", claim("w2", Now))
	require.NoError(t, err)
	require.True(t, ok)

	recs, err := s.ExpiredClaims(ctx, early.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = s.ExpiredClaims(ctx, early)
	require.NoError(t, err)
	require.Len(t, recs, 1, "cutoff is inclusive")
	assert.Equal(t, "r1", recs[0].ID)

	released, err := s.ReleaseExpired(ctx, Now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "r1", released[0].ID)
	assert.Equal(t, "w1", released[0].ClaimedBy, "released records are returned as they were")

	released, err = s.ReleaseExpired(ctx, Now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, released)

	rec, err := s.ReadRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, rec.ClaimedAt)
	rec, err = s.ReadRecord(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "w2", rec.ClaimedBy)
}

func testReadRecord(t *testing.T, newStore Factory) {
	s := newStore(t, Record("r1", time.Hour))
	ctx := context.Background()

	_, err := s.ReadRecord(ctx, "missing")
	assert.ErrorIs(t, err, staging.ErrNotFound)

	rec, err := s.ReadRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "https://www.example.com/r1", rec.PermalinkURL)
	assert.Equal(t, "example.com", rec.Domain())
	require.NotNil(t, rec.PreCheckCompletedAt)
	assert.True(t, rec.PreCheckCompletedAt.Equal(Now.Add(-time.Hour)))
	assert.NoError(t, s.Ping(ctx))
}

// Corrupter damages the stored form of record id so the store can no longer decode it.
type Corrupter func(t *testing.T, s staging.RecordStore, id string)

// RunMalformed checks that one undecodable record never hides the rest of the window.
func RunMalformed(t *testing.T, newStore Factory, corrupt Corrupter) {
	s := newStore(t, Record("good", time.Hour), Record("bad", 2*time.Hour))
	corrupt(t, s, "bad")
	ctx := context.Background()

	recs, err := s.FetchCandidateWindow(ctx, staging.WindowQuery{Limit: 10, ExtractionPath: 2})
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"good"}, ids)

	ok, err := s.ConditionalClaim(ctx, "good", claim("w1", Now))
	require.NoError(t, err)
	assert.True(t, ok)
}
