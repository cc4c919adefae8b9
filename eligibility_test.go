package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func eligibleRecord(id string) Record {
	pc := testNow.Add(-time.Hour)
	return Record{
		ID:                  id,
		ExtractionPath:      2,
		PreCheckComplete:    true,
		DedupeStatus:        DedupeOriginal,
		Suppression:         SuppressionNone,
		CreatedAt:           testNow.Add(-5 * time.Hour),
		PreCheckCompletedAt: &pc,
	}
}

func at(t time.Time) *time.Time { return &t }

func TestEligibilityReason(t *testing.T) {
	rules := EligibilityRules{ExtractionPath: 2, MinPreCheckAge: 15 * time.Minute, MaxRetries: 3}

	tests := []struct {
		name   string
		mutate func(*Record)
		want   string
	}{
		{"eligible", func(*Record) {}, ""},
		{"wrong path", func(r *Record) { r.ExtractionPath = 1 }, "extraction_path"},
		{"duplicate", func(r *Record) { r.DedupeStatus = DedupeDuplicate }, "duplicate"},
		{"pre-check incomplete", func(r *Record) { r.PreCheckComplete = false }, "pre_check_incomplete"},
		{"suppressed", func(r *Record) { r.Suppression = SuppressionSuppressed }, "suppressed"},
		{"unknown suppression", func(r *Record) { r.Suppression = SuppressionUnknown }, ""},
		{"creator suppression", func(r *Record) { r.Suppression = SuppressionCreator }, ""},
		{"complete", func(r *Record) { r.ExtractionComplete = True }, "extraction_complete"},
		{"complete false", func(r *Record) { r.ExtractionComplete = False }, ""},
		{"complete unset", func(r *Record) { r.ExtractionComplete = Unset }, ""},
		{"claimed", func(r *Record) { r.ClaimedAt = at(testNow.Add(-time.Minute)); r.ClaimedBy = "w1" }, "claimed"},
		{"retries below max", func(r *Record) { r.RetryCount = 2 }, ""},
		{"retries exhausted", func(r *Record) { r.RetryCount = 3 }, "retries_exhausted"},
		{"pre-check five minutes ago", func(r *Record) { r.PreCheckCompletedAt = at(testNow.Add(-5 * time.Minute)) }, "pre_check_too_recent"},
		{"pre-check at cutoff", func(r *Record) { r.PreCheckCompletedAt = at(testNow.Add(-15 * time.Minute)) }, ""},
		{"pre-check timestamp missing", func(r *Record) { r.PreCheckCompletedAt = nil }, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := eligibleRecord("r1")
			tc.mutate(&rec)
			assert.Equal(t, tc.want, rules.Reason(rec, testNow))
			assert.Equal(t, tc.want == "", rules.Eligible(rec, testNow))
		})
	}
}

func TestEligibilityZeroMaxRetriesDisablesGate(t *testing.T) {
	rules := EligibilityRules{ExtractionPath: 2}
	rec := eligibleRecord("r1")
	rec.RetryCount = 10
	assert.True(t, rules.Eligible(rec, testNow))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	for _, raw := range []string{
		"2025-03-10T09:30:00Z",
		"2025-03-10T11:30:00+02:00",
		"2025-03-10 09:30:00",
		"2025-03-10 09:30:00+00:00",
		"2025-03-10T09:30:00",
		" 2025-03-10 09:30:00.000000 ",
	} {
		got := ParseTimestamp(raw)
		require.NotNil(t, got, raw)
		assert.True(t, want.Equal(*got), "%s parsed as %v", raw, got)
		assert.Equal(t, time.UTC, got.Location(), raw)
	}

	assert.Nil(t, ParseTimestamp(""))
	assert.Nil(t, ParseTimestamp("yesterday"))
	assert.Nil(t, ParseTimestamp("10/03/2025"))
}
