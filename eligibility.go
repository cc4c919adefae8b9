package staging

import (
	"strings"
	"time"
)

// EligibilityRules decides whether a record snapshot may be handed to a worker.
// The zero MaxRetries disables the retry gate.
type EligibilityRules struct {
	ExtractionPath int
	MinPreCheckAge time.Duration
	MaxRetries     int
}

// Eligible reports whether rec may be claimed at now.
func (r EligibilityRules) Eligible(rec Record, now time.Time) bool {
	return r.Reason(rec, now) == ""
}

// Reason returns the first failed predicate, or "" when rec is eligible.
func (r EligibilityRules) Reason(rec Record, now time.Time) string {
	switch {
	case rec.ExtractionPath != r.ExtractionPath:
		return "extraction_path"
	case rec.DedupeStatus != DedupeOriginal:
		return "duplicate"
	case !rec.PreCheckComplete:
		return "pre_check_incomplete"
	case rec.Suppression == SuppressionSuppressed:
		return "suppressed"
	case rec.ExtractionComplete == True:
		return "extraction_complete"
	case rec.Claimed():
		return "claimed"
	case r.MaxRetries > 0 && rec.RetryCount >= r.MaxRetries:
		return "retries_exhausted"
	case !r.preCheckAged(rec, now):
		return "pre_check_too_recent"
	}
	return ""
}

// PreCheckCutoff is the latest pre-check completion time that is old enough at now.
func (r EligibilityRules) PreCheckCutoff(now time.Time) time.Time {
	return now.Add(-r.MinPreCheckAge)
}

// A missing or unparseable pre-check timestamp counts as aged.
func (r EligibilityRules) preCheckAged(rec Record, now time.Time) bool {
	if rec.PreCheckCompletedAt == nil {
		return true
	}
	return !rec.PreCheckCompletedAt.After(r.PreCheckCutoff(now))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp converts an upstream text timestamp. It returns nil when raw is
// empty or matches no known layout; layouts without a zone are read as UTC.
func ParseTimestamp(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = storeTime(t)
			return &t
		}
	}
	return nil
}
