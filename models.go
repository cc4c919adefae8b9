package staging

import (
	"strings"
	"time"
)

// TriState models the upstream nullable boolean columns (NULL / FALSE / TRUE).
type TriState int

const (
	Unset TriState = iota
	False
	True
)

// TriStateOf converts a nullable boolean read from a store.
func TriStateOf(b *bool) TriState {
	if b == nil {
		return Unset
	}
	if *b {
		return True
	}
	return False
}

// Ptr returns the nullable boolean form used when writing back to a store.
func (t TriState) Ptr() *bool {
	switch t {
	case True:
		v := true
		return &v
	case False:
		v := false
		return &v
	default:
		return nil
	}
}

// MarshalJSON encodes the tri-state as null, false or true.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, booleans and their quoted forms ("TRUE" included).
func (t *TriState) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(string(b), `"`)) {
	case "true":
		*t = True
	case "false":
		*t = False
	default:
		*t = Unset
	}
	return nil
}

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unset"
	}
}

// DedupeStatus is the upstream deduplication verdict for a record.
type DedupeStatus string

const (
	DedupeOriginal  DedupeStatus = "original"
	DedupeDuplicate DedupeStatus = "duplicate"
)

// ParseDedupeStatus maps raw column text; anything unrecognised counts as duplicate
// so that it never reaches a worker.
func ParseDedupeStatus(raw string) DedupeStatus {
	if strings.EqualFold(strings.TrimSpace(raw), string(DedupeOriginal)) {
		return DedupeOriginal
	}
	return DedupeDuplicate
}

// Suppression is the syndication-suppression verdict for a record.
type Suppression string

const (
	SuppressionNone       Suppression = "none"
	SuppressionSuppressed Suppression = "suppressed"
	SuppressionUnknown    Suppression = "unknown"
	SuppressionCreator    Suppression = "creator"
)

// ParseSuppression maps raw column text. NULL and empty values mean none.
func ParseSuppression(raw string) Suppression {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return SuppressionNone
	case "suppressed":
		return SuppressionSuppressed
	case "creator":
		return SuppressionCreator
	default:
		return SuppressionUnknown
	}
}

// Record is the engine-side snapshot of one staged article. Stores convert their raw
// representation into a Record once; the engine never sees store-specific types.
type Record struct {
	ID string `json:"id"`

	ExtractionPath     int          `json:"extraction_path"`
	PreCheckComplete   bool         `json:"pre_check_complete"`
	ExtractionComplete TriState     `json:"extraction_complete"`
	ExtractionFailed   bool         `json:"extraction_failed"`
	DedupeStatus       DedupeStatus `json:"dedupe_status"`
	Suppression        Suppression  `json:"suppression"`

	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy string     `json:"claimed_by,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	PreCheckCompletedAt *time.Time `json:"pre_check_completed_at,omitempty"`

	Clients        []string `json:"clients,omitempty"`
	ClientPriority int      `json:"client_priority"`
	FocusIndustry  string   `json:"focus_industry,omitempty"`
	PubTier        int      `json:"pub_tier"`
	Relevance      int      `json:"headline_relevance"`
	RetryCount     int      `json:"retry_count"`
	FailureReason  string   `json:"failure_reason,omitempty"`

	PermalinkURL       string `json:"permalink_url,omitempty"`
	SourceURL          string `json:"source_url,omitempty"`
	Title              string `json:"title,omitempty"`
	Publication        string `json:"publication,omitempty"`
	Author             string `json:"author,omitempty"`
	PublishedAt        string `json:"published_at,omitempty"`
	Source             string `json:"source,omitempty"`
	SubscriptionSource string `json:"subscription_source,omitempty"`
	Summary            string `json:"summary,omitempty"`
}

// Claimed reports whether some worker currently holds the record.
func (r Record) Claimed() bool { return r.ClaimedAt != nil }

// Domain is the normalised source domain used for cooldown accounting.
func (r Record) Domain() string {
	if d := DomainOf(r.PermalinkURL); d != "" {
		return d
	}
	return DomainOf(r.SourceURL)
}

// Lease identifies one claim held by one worker. ClaimedAt is optional on input;
// when set it must match the stored claim timestamp exactly.
type Lease struct {
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Claim is the conditional write issued for one candidate.
type Claim struct {
	At    time.Time
	By    string
	Rules EligibilityRules
}

// WindowQuery bounds a candidate fetch. Stores may push the static predicates down
// but the engine re-applies the full filter either way.
type WindowQuery struct {
	Limit          int
	ExtractionPath int
}

// Priority is the scorer output for one record.
type Priority struct {
	Tier  int `json:"tier"`
	Score int `json:"score"`
}

// Candidate pairs an eligible record with its priority.
type Candidate struct {
	Record   Record   `json:"record"`
	Priority Priority `json:"priority"`
}

// Assignment is what a worker receives from RequestNextTask.
type Assignment struct {
	Task        Record      `json:"task"`
	Priority    Priority    `json:"priority"`
	Lease       Lease       `json:"lease"`
	Credentials *Credential `json:"credentials,omitempty"`
}

// Extraction is the worker-submitted content for a completed task.
type Extraction struct {
	Headline       string `json:"headline,omitempty"`
	Author         string `json:"author,omitempty"`
	Body           string `json:"body,omitempty"`
	Publication    string `json:"publication,omitempty"`
	Date           string `json:"date,omitempty"`
	StoryLink      string `json:"story_link,omitempty"`
	Search         string `json:"search,omitempty"`
	Source         string `json:"source,omitempty"`
	ClientPriority *int   `json:"client_priority,omitempty"`
	DurationSec    int    `json:"duration_sec,omitempty"`
}

// Submission is the destination row written on completion.
type Submission struct {
	ID             string    `json:"id"`
	SourceRecordID string    `json:"source_record_id"`
	WorkerID       string    `json:"worker_id"`
	Date           string    `json:"date,omitempty"`
	Publication    string    `json:"publication,omitempty"`
	Author         string    `json:"author,omitempty"`
	Headline       string    `json:"headline,omitempty"`
	Body           string    `json:"body,omitempty"`
	StoryLink      string    `json:"story_link,omitempty"`
	Search         string    `json:"search,omitempty"`
	Source         string    `json:"source,omitempty"`
	ClientPriority int       `json:"client_priority"`
	DurationSec    int       `json:"duration_sec,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// FailOutcome reports the record state after FailTask.
type FailOutcome struct {
	RetryCount int  `json:"retry_count"`
	Terminal   bool `json:"terminal"`
}

// storeTime normalises a timestamp to the precision every backing store keeps.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
