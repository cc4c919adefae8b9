package staging

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// dateNotAvailable is the worker's explicit "no date on the page" answer.
const dateNotAvailable = "Not Available"

// BuildSubmission maps a worker extraction onto the destination row. Worker values win
// over the record's own metadata except for the carried-over link and search fields;
// the body always comes from the worker.
func BuildSubmission(rec Record, workerID string, ex Extraction, now time.Time) Submission {
	s := Submission{
		ID:             uuid.NewString(),
		SourceRecordID: rec.ID,
		WorkerID:       workerID,
		Date:           submissionDate(rec, ex.Date),
		Publication:    firstNonEmpty(ex.Publication, rec.Publication),
		Author:         firstNonEmpty(ex.Author, rec.Author),
		Headline:       firstNonEmpty(ex.Headline, rec.Title),
		Body:           ex.Body,
		StoryLink:      firstNonEmpty(rec.PermalinkURL, ex.StoryLink),
		Search:         firstNonEmpty(rec.SubscriptionSource, ex.Search),
		Source:         firstNonEmpty(rec.Source, ex.Source),
		ClientPriority: rec.ClientPriority,
		DurationSec:    max(ex.DurationSec, 0),
		CompletedAt:    storeTime(now),
	}
	if ex.ClientPriority != nil && rec.ClientPriority == 0 {
		s.ClientPriority = *ex.ClientPriority
	}
	return s
}

func submissionDate(rec Record, date string) string {
	date = strings.TrimSpace(date)
	switch {
	case strings.EqualFold(date, dateNotAvailable):
		return ""
	case date != "":
		return date
	}
	return datePart(rec.PublishedAt)
}

// datePart returns the calendar date of an upstream timestamp string.
func datePart(ts string) string {
	ts = strings.TrimSpace(ts)
	if i := strings.IndexAny(ts, "T "); i >= 0 {
		return ts[:i]
	}
	return ts
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
