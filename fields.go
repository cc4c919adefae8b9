package staging

// Extraction form fields.
const (
	FieldDate        = "date"
	FieldPublication = "publication"
	FieldAuthor      = "author"
	FieldHeadline    = "headline"
	FieldBody        = "body"
	FieldStoryLink   = "story_link"
)

// FieldAnalysis tells the worker UI which fields it must collect and which are
// already known from the record.
type FieldAnalysis struct {
	TaskID    string            `json:"task_id"`
	Required  []string          `json:"required_fields"`
	Prefilled map[string]string `json:"pre_filled_fields"`
	Sources   map[string]string `json:"field_sources"`
}

func AnalyzeFields(rec Record) FieldAnalysis {
	fa := FieldAnalysis{
		TaskID:    rec.ID,
		Required:  []string{},
		Prefilled: map[string]string{},
		Sources:   map[string]string{},
	}
	prefill := func(field, value, source string, required bool) {
		switch {
		case value != "":
			fa.Prefilled[field] = value
			fa.Sources[field] = source
		case required:
			fa.Required = append(fa.Required, field)
			fa.Sources[field] = "worker_required"
		}
	}

	prefill(FieldDate, datePart(rec.PublishedAt), "record.published_at", true)
	prefill(FieldPublication, rec.Publication, "record.publication", false)
	prefill(FieldAuthor, rec.Author, "record.author", true)
	prefill(FieldHeadline, rec.Title, "record.title", true)

	fa.Required = append(fa.Required, FieldBody)
	fa.Sources[FieldBody] = "worker_always_required"

	prefill(FieldStoryLink, rec.PermalinkURL, "record.permalink_url", false)
	return fa
}
