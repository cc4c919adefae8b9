package sqlstore

import "fmt"

// SchemaSQL returns the DDL for the tables the store expects. The production schema
// is owned upstream; this documents the columns read and written here and builds
// test databases.
func SchemaSQL(d Dialect, t Tables) []string {
	var (
		text        = "TEXT"
		key         = "TEXT"
		ts          = "TIMESTAMP"
		boolean     = "BOOLEAN"
		integer     = "INTEGER"
		ifNotExists = "IF NOT EXISTS "
	)
	switch d {
	case MySQL:
		key = "VARCHAR(64)"
		ts = "DATETIME(6)"
		ifNotExists = ""
	case Postgres:
		ts = "TIMESTAMPTZ"
	}

	records := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s PRIMARY KEY,
	extraction_path %s NOT NULL DEFAULT 0,
	pre_check_complete %s NOT NULL DEFAULT FALSE,
	extraction_complete %s NULL,
	extraction_failed %s NOT NULL DEFAULT FALSE,
	dedupe_status %s NULL,
	suppression %s NULL,
	claimed_at %s NULL,
	claimed_by %s NULL,
	created_at %s NOT NULL,
	pre_check_completed_at %s NULL,
	clients %s NULL,
	client_priority %s NOT NULL DEFAULT 0,
	focus_industry %s NULL,
	pub_tier %s NOT NULL DEFAULT 0,
	headline_relevance %s NOT NULL DEFAULT 0,
	retry_count %s NOT NULL DEFAULT 0,
	failure_reason %s NULL,
	permalink_url %s NULL,
	source_url %s NULL,
	title %s NULL,
	publication %s NULL,
	author %s NULL,
	published_at %s NULL,
	source %s NULL,
	subscription_source %s NULL,
	summary %s NULL
)`, t.Records, key, integer, boolean, boolean, boolean, text, text, ts, text, ts, ts,
		text, integer, text, integer, integer, integer, text,
		text, text, text, text, text, text, text, text, text)

	submissions := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s PRIMARY KEY,
	source_record_id %s NOT NULL,
	worker_id %s NOT NULL,
	article_date %s NULL,
	publication %s NULL,
	author %s NULL,
	headline %s NULL,
	body %s NULL,
	story_link %s NULL,
	search_term %s NULL,
	source %s NULL,
	client_priority %s NOT NULL DEFAULT 0,
	duration_sec %s NOT NULL DEFAULT 0,
	completed_at %s NOT NULL
)`, t.Submissions, key, key, text, text, text, text, text, text, text, text, text, integer, integer, ts)

	// MySQL has no CREATE INDEX IF NOT EXISTS.
	return []string{
		records,
		submissions,
		fmt.Sprintf("CREATE INDEX %s%s_created_idx ON %s (created_at)", ifNotExists, t.Records, t.Records),
		fmt.Sprintf("CREATE INDEX %s%s_claimed_idx ON %s (claimed_at)", ifNotExists, t.Records, t.Records),
		fmt.Sprintf("CREATE INDEX %s%s_record_idx ON %s (source_record_id)", ifNotExists, t.Submissions, t.Submissions),
	}
}
