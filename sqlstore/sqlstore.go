// Package sqlstore implements staging.RecordStore on database/sql. Every state
// transition is one conditional UPDATE so that concurrent engines sharing the
// database never hand the same record to two workers.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	staging "github.com/therepute/human-staging-portal-redux"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported sql driver %q", driver)
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return string(d)
}

// Tables names the two tables the store reads and writes.
type Tables struct {
	Records     string
	Submissions string
}

var DefaultTables = Tables{Records: "staged_records", Submissions: "extraction_submissions"}

type Store struct {
	db       *sql.DB
	dialect  Dialect
	tables   Tables
	errorLog func(staging.LogEvent)
}

// Open connects to dsn with the given driver and pings it.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if d == MySQL {
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}
	if d == SQLite && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000"
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	s := New(db, d, DefaultTables)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	return s, nil
}

// mysqlDSN forces DATETIME columns to scan as time.Time in UTC.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// New wraps an existing pool. The caller keeps ownership of the schema.
func New(db *sql.DB, d Dialect, t Tables) *Store {
	return &Store{db: db, dialect: d, tables: t}
}

// SetErrorLog installs the hook that receives rows skipped during a scan.
func (s *Store) SetErrorLog(fn func(staging.LogEvent)) { s.errorLog = fn }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateSchema executes SchemaSQL for the store's dialect.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range SchemaSQL(s.dialect, s.tables) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordColumns = `id, extraction_path, pre_check_complete, extraction_complete, extraction_failed,
	dedupe_status, suppression, claimed_at, claimed_by, created_at, pre_check_completed_at,
	clients, client_priority, focus_industry, pub_tier, headline_relevance, retry_count, failure_reason,
	permalink_url, source_url, title, publication, author, published_at, source, subscription_source, summary`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (staging.Record, error) {
	var (
		rec                                     staging.Record
		preCheck, failed                        sql.NullBool
		complete                                sql.NullBool
		dedupe, suppression, claimedBy, clients sql.NullString
		focus, reason                           sql.NullString
		permalink, sourceURL, title, pub        sql.NullString
		author, publishedAt, source, subSource  sql.NullString
		summary                                 sql.NullString
		claimedAt, createdAt, preCheckAt        lenientTime
		path, clientPriority, pubTier           lenientInt
		relevance, retries                      lenientInt
	)
	err := row.Scan(
		&rec.ID, &path, &preCheck, &complete, &failed,
		&dedupe, &suppression, &claimedAt, &claimedBy, &createdAt, &preCheckAt,
		&clients, &clientPriority, &focus, &pubTier, &relevance, &retries, &reason,
		&permalink, &sourceURL, &title, &pub, &author, &publishedAt, &source, &subSource, &summary,
	)
	if err != nil {
		return staging.Record{ID: rec.ID}, err
	}

	rec.ExtractionPath = path.v
	rec.PreCheckComplete = preCheck.Valid && preCheck.Bool
	if complete.Valid {
		rec.ExtractionComplete = staging.TriStateOf(&complete.Bool)
	}
	rec.ExtractionFailed = failed.Valid && failed.Bool
	rec.DedupeStatus = staging.ParseDedupeStatus(dedupe.String)
	rec.Suppression = staging.ParseSuppression(suppression.String)
	rec.ClaimedAt = claimedAt.t
	rec.ClaimedBy = claimedBy.String
	if createdAt.t != nil {
		rec.CreatedAt = *createdAt.t
	}
	rec.PreCheckCompletedAt = preCheckAt.t
	rec.Clients = splitClients(clients.String)
	rec.ClientPriority = clientPriority.v
	rec.FocusIndustry = focus.String
	rec.PubTier = pubTier.v
	rec.Relevance = relevance.v
	rec.RetryCount = retries.v
	rec.FailureReason = reason.String
	rec.PermalinkURL = permalink.String
	rec.SourceURL = sourceURL.String
	rec.Title = title.String
	rec.Publication = pub.String
	rec.Author = author.String
	rec.PublishedAt = publishedAt.String
	rec.Source = source.String
	rec.SubscriptionSource = subSource.String
	rec.Summary = summary.String
	return rec, nil
}

// lenientInt scans an integer column, reading values that do not parse as zero.
type lenientInt struct{ v int }

func (n *lenientInt) Scan(src any) error {
	n.v = 0
	switch x := src.(type) {
	case int64:
		n.v = int(x)
	case float64:
		n.v = int(x)
	case bool:
		if x {
			n.v = 1
		}
	case []byte:
		n.v, _ = strconv.Atoi(strings.TrimSpace(string(x)))
	case string:
		n.v, _ = strconv.Atoi(strings.TrimSpace(x))
	}
	return nil
}

// lenientTime scans a timestamp column. NULL, the zero time and text that matches
// no known layout all read as nil.
type lenientTime struct{ t *time.Time }

func (lt *lenientTime) Scan(src any) error {
	lt.t = nil
	switch x := src.(type) {
	case time.Time:
		if !x.IsZero() {
			u := x.UTC()
			lt.t = &u
		}
	case []byte:
		lt.t = staging.ParseTimestamp(string(x))
	case string:
		lt.t = staging.ParseTimestamp(x)
	}
	return nil
}

func splitClients(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// InsertRecord writes a new staged record. Upstream pipelines own this table in
// production; this exists for seeding and tests.
func (s *Store) InsertRecord(ctx context.Context, rec staging.Record) error {
	query := `INSERT INTO ` + s.tables.Records + ` (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var claimedBy any
	if rec.ClaimedAt != nil {
		claimedBy = nullString(rec.ClaimedBy)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rec.ID, rec.ExtractionPath, rec.PreCheckComplete, rec.ExtractionComplete.Ptr(), rec.ExtractionFailed,
		string(rec.DedupeStatus), nullString(string(rec.Suppression)), nullTime(rec.ClaimedAt), claimedBy,
		rec.CreatedAt.UTC(), nullTime(rec.PreCheckCompletedAt),
		nullString(strings.Join(rec.Clients, ",")), rec.ClientPriority, nullString(rec.FocusIndustry),
		rec.PubTier, rec.Relevance, rec.RetryCount, nullString(rec.FailureReason),
		nullString(rec.PermalinkURL), nullString(rec.SourceURL), nullString(rec.Title), nullString(rec.Publication),
		nullString(rec.Author), nullString(rec.PublishedAt), nullString(rec.Source),
		nullString(rec.SubscriptionSource), nullString(rec.Summary),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

// staticEligible are the predicates that do not depend on the claim time.
const staticEligible = `extraction_path = ?
	AND LOWER(dedupe_status) = 'original'
	AND pre_check_complete = TRUE
	AND LOWER(COALESCE(suppression, '')) <> 'suppressed'
	AND (extraction_complete IS NULL OR extraction_complete = FALSE)
	AND claimed_at IS NULL`

func (s *Store) FetchCandidateWindow(ctx context.Context, q staging.WindowQuery) ([]staging.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ` + s.tables.Records + `
		WHERE ` + staticEligible + `
		ORDER BY created_at DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), q.ExtractionPath, q.Limit)
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

// collect scans every row, skipping rows that cannot be decoded.
func (s *Store) collect(rows *sql.Rows) ([]staging.Record, error) {
	defer rows.Close()
	var out []staging.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			if s.errorLog != nil {
				s.errorLog(staging.LogEvent{Message: "skipping malformed record row", TaskID: rec.ID, Err: err})
			}
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ConditionalClaim(ctx context.Context, id string, c staging.Claim) (bool, error) {
	query := `UPDATE ` + s.tables.Records + `
		SET claimed_at = ?, claimed_by = ?
		WHERE id = ?
		  AND ` + staticEligible + `
		  AND (pre_check_completed_at IS NULL OR pre_check_completed_at <= ?)`
	args := []any{
		c.At.UTC(), c.By, id,
		c.Rules.ExtractionPath,
		c.Rules.PreCheckCutoff(c.At).UTC(),
	}
	if c.Rules.MaxRetries > 0 {
		query += ` AND retry_count < ?`
		args = append(args, c.Rules.MaxRetries)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReadRecord(ctx context.Context, id string) (staging.Record, error) {
	return s.readRecord(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) readRecord(ctx context.Context, q querier, id string) (staging.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ` + s.tables.Records + ` WHERE id = ?`
	rec, err := scanRecord(q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return staging.Record{}, staging.ErrNotFound
	}
	return rec, err
}

func (s *Store) ExpiredClaims(ctx context.Context, cutoff time.Time) ([]staging.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ` + s.tables.Records + `
		WHERE claimed_at IS NOT NULL
		  AND claimed_at <= ?
		  AND (extraction_complete IS NULL OR extraction_complete = FALSE)`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

// ReleaseExpired clears each expired claim with its own conditional UPDATE keyed on
// the claim timestamp it read, so a record re-claimed in between is left alone.
func (s *Store) ReleaseExpired(ctx context.Context, cutoff time.Time) ([]staging.Record, error) {
	expired, err := s.ExpiredClaims(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	query := s.rebind(`UPDATE ` + s.tables.Records + `
		SET claimed_at = NULL, claimed_by = NULL
		WHERE id = ? AND claimed_at = ?`)

	var released []staging.Record
	for _, rec := range expired {
		if rec.ClaimedAt == nil {
			continue
		}
		res, err := s.db.ExecContext(ctx, query, rec.ID, rec.ClaimedAt.UTC())
		if err != nil {
			return released, err
		}
		ok, err := affectedOne(res)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, rec)
		}
	}
	return released, nil
}

// leaseWhere matches the record only while l is its live claim.
func leaseWhere(l staging.Lease) (string, []any) {
	where := `id = ? AND claimed_by = ? AND claimed_at IS NOT NULL
		AND (extraction_complete IS NULL OR extraction_complete = FALSE)`
	args := []any{l.TaskID, l.WorkerID}
	if !l.ClaimedAt.IsZero() {
		where += ` AND claimed_at = ?`
		args = append(args, l.ClaimedAt.UTC())
	}
	return where, args
}

// WriteCompletion marks the record complete and inserts the submission in one
// transaction.
func (s *Store) WriteCompletion(ctx context.Context, l staging.Lease, sub staging.Submission) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	where, args := leaseWhere(l)
	update := `UPDATE ` + s.tables.Records + `
		SET extraction_complete = TRUE, claimed_at = NULL, claimed_by = NULL
		WHERE ` + where
	res, err := tx.ExecContext(ctx, s.rebind(update), args...)
	if err != nil {
		return false, err
	}
	ok, err := affectedOne(res)
	if err != nil || !ok {
		return false, err
	}

	insert := `INSERT INTO ` + s.tables.Submissions + `
		(id, source_record_id, worker_id, article_date, publication, author, headline, body,
		 story_link, search_term, source, client_priority, duration_sec, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, s.rebind(insert),
		sub.ID, sub.SourceRecordID, sub.WorkerID, nullString(sub.Date), nullString(sub.Publication),
		nullString(sub.Author), nullString(sub.Headline), nullString(sub.Body), nullString(sub.StoryLink),
		nullString(sub.Search), nullString(sub.Source), sub.ClientPriority, sub.DurationSec,
		sub.CompletedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) WriteFailure(ctx context.Context, l staging.Lease, reason string, terminalAt int) (staging.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return staging.Record{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	where, whereArgs := leaseWhere(l)
	// MySQL evaluates SET assignments left to right against already-updated
	// values, so the terminal checks must precede the retry_count increment.
	update := `UPDATE ` + s.tables.Records + `
		SET extraction_complete = CASE WHEN ? > 0 AND retry_count + 1 >= ? THEN TRUE ELSE extraction_complete END,
		    extraction_failed = CASE WHEN ? > 0 AND retry_count + 1 >= ? THEN TRUE ELSE extraction_failed END,
		    failure_reason = ?,
		    claimed_at = NULL,
		    claimed_by = NULL,
		    retry_count = retry_count + 1
		WHERE ` + where
	args := append([]any{terminalAt, terminalAt, terminalAt, terminalAt, nullString(reason)}, whereArgs...)
	res, err := tx.ExecContext(ctx, s.rebind(update), args...)
	if err != nil {
		return staging.Record{}, false, err
	}
	ok, err := affectedOne(res)
	if err != nil || !ok {
		return staging.Record{}, false, err
	}

	after, err := s.readRecord(ctx, tx, l.TaskID)
	if err != nil {
		return staging.Record{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return staging.Record{}, false, err
	}
	return after, true, nil
}

func (s *Store) ClearClaim(ctx context.Context, l staging.Lease) (bool, error) {
	where, args := leaseWhere(l)
	query := `UPDATE ` + s.tables.Records + ` SET claimed_at = NULL, claimed_by = NULL WHERE ` + where
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// Submissions lists completions for one source record, oldest first.
func (s *Store) Submissions(ctx context.Context, recordID string) ([]staging.Submission, error) {
	query := `SELECT id, source_record_id, worker_id, article_date, publication, author, headline, body,
			story_link, search_term, source, client_priority, duration_sec, completed_at
		FROM ` + s.tables.Submissions + ` WHERE source_record_id = ? ORDER BY completed_at`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []staging.Submission
	for rows.Next() {
		var (
			sub                               staging.Submission
			date, pub, author, headline, body sql.NullString
			link, search, source              sql.NullString
			clientPriority, duration          sql.NullInt64
		)
		if err := rows.Scan(&sub.ID, &sub.SourceRecordID, &sub.WorkerID, &date, &pub, &author, &headline, &body,
			&link, &search, &source, &clientPriority, &duration, &sub.CompletedAt); err != nil {
			return nil, err
		}
		sub.Date, sub.Publication, sub.Author = date.String, pub.String, author.String
		sub.Headline, sub.Body, sub.StoryLink = headline.String, body.String, link.String
		sub.Search, sub.Source = search.String, source.String
		sub.ClientPriority, sub.DurationSec = int(clientPriority.Int64), int(duration.Int64)
		sub.CompletedAt = sub.CompletedAt.UTC()
		out = append(out, sub)
	}
	return out, rows.Err()
}
