package sqlstore

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	staging "github.com/therepute/human-staging-portal-redux"
	"github.com/therepute/human-staging-portal-redux/internal/storetest"
)

func openSQLite(t *testing.T, recs ...staging.Record) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateSchema(ctx))
	for _, r := range recs {
		require.NoError(t, s.InsertRecord(ctx, r))
	}
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, recs ...staging.Record) staging.RecordStore {
		return openSQLite(t, recs...)
	})
}

func TestMalformedRowSkipped(t *testing.T) {
	var logged []staging.LogEvent
	storetest.RunMalformed(t, func(t *testing.T, recs ...staging.Record) staging.RecordStore {
		s := openSQLite(t, recs...)
		s.SetErrorLog(func(ev staging.LogEvent) { logged = append(logged, ev) })
		return s
	}, func(t *testing.T, rs staging.RecordStore, id string) {
		_, err := rs.(*Store).DB().Exec(`UPDATE staged_records SET extraction_failed = 'yes' WHERE id = ?`, id)
		require.NoError(t, err)
	})
	require.Len(t, logged, 1)
	assert.Equal(t, "bad", logged[0].TaskID)
	assert.Error(t, logged[0].Err)
}

func TestUnparseableColumnsFallBack(t *testing.T) {
	s := openSQLite(t, storetest.Record("good", time.Hour), storetest.Record("odd", 2*time.Hour))
	ctx := context.Background()
	_, err := s.DB().Exec(`UPDATE staged_records
		SET client_priority = 'high', pre_check_completed_at = 'yesterday-ish'
		WHERE id = 'odd'`)
	require.NoError(t, err)

	recs, err := s.FetchCandidateWindow(ctx, staging.WindowQuery{Limit: 10, ExtractionPath: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	odd := recs[1]
	assert.Equal(t, "odd", odd.ID)
	assert.Equal(t, 0, odd.ClientPriority)
	assert.Nil(t, odd.PreCheckCompletedAt)
	assert.True(t, staging.EligibilityRules{ExtractionPath: 2, MinPreCheckAge: 15 * time.Minute, MaxRetries: 3}.Eligible(odd, storetest.Now),
		"an unreadable pre-check time does not block eligibility")
}

func TestMySQLDSNParsesTime(t *testing.T) {
	dsn, err := mysqlDSN("user:pw@tcp(db:3306)/staging?loc=Local")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.NotContains(t, dsn, "loc=Local")

	dsn, err = mysqlDSN("user:pw@tcp(db:3306)/staging?parseTime=false")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")

	_, err = mysqlDSN("not a dsn")
	assert.Error(t, err)
}

func TestCreateSchemaIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	assert.NoError(t, s.CreateSchema(context.Background()))
}

func TestSubmissionRow(t *testing.T) {
	s := openSQLite(t, storetest.Record("r1", time.Hour))
	ctx := context.Background()

	ok, err := s.ConditionalClaim(ctx, "r1", staging.Claim{At: storetest.Now, By: "w1", Rules: staging.EligibilityRules{ExtractionPath: 2}})
	require.NoError(t, err)
	require.True(t, ok)

	sub := staging.Submission{
		ID:             "s1",
		SourceRecordID: "r1",
		WorkerID:       "w1",
		Date:           "2025-03-09",
		Headline:       "Headline r1",
		Body:           "text",
		StoryLink:      "https://www.example.com/r1",
		Search:         "alerts",
		ClientPriority: 2,
		DurationSec:    90,
		CompletedAt:    storetest.Now,
	}
	ok, err = s.WriteCompletion(ctx, staging.Lease{TaskID: "r1", WorkerID: "w1", ClaimedAt: storetest.Now}, sub)
	require.NoError(t, err)
	require.True(t, ok)

	subs, err := s.Submissions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	got := subs[0]
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, sub.Date, got.Date)
	assert.Equal(t, sub.Search, got.Search)
	assert.Equal(t, sub.StoryLink, got.StoryLink)
	assert.Equal(t, 2, got.ClientPriority)
	assert.Equal(t, 90, got.DurationSec)
	assert.True(t, got.CompletedAt.Equal(storetest.Now))
	assert.Empty(t, got.Author)
}

func TestQueueOnSQLite(t *testing.T) {
	s := openSQLite(t, storetest.Record("r1", time.Hour), storetest.Record("r2", 2*time.Hour))
	cfg := staging.DefaultConfig()
	cfg.InfoLog = func(staging.LogEvent) {}
	cfg.ErrorLog = func(staging.LogEvent) {}
	now := storetest.Now
	q := staging.New(cfg, s, staging.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[string]int{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			a, err := q.RequestNextTask(ctx, w)
			assert.NoError(t, err)
			if a != nil {
				mu.Lock()
				got[a.Task.ID]++
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"r1": 1, "r2": 1}, got)

	now = now.Add(time.Hour)
	n, err := q.CountExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRebind(t *testing.T) {
	pg := New(nil, Postgres, DefaultTables)
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND b = $3", pg.rebind("UPDATE t SET a = ? WHERE id = ? AND b = ?"))

	my := New(nil, MySQL, DefaultTables)
	assert.Equal(t, "SELECT ? FROM t", my.rebind("SELECT ? FROM t"))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"mysql":      MySQL,
		"Postgres":   Postgres,
		"postgresql": Postgres,
		"pgx":        Postgres,
		"sqlite":     SQLite,
		" sqlite3 ":  SQLite,
	} {
		d, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d, in)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)
	assert.Equal(t, "pgx", Postgres.driverName())
}

func TestSchemaSQLDialects(t *testing.T) {
	mysql := SchemaSQL(MySQL, DefaultTables)
	require.Len(t, mysql, 5)
	assert.Contains(t, mysql[0], "DATETIME(6)")
	assert.Contains(t, mysql[0], "VARCHAR(64) PRIMARY KEY")
	for _, stmt := range mysql[2:] {
		assert.False(t, strings.Contains(stmt, "IF NOT EXISTS"), stmt)
	}

	pg := SchemaSQL(Postgres, Tables{Records: "articles", Submissions: "soup"})
	assert.Contains(t, pg[0], "CREATE TABLE IF NOT EXISTS articles")
	assert.Contains(t, pg[0], "TIMESTAMPTZ")
	assert.Contains(t, pg[1], "CREATE TABLE IF NOT EXISTS soup")
	assert.Contains(t, pg[4], "CREATE INDEX IF NOT EXISTS soup_record_idx ON soup (source_record_id)")
}
