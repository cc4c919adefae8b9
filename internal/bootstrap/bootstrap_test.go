package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	staging "github.com/therepute/human-staging-portal-redux"
)

func quietConfig() staging.Config {
	cfg := staging.DefaultConfig()
	cfg.InfoLog = func(staging.LogEvent) {}
	cfg.ErrorLog = func(staging.LogEvent) {}
	return cfg
}

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, cfg := range []staging.StoreConfig{
		{Driver: ""},
		{Driver: "memory"},
		{Driver: "pebble", Path: filepath.Join(dir, "pebble")},
		{Driver: "sqlite3", DSN: filepath.Join(dir, "staging.db")},
	} {
		s, err := OpenStore(ctx, cfg)
		require.NoError(t, err, cfg.Driver)
		assert.NoError(t, s.Ping(ctx), cfg.Driver)
		assert.NoError(t, s.Close(), cfg.Driver)
	}
}

func TestOpenStoreRejectsIncompleteConfig(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []staging.StoreConfig{
		{Driver: "pebble"},
		{Driver: "postgres"},
		{Driver: "mysql"},
		{Driver: "redis", DSN: "redis://localhost"},
	} {
		_, err := OpenStore(ctx, cfg)
		assert.Error(t, err, cfg.Driver)
	}
}

func TestNewQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
subscriptions:
  - name: Example
    domain: example.com
    email: r@x.com
    password: pw
`), 0o600))

	cfg := quietConfig()
	cfg.Credentials.Path = path
	q, store, creds, err := NewQueue(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NotNil(t, creds)

	domains, _ := creds.Len()
	assert.Equal(t, 1, domains)
	assert.NoError(t, q.Ping(context.Background()))
}

func TestNewQueueErrors(t *testing.T) {
	cfg := quietConfig()
	cfg.Selection.TopK = 0
	_, _, _, err := NewQueue(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid config")

	cfg = quietConfig()
	cfg.Credentials.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, _, _, err = NewQueue(context.Background(), cfg)
	assert.Error(t, err)
}
