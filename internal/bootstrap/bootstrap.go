// Package bootstrap wires a staging.Queue from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	staging "github.com/therepute/human-staging-portal-redux"
	"github.com/therepute/human-staging-portal-redux/memstore"
	"github.com/therepute/human-staging-portal-redux/pebblestore"
	"github.com/therepute/human-staging-portal-redux/sqlstore"
)

// Store is a RecordStore plus its shutdown hook.
type Store struct {
	staging.RecordStore
	Close func() error
}

// skipReporter is implemented by stores that drop undecodable records from scans.
type skipReporter interface {
	SetErrorLog(func(staging.LogEvent))
}

// OpenStore selects the record store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg staging.StoreConfig) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return &Store{RecordStore: memstore.New(), Close: func() error { return nil }}, nil
	case "pebble":
		if cfg.Path == "" {
			return nil, fmt.Errorf("store.path is required when store.driver=pebble")
		}
		s, err := pebblestore.Open(pebblestore.Options{Dir: cfg.Path, Sync: true})
		if err != nil {
			return nil, err
		}
		return &Store{RecordStore: s, Close: s.Close}, nil
	case "mysql", "postgres", "postgresql", "pgx", "sqlite", "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required when store.driver=%s", cfg.Driver)
		}
		s, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &Store{RecordStore: s, Close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported store.driver value %q", cfg.Driver)
	}
}

// NewQueue opens the configured store, loads credentials if a path is set and
// returns the assembled queue.
func NewQueue(ctx context.Context, cfg staging.Config) (*staging.Queue, *Store, *staging.CredentialIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, nil, err
	}

	if sk, ok := store.RecordStore.(skipReporter); ok && cfg.ErrorLog != nil {
		sk.SetErrorLog(cfg.ErrorLog)
	}

	var opts []staging.Option
	var creds *staging.CredentialIndex
	if cfg.Credentials.Path != "" {
		creds = staging.NewCredentialIndex(cfg.Credentials.PreferredEmail)
		if err := creds.Load(cfg.Credentials.Path); err != nil {
			_ = store.Close()
			return nil, nil, nil, err
		}
		opts = append(opts, staging.WithCredentials(creds))
	}
	return staging.New(cfg, store, opts...), store, creds, nil
}
