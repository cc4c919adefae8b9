package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	staging "github.com/therepute/human-staging-portal-redux"
	"github.com/therepute/human-staging-portal-redux/internal/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, recs ...staging.Record) staging.RecordStore {
		return New(recs...)
	})
}

func TestFailNextAffectsOneCall(t *testing.T) {
	s := New(storetest.Record("r1", 0))
	ctx := context.Background()

	boom := errors.New("boom")
	s.FailNext(boom)
	_, err := s.ReadRecord(ctx, "r1")
	assert.ErrorIs(t, err, boom)

	_, err = s.ReadRecord(ctx, "r1")
	assert.NoError(t, err)
}

func TestRecordsAreCopied(t *testing.T) {
	rec := storetest.Record("r1", 0)
	s := New(rec)
	rec.Clients[0] = "changed"

	got, err := s.ReadRecord(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Clients[0])

	got.Clients[0] = "changed again"
	again, err := s.ReadRecord(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", again.Clients[0])
}
