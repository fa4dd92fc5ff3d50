package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/chunkq/internal/domain"
)

func newStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl), mr
}

func TestStore_JobRecordRoundTripAndExpiry(t *testing.T) {
	s, mr := newStore(t, time.Hour)
	ctx := context.Background()

	rec := &domain.JobRecord{
		ID:     "job-1",
		Date:   "2024-01-02T03:04:05",
		Queue:  "contract.invoice",
		Func:   domain.TaskExec,
		Args:   json.RawMessage(`{"batch":"contract.invoice","ids":[1,2]}`),
		Kwargs: map[string]interface{}{"database": "coog"},
	}
	require.NoError(t, s.SaveJob(ctx, rec))

	got, err := s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Queue, got.Queue)
	assert.JSONEq(t, string(rec.Args), string(got.Args))
	assert.Equal(t, time.Hour, mr.TTL("chunkq:job:job-1"))

	mr.FastForward(2 * time.Hour)
	_, err = s.LoadJob(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Ledger(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.AppendFailure(ctx, "a"))
	require.NoError(t, s.AppendFailure(ctx, "b"))

	all, err := s.Failures(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.JobID{"b", "a"}, all)

	one, err := s.Failures(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.JobID{"b"}, one)
}

func TestStore_Summary(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	sum := &domain.RunSummary{ChainName: "nightly", Queue: "q", NbJobs: 3, NbRecords: 30, FirstLaunchDate: "2024-01-02T00:00:00", Status: "success"}
	require.NoError(t, s.SaveSummary(ctx, sum))

	got, err := s.Summary(ctx, "nightly", "q", "2024-01-02T00:00:00")
	require.NoError(t, err)
	assert.Equal(t, sum, got)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransient(errors.Wrap(&pgconn.PgError{Code: "08006"}, "exec")))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestNopTxManager(t *testing.T) {
	ctx, tx, err := NopTxManager{}.Begin(context.Background())
	require.NoError(t, err)
	assert.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Rollback(ctx))
	_, ok := TxFromContext(ctx)
	assert.False(t, ok)
}
