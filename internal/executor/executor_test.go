package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/bisect"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
	"github.com/SirClappington/chunkq/internal/storage"
)

type fakeTx struct {
	m *fakeTxManager
}

func (t fakeTx) Commit(context.Context) error {
	t.m.commits++
	return nil
}

func (t fakeTx) Rollback(context.Context) error {
	t.m.rollbacks++
	return nil
}

type fakeTxManager struct {
	begins, commits, rollbacks int
}

func (m *fakeTxManager) Begin(ctx context.Context) (context.Context, storage.Tx, error) {
	m.begins++
	return ctx, fakeTx{m: m}, nil
}

type recorder struct {
	batch.Base
	failOn   int64
	failWith error
	count    int
	seen     [][]int64
	run      batch.Run
}

func (r *recorder) SelectIDs(context.Context, time.Time, map[string]string) ([]domain.Unit, error) {
	return nil, nil
}

func (r *recorder) Execute(ctx context.Context, _ []interface{}, ids []int64, _ map[string]string) (int, error) {
	r.seen = append(r.seen, ids)
	r.run, _ = batch.RunFrom(ctx)
	for _, id := range ids {
		if id == r.failOn {
			if r.failWith != nil {
				return 0, r.failWith
			}
			return 0, errors.New("crash for fun")
		}
	}
	return r.count, nil
}

func setup(t *testing.T, b batch.Batch, opts Options) (*Executor, *fakeTxManager, *batch.Registry) {
	t.Helper()
	reg := batch.NewRegistry(nil)
	require.NoError(t, reg.Register("b", func() batch.Batch { return b }))
	tm := &fakeTxManager{}
	if opts.User == "" {
		opts.User = "admin"
	}
	return New(reg, tm, zap.NewNop(), opts), tm, reg
}

func args(ids []int64, txSize int, split bool) domain.ExecArgs {
	return domain.ExecArgs{
		Batch: "b",
		IDs:   ids,
		Params: domain.JobParams{
			ConnectionDate:  "2024-02-01",
			TreatmentDate:   "2024-01-31",
			TransactionSize: txSize,
			Split:           split,
		},
	}
}

func TestRun_SuccessCountsFallBackToLength(t *testing.T) {
	b := &recorder{}
	e, tm, _ := setup(t, b, Options{})

	out := e.Run(context.Background(), "j", args([]int64{1, 2, 3, 4, 5}, 2, true))
	assert.Equal(t, domain.OutcomeSuccess, out.Kind)
	assert.Equal(t, []int{2, 2, 1}, out.Counts)
	assert.Equal(t, 5, out.Total())
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, b.seen)
	assert.Equal(t, 3, tm.commits)
	assert.Zero(t, tm.rollbacks)

	assert.Equal(t, "admin", b.run.User)
	assert.Equal(t, domain.JobID("j"), b.run.JobID)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), b.run.TreatmentDate)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), b.run.ConnectionDate)
}

func TestRun_ReportedCount(t *testing.T) {
	b := &recorder{count: 7}
	e, _, _ := setup(t, b, Options{})

	out := e.Run(context.Background(), "j", args([]int64{1, 2}, 0, true))
	assert.Equal(t, []int{7}, out.Counts)
}

func TestRun_FailureStopsAndKeepsWatermark(t *testing.T) {
	b := &recorder{failOn: 3}
	e, tm, _ := setup(t, b, Options{})

	out := e.Run(context.Background(), "j", args([]int64{1, 2, 3, 4, 5, 6}, 2, true))
	assert.Equal(t, domain.OutcomeRetryable, out.Kind)
	assert.Equal(t, []int64{1, 2}, out.Committed)
	assert.Equal(t, []int64{3, 4, 5, 6}, out.Remaining)
	assert.Len(t, b.seen, 2, "later sub-batches are not attempted")
	assert.Equal(t, 1, tm.commits)
	assert.Equal(t, 1, tm.rollbacks)

	var ee *exception.ExecutionError
	require.ErrorAs(t, out.Err, &ee)
	assert.False(t, ee.Transient)
}

func TestRun_SingleIDIsTerminal(t *testing.T) {
	b := &recorder{failOn: 9}
	e, _, _ := setup(t, b, Options{})

	out := e.Run(context.Background(), "j", args([]int64{9}, 0, true))
	assert.Equal(t, domain.OutcomeTerminal, out.Kind)
	var se *exception.SplitExhaustedError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, []int64{9}, se.IDs)
	assert.Equal(t, "crash for fun", exception.Message(out.Err))
}

func TestRun_SplitDisabledIsTerminal(t *testing.T) {
	b := &recorder{failOn: 1}
	e, _, _ := setup(t, b, Options{})

	out := e.Run(context.Background(), "j", args([]int64{1, 2, 3}, 0, false))
	assert.Equal(t, domain.OutcomeTerminal, out.Kind)
}

func TestRun_MaxDepth(t *testing.T) {
	b := &recorder{failOn: 1}
	e, _, _ := setup(t, b, Options{Policy: bisect.Policy{MaxDepth: 2}})

	a := args([]int64{1, 2, 3}, 0, true)
	a.Depth = 2
	out := e.Run(context.Background(), "j", a)
	assert.Equal(t, domain.OutcomeTerminal, out.Kind)
}

func TestRun_TransientIsClassified(t *testing.T) {
	b := &recorder{failOn: 1, failWith: &pgconn.PgError{Code: "40001"}}
	e, _, _ := setup(t, b, Options{})

	out := e.Run(context.Background(), "j", args([]int64{1, 2}, 0, true))
	assert.True(t, exception.IsTransient(out.Err))
	assert.Equal(t, domain.OutcomeRetryable, out.Kind, "chunks never retry in place")
}

type panicky struct{ recorder }

func (p *panicky) Execute(context.Context, []interface{}, []int64, map[string]string) (int, error) {
	panic("nil pointer in business code")
}

func TestRun_PanicRollsBack(t *testing.T) {
	e, tm, _ := setup(t, &panicky{}, Options{})

	out := e.Run(context.Background(), "j", args([]int64{1, 2}, 0, true))
	assert.Equal(t, domain.OutcomeRetryable, out.Kind)
	assert.Equal(t, 1, tm.rollbacks)
}

func TestRun_UnknownBatch(t *testing.T) {
	e, _, _ := setup(t, &recorder{}, Options{})
	a := args([]int64{1}, 0, true)
	a.Batch = "missing"

	out := e.Run(context.Background(), "j", a)
	assert.Equal(t, domain.OutcomeTerminal, out.Kind)
}

type once struct {
	batch.NoSelect
	calls int
}

func (o *once) Execute(_ context.Context, _ []interface{}, ids []int64, _ map[string]string) (int, error) {
	o.calls++
	return 1, nil
}

func TestRun_NoSelectRunsOnce(t *testing.T) {
	b := &once{}
	e, tm, _ := setup(t, b, Options{})

	out := e.Run(context.Background(), "j", args(nil, 0, true))
	assert.Equal(t, domain.OutcomeSuccess, out.Kind)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1, tm.commits)
}

func TestExecuteRecord_RetriesTransient(t *testing.T) {
	e, tm, reg := setup(t, &recorder{}, Options{Retries: 2})
	calls := 0
	reg.RegisterMethod("contract", "renew", func(ctx context.Context, ids []int64, _ json.RawMessage) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, &pgconn.PgError{Code: "40P01"}
		}
		run, _ := batch.RunFrom(ctx)
		return run.User, nil
	})

	res, err := e.ExecuteRecord(context.Background(), domain.MethodArgs{Model: "contract", Method: "renew", IDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, "admin", res)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, tm.rollbacks)
	assert.Equal(t, 1, tm.commits)
}

func TestExecuteRecord_GivesUpAfterRetries(t *testing.T) {
	e, _, reg := setup(t, &recorder{}, Options{Retries: 1})
	calls := 0
	reg.RegisterMethod("contract", "renew", func(context.Context, []int64, json.RawMessage) (interface{}, error) {
		calls++
		return nil, &pgconn.PgError{Code: "08006"}
	})

	_, err := e.ExecuteRecord(context.Background(), domain.MethodArgs{Model: "contract", Method: "renew"})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteRecord_PermanentNotRetried(t *testing.T) {
	e, _, reg := setup(t, &recorder{}, Options{Retries: 5})
	calls := 0
	reg.RegisterMethod("contract", "renew", func(context.Context, []int64, json.RawMessage) (interface{}, error) {
		calls++
		return nil, &pgconn.PgError{Code: "23505"}
	})

	_, err := e.ExecuteRecord(context.Background(), domain.MethodArgs{Model: "contract", Method: "renew"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
