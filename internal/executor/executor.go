// Package executor runs one chunk of a batch inside bounded transactions and
// classifies the attempt for the bisection controller.
package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/bisect"
	"github.com/SirClappington/chunkq/internal/chunk"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
	"github.com/SirClappington/chunkq/internal/storage"
)

// Lookup resolves batches and model methods.
type Lookup interface {
	Lookup(name string) (batch.Batch, error)
	Method(model, method string) (batch.Method, error)
}

type Options struct {
	// User is the system identity chunks run under.
	User string
	// Retries bounds the in-place retries of ExecuteRecord.
	Retries int
	Policy  bisect.Policy
}

type Executor struct {
	reg  Lookup
	tx   storage.TxManager
	log  *zap.Logger
	opts Options

	transient func(error) bool
}

func New(reg Lookup, tx storage.TxManager, log *zap.Logger, opts Options) *Executor {
	return &Executor{
		reg:  reg,
		tx:   tx,
		log:  log.Named("executor"),
		opts: opts,
		transient: func(err error) bool {
			return storage.IsTransient(err) || exception.IsTransient(err)
		},
	}
}

// Run executes args.IDs in sub-batches of transaction_size, each committed on its
// own. The first failing sub-batch is rolled back and ends the run; sub-batches
// committed before it are reported in Outcome.Committed and are not part of
// Outcome.Remaining.
func (e *Executor) Run(ctx context.Context, id domain.JobID, args domain.ExecArgs) domain.Outcome {
	log := e.log.With(zap.String("job_id", string(id)), zap.String("batch", args.Batch), zap.Int("depth", args.Depth))

	b, err := e.reg.Lookup(args.Batch)
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomeTerminal, Remaining: args.IDs, Err: err}
	}
	params, err := b.ParseParams(args.Params)
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomeTerminal, Remaining: args.IDs, Err: errors.Wrap(err, "parse params")}
	}

	ctx = batch.WithRun(ctx, batch.Run{
		User:           e.opts.User,
		Batch:          args.Batch,
		JobID:          id,
		ConnectionDate: params.Connection(),
		TreatmentDate:  params.Treatment(),
	})

	subs, err := chunk.SplitJob(args.IDs, params.TransactionSize)
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomeTerminal, Remaining: args.IDs, Err: err}
	}
	if len(subs) == 0 {
		// Batches without selection run once on no ids.
		subs = [][]int64{nil}
	}

	log.Info("exec", zap.Int("ids", len(args.IDs)), zap.Int("sub_batches", len(subs)))
	start := time.Now()
	out := domain.Outcome{Kind: domain.OutcomeSuccess}
	for _, sub := range subs {
		n, err := e.runSub(ctx, b, sub, params)
		if err != nil {
			out.Remaining = args.IDs[len(out.Committed):]
			out.Err = classify(args.Batch, err, e.transient)
			out.Kind = e.opts.Policy.Classify(len(out.Remaining), params.Split, args.Depth)
			if out.Kind == domain.OutcomeTerminal {
				out.Err = &exception.SplitExhaustedError{JobID: string(id), IDs: out.Remaining, Err: out.Err}
			}
			log.Warn("chunk failed",
				zap.Stringer("outcome", out.Kind),
				zap.Int("committed", len(out.Committed)),
				zap.Int("remaining", len(out.Remaining)),
				zap.Error(err))
			return out
		}
		out.Counts = append(out.Counts, n)
		out.Committed = append(out.Committed, sub...)
	}
	log.Info("chunk succeeded", zap.Int("count", out.Total()), zap.Duration("took", time.Since(start)))
	return out
}

func (e *Executor) runSub(ctx context.Context, b batch.Batch, ids []int64, params domain.JobParams) (n int, err error) {
	txCtx, tx, err := e.tx.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic: %v", rec)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				e.log.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	objects, err := b.ConvertToInstances(txCtx, ids, params.Extra)
	if err != nil {
		return 0, errors.Wrap(err, "convert to instances")
	}
	n, err = b.Execute(txCtx, objects, ids, params.Extra)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	if n == 0 {
		n = len(ids)
	}
	return n, nil
}

func classify(name string, err error, transient func(error) bool) error {
	var ee *exception.ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	if transient(err) {
		return exception.TransientExecutionError(name, err)
	}
	return exception.PermanentExecutionError(name, err)
}

// ExecuteRecord calls model.method on ids in its own transaction. Transient
// database errors roll back and retry in place up to Options.Retries times;
// any other error is returned at once.
func (e *Executor) ExecuteRecord(ctx context.Context, args domain.MethodArgs) (interface{}, error) {
	fn, err := e.reg.Method(args.Model, args.Method)
	if err != nil {
		return nil, err
	}
	user := args.User
	if user == "" {
		user = e.opts.User
	}
	ctx = batch.WithRun(ctx, batch.Run{User: user, Batch: args.Model, ConnectionDate: domain.Today(), TreatmentDate: domain.Today()})
	log := e.log.With(zap.String("method", args.Model+"."+args.Method))

	for attempt := 0; ; attempt++ {
		res, err := e.callOnce(ctx, fn, args)
		if err == nil {
			return res, nil
		}
		if !e.transient(err) || attempt >= e.opts.Retries {
			return nil, err
		}
		log.Info("retrying", zap.Int("attempts_left", e.opts.Retries-attempt), zap.Error(err))
	}
}

func (e *Executor) callOnce(ctx context.Context, fn batch.Method, args domain.MethodArgs) (res interface{}, err error) {
	txCtx, tx, err := e.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic: %v", rec)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if res, err = fn(txCtx, args.IDs, args.Args); err != nil {
		return nil, err
	}
	return res, tx.Commit(ctx)
}
