// Package worker consumes queues and dispatches each message to its task.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/bisect"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/executor"
	"github.com/SirClappington/chunkq/internal/hooks"
	"github.com/SirClappington/chunkq/internal/launcher"
	"github.com/SirClappington/chunkq/internal/queue"
)

// Queue is the consumer side of the transport.
type Queue interface {
	Dequeue(ctx context.Context, queues []string, block time.Duration) (*domain.Message, error)
	Reply(ctx context.Context, replyTo string, body []byte, ttl time.Duration) error
}

// Recorder receives chunk metrics. *metrics.Recorder satisfies it.
type Recorder interface {
	ObserveChunk(batch string, out domain.Outcome, took time.Duration)
	Bisected(batch string)
	Failed(batch string)
}

// Task handles one message and returns the value replied to remote callers.
type Task func(ctx context.Context, msg *domain.Message) (interface{}, error)

type Options struct {
	Queues      []string
	Concurrency int
	Block       time.Duration
	ResultTTL   time.Duration
}

type Worker struct {
	q     Queue
	reg   executor.Lookup
	exec  *executor.Executor
	ctrl  *bisect.Controller
	hooks *hooks.Hooks
	lnch  *launcher.Launcher
	rec   Recorder
	log   *zap.Logger
	opts  Options
	tasks map[string]Task
}

func New(q Queue, reg executor.Lookup, exec *executor.Executor, ctrl *bisect.Controller, h *hooks.Hooks,
	lnch *launcher.Launcher, rec Recorder, log *zap.Logger, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	w := &Worker{q: q, reg: reg, exec: exec, ctrl: ctrl, hooks: h, lnch: lnch, rec: rec, log: log.Named("worker"), opts: opts}
	w.tasks = map[string]Task{
		domain.TaskGenerate:     w.generate,
		domain.TaskGenerateAll:  w.generateAll,
		domain.TaskSelectIDs:    w.selectIDs,
		domain.TaskExec:         w.batchExec,
		domain.TaskMigrate:      w.migrate,
		domain.TaskMono:         w.batchMono,
		domain.TaskAsyncExecute: w.asyncExecute,
	}
	return w
}

// Run consumes the configured queues with Concurrency loops until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.opts.Queues) == 0 {
		return errors.New("worker: no queue to consume")
	}
	w.log.Info("worker started", zap.Strings("queues", w.opts.Queues), zap.Int("concurrency", w.opts.Concurrency))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := w.q.Dequeue(ctx, w.opts.Queues, w.opts.Block)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		w.Handle(ctx, msg)
	}
	return nil
}

// Handle runs msg and replies to the caller when one waits.
func (w *Worker) Handle(ctx context.Context, msg *domain.Message) {
	log := w.log.With(zap.String("job_id", string(msg.ID)), zap.String("func", msg.Func), zap.String("queue", msg.Queue))
	task, ok := w.tasks[msg.Func]
	var (
		res interface{}
		err error
	)
	if !ok {
		err = errors.Errorf("unknown task %q", msg.Func)
	} else {
		res, err = w.safely(ctx, task, msg)
	}
	if err != nil {
		log.Error("job failed", zap.Error(err))
	} else {
		log.Debug("job done")
	}
	if msg.ReplyTo == "" {
		return
	}
	rep := domain.Reply{}
	if err != nil {
		rep.Error = err.Error()
	} else if res != nil {
		if rep.Result, err = json.Marshal(res); err != nil {
			rep.Error = err.Error()
		}
	}
	body, _ := json.Marshal(rep)
	if err := w.q.Reply(ctx, msg.ReplyTo, body, w.opts.ResultTTL); err != nil {
		log.Error("reply failed", zap.Error(err))
	}
}

func (w *Worker) safely(ctx context.Context, task Task, msg *domain.Message) (res interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("task panicked: %v", rec)
		}
	}()
	return task(ctx, msg)
}

func decode(msg *domain.Message, v interface{}) error {
	return errors.Wrapf(json.Unmarshal(msg.Args, v), "decode %s args", msg.Func)
}

func (w *Worker) generate(ctx context.Context, msg *domain.Message) (interface{}, error) {
	var args domain.GenerateArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	res, err := w.lnch.Generate(ctx, args.Batch, args.Overrides)
	return res.Sizes, err
}

func (w *Worker) generateAll(ctx context.Context, msg *domain.Message) (interface{}, error) {
	var args domain.GenerateAllArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	res, err := w.lnch.GenerateAll(ctx, args)
	return res.Sizes, err
}

func (w *Worker) selectIDs(ctx context.Context, msg *domain.Message) (interface{}, error) {
	var args domain.SelectArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	return w.lnch.SelectIDs(ctx, args)
}

func (w *Worker) asyncExecute(ctx context.Context, msg *domain.Message) (interface{}, error) {
	var args domain.MethodArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	return w.exec.ExecuteRecord(ctx, args)
}

func (w *Worker) migrate(ctx context.Context, msg *domain.Message) (interface{}, error) {
	var args domain.ExecArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	args.Batch = domain.TaskMigrate
	return w.chunk(ctx, msg, args)
}

func (w *Worker) batchExec(ctx context.Context, msg *domain.Message) (interface{}, error) {
	var args domain.ExecArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	return w.chunk(ctx, msg, args)
}

// chunk runs one distributed chunk. A retryable failure resubmits both halves
// of the uncommitted ids as new jobs.
func (w *Worker) chunk(ctx context.Context, msg *domain.Message, args domain.ExecArgs) (interface{}, error) {
	b, _ := w.reg.Lookup(args.Batch)
	start := time.Now()
	out := w.exec.Run(ctx, msg.ID, args)
	w.rec.ObserveChunk(args.Batch, out, time.Since(start))

	switch out.Kind {
	case domain.OutcomeSuccess:
		w.hooks.Succeeded(ctx, msg.ID, args.Batch, b, args.IDs, out.Total())
		return out.Counts, nil
	case domain.OutcomeRetryable:
		if _, err := w.ctrl.Resubmit(ctx, msg, args, out.Remaining); err != nil {
			w.fail(ctx, msg.ID, args.Batch, b, out.Remaining, errors.Wrap(err, "resubmit halves"))
			return out.Counts, err
		}
		w.rec.Bisected(args.Batch)
		return out.Counts, out.Err
	default:
		w.fail(ctx, msg.ID, args.Batch, b, out.Remaining, out.Err)
		return out.Counts, out.Err
	}
}

func (w *Worker) fail(ctx context.Context, id domain.JobID, name string, b batch.Batch, ids []int64, cause error) {
	w.rec.Failed(name)
	if err := w.hooks.Failed(ctx, id, name, b, ids, cause); err != nil {
		w.log.Error("failure not recorded", zap.String("job_id", string(id)), zap.Error(err))
	}
}

// batchMono processes every packet of a mono job inside this worker, one at a
// time, bisecting failures locally.
func (w *Worker) batchMono(ctx context.Context, msg *domain.Message) (interface{}, error) {
	var args domain.ExecArgs
	if err := decode(msg, &args); err != nil {
		return nil, err
	}
	b, _ := w.reg.Lookup(args.Batch)
	packets, err := launcher.Packets(args.IDs, args.Params)
	if err != nil {
		w.fail(ctx, msg.ID, args.Batch, b, args.IDs, err)
		return nil, err
	}
	seeds := make([]bisect.Entry, len(packets))
	for i, p := range packets {
		seeds[i] = bisect.Entry{IDs: p, Depth: args.Depth}
	}

	sched := bisect.NewScheduler(1, w.log)
	rep, err := sched.Process(ctx, seeds, func(ctx context.Context, e bisect.Entry) domain.Outcome {
		run := args
		run.IDs, run.Depth = e.IDs, e.Depth
		start := time.Now()
		out := w.exec.Run(ctx, msg.ID, run)
		w.rec.ObserveChunk(args.Batch, out, time.Since(start))
		switch out.Kind {
		case domain.OutcomeSuccess:
			w.hooks.Succeeded(ctx, msg.ID, args.Batch, b, e.IDs, out.Total())
		case domain.OutcomeRetryable:
			w.rec.Bisected(args.Batch)
		}
		return out
	})
	if len(rep.Failures) > 0 {
		if err := w.hooks.Record(ctx, msg.ID, args.Batch); err != nil {
			w.log.Error("failure not recorded", zap.String("job_id", string(msg.ID)), zap.Error(err))
		}
	}
	for _, f := range rep.Failures {
		w.rec.Failed(args.Batch)
		w.hooks.Notify(ctx, msg.ID, args.Batch, b, f.Outcome.Remaining, f.Outcome.Err)
	}
	w.log.Info("mono job done",
		zap.String("job_id", string(msg.ID)),
		zap.String("batch", args.Batch),
		zap.Int("packets", len(packets)),
		zap.Int("attempts", rep.Attempts),
		zap.Int("count", rep.Count),
		zap.Int("failures", len(rep.Failures)))
	if err != nil {
		return rep.Count, err
	}
	if len(rep.Failures) > 0 {
		return rep.Count, errors.Errorf("%d packets failed", len(rep.Failures))
	}
	return rep.Count, nil
}
