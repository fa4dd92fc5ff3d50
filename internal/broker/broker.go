// Package broker dispatches units of work onto queues and keeps the JobRecord
// of every dispatch so that operators can split or replay it later.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
	"github.com/SirClappington/chunkq/internal/storage"
)

const replyPrefix = "chunkq:result:"

// ErrNotStarted is returned by dispatch calls made before Start or after Shutdown.
var ErrNotStarted = errors.New("broker: not started")

// Queue is the transport the broker pushes onto.
type Queue interface {
	Enqueue(ctx context.Context, msg *domain.Message) error
	Schedule(ctx context.Context, msg *domain.Message, at time.Time) error
	AwaitReply(ctx context.Context, replyTo string) ([]byte, error)
}

// Records persists JobRecords.
type Records interface {
	SaveJob(ctx context.Context, rec *domain.JobRecord) error
	LoadJob(ctx context.Context, id domain.JobID) (*domain.JobRecord, error)
}

// Conn is the redis connection whose lifetime the broker owns.
type Conn interface {
	Ping(ctx context.Context) *r.StatusCmd
	Close() error
}

type Options struct {
	// JobTTL bounds how long an unstarted message may wait on its queue.
	JobTTL time.Duration
}

type Broker struct {
	q       Queue
	records Records
	conn    Conn
	log     *zap.Logger
	opts    Options

	now   func() time.Time
	newID func() domain.JobID

	started atomic.Bool
	mu      sync.Mutex
	closers []func() error
}

func New(q Queue, records Records, conn Conn, log *zap.Logger, opts Options) *Broker {
	return &Broker{
		q:       q,
		records: records,
		conn:    conn,
		log:     log.Named("broker"),
		opts:    opts,
		now:     time.Now,
		newID:   func() domain.JobID { return domain.JobID(uuid.NewString()) },
	}
}

// Start checks the connection and opens the broker for dispatch.
func (b *Broker) Start(ctx context.Context) error {
	if b.conn != nil {
		if err := b.conn.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "broker ping")
		}
	}
	b.started.Store(true)
	b.log.Info("broker started")
	return nil
}

// OnShutdown registers fn to run when the broker shuts down, after the
// connection closes.
func (b *Broker) OnShutdown(fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closers = append(b.closers, fn)
}

// Shutdown closes the broker. Every close runs even when an earlier one fails.
func (b *Broker) Shutdown(context.Context) error {
	if !b.started.Swap(false) {
		return nil
	}
	var err error
	if b.conn != nil {
		err = multierr.Append(err, b.conn.Close())
	}
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()
	for _, fn := range closers {
		err = multierr.Append(err, fn())
	}
	b.log.Info("broker stopped", zap.Error(err))
	return err
}

// Enqueue dispatches fn(args) on queue and returns immediately with the job id.
func (b *Broker) Enqueue(ctx context.Context, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error) {
	msg, err := b.message(queue, fn, args, kwargs)
	if err != nil {
		return "", err
	}
	return msg.ID, b.dispatch(ctx, msg, time.Time{})
}

// EnqueueAt is Enqueue deferred until at.
func (b *Broker) EnqueueAt(ctx context.Context, at time.Time, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error) {
	msg, err := b.message(queue, fn, args, kwargs)
	if err != nil {
		return "", err
	}
	if at.After(msg.EnqueuedAt) && b.opts.JobTTL > 0 {
		msg.ExpiresAt = at.Add(b.opts.JobTTL)
	}
	return msg.ID, b.dispatch(ctx, msg, at)
}

// Call dispatches fn(args) and waits for the worker's reply, decoding its result
// into out. ctx bounds the wait.
func (b *Broker) Call(ctx context.Context, queue, fn string, args interface{}, kwargs map[string]interface{}, out interface{}) error {
	msg, err := b.message(queue, fn, args, kwargs)
	if err != nil {
		return err
	}
	msg.ReplyTo = ReplyKey(msg.ID)
	if err := b.dispatch(ctx, msg, time.Time{}); err != nil {
		return err
	}
	body, err := b.q.AwaitReply(ctx, msg.ReplyTo)
	if err != nil {
		return errors.Wrapf(err, "await %s %s", fn, msg.ID)
	}
	var rep domain.Reply
	if err := json.Unmarshal(body, &rep); err != nil {
		return errors.Wrapf(err, "decode reply %s", msg.ID)
	}
	if rep.Error != "" {
		return errors.Errorf("%s %s: %s", fn, msg.ID, rep.Error)
	}
	if out == nil || len(rep.Result) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(rep.Result, out), "decode result %s", msg.ID)
}

// ReplyKey is the list a remote call result is published on.
func ReplyKey(id domain.JobID) string { return replyPrefix + string(id) }

// Job returns the JobRecord of id.
func (b *Broker) Job(ctx context.Context, id domain.JobID) (*domain.JobRecord, error) {
	return b.records.LoadJob(ctx, id)
}

// Split explodes the chunk of job id into one singleton job per id, keeping its
// queue, function and kwargs. Missing records, chunks that opted out of splitting,
// and chunks of at most one id yield exception.ErrNothingToDo.
func (b *Broker) Split(ctx context.Context, id domain.JobID) ([]domain.JobID, error) {
	rec, err := b.records.LoadJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.log.Info("split: job not found", zap.String("job_id", string(id)))
		return nil, exception.ErrNothingToDo
	}
	if err != nil {
		return nil, err
	}
	var args domain.ExecArgs
	if err := json.Unmarshal(rec.Args, &args); err != nil {
		return nil, errors.Wrapf(err, "decode args of %s", id)
	}
	if !args.Params.Split || len(args.IDs) <= 1 {
		b.log.Info("split: nothing to split",
			zap.String("job_id", string(id)),
			zap.Bool("split", args.Params.Split),
			zap.Int("ids", len(args.IDs)))
		return nil, exception.ErrNothingToDo
	}

	out := make([]domain.JobID, 0, len(args.IDs))
	for _, one := range args.IDs {
		single := args
		single.IDs = []int64{one}
		single.Depth = args.Depth + 1
		jid, err := b.Enqueue(ctx, rec.Queue, rec.Func, single, rec.Kwargs)
		if err != nil {
			return out, err
		}
		out = append(out, jid)
	}
	b.log.Info("split job", zap.String("job_id", string(id)), zap.Int("jobs", len(out)))
	return out, nil
}

// Replay resubmits job id unchanged under a new job id.
func (b *Broker) Replay(ctx context.Context, id domain.JobID) (domain.JobID, error) {
	rec, err := b.records.LoadJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.log.Info("replay: job not found", zap.String("job_id", string(id)))
		return "", exception.ErrNothingToDo
	}
	if err != nil {
		return "", err
	}
	jid, err := b.Enqueue(ctx, rec.Queue, rec.Func, rec.Args, rec.Kwargs)
	if err != nil {
		return "", err
	}
	b.log.Info("replayed job", zap.String("job_id", string(id)), zap.String("new_job_id", string(jid)))
	return jid, nil
}

func (b *Broker) message(queue, fn string, args interface{}, kwargs map[string]interface{}) (*domain.Message, error) {
	if queue == "" || fn == "" {
		return nil, exception.InvalidArgument("enqueue", "queue and function are required")
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "encode args")
	}
	now := b.now().UTC()
	msg := &domain.Message{
		ID:         b.newID(),
		Queue:      queue,
		Func:       fn,
		Args:       body,
		Kwargs:     kwargs,
		EnqueuedAt: now,
	}
	if b.opts.JobTTL > 0 {
		msg.ExpiresAt = now.Add(b.opts.JobTTL)
	}
	return msg, nil
}

func (b *Broker) dispatch(ctx context.Context, msg *domain.Message, at time.Time) error {
	if !b.started.Load() {
		return ErrNotStarted
	}
	rec := &domain.JobRecord{
		ID:     msg.ID,
		Date:   msg.EnqueuedAt.Format(domain.RecordDateLayout),
		Queue:  msg.Queue,
		Func:   msg.Func,
		Args:   msg.Args,
		Kwargs: msg.Kwargs,
	}
	if err := b.records.SaveJob(ctx, rec); err != nil {
		return err
	}
	if at.After(msg.EnqueuedAt) {
		return b.q.Schedule(ctx, msg, at)
	}
	if err := b.q.Enqueue(ctx, msg); err != nil {
		return err
	}
	b.log.Debug("enqueued",
		zap.String("job_id", string(msg.ID)),
		zap.String("queue", msg.Queue),
		zap.String("func", msg.Func))
	return nil
}
