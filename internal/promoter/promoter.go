// Package promoter moves delayed messages onto their queue once they are due.
// Several promoters may run; a Postgres advisory lock elects the one that works.
package promoter

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LockKey is the advisory lock held by the leading promoter.
const LockKey int64 = 42

// Mover is satisfied by *queue.RedisQ.
type Mover interface {
	MoveDue(ctx context.Context, queue string, now time.Time, limit int64) (int, error)
}

// Leader decides whether this process should promote.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}

type Options struct {
	Queues   []string
	Interval time.Duration
	Batch    int64
}

type Promoter struct {
	mover  Mover
	leader Leader
	opts   Options
	log    *zap.Logger
	now    func() time.Time
}

// New returns a promoter. A nil leader always leads.
func New(mover Mover, leader Leader, log *zap.Logger, opts Options) *Promoter {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	return &Promoter{mover: mover, leader: leader, opts: opts, log: log.Named("promoter"), now: time.Now}
}

// Tick promotes the due messages of every queue when this process leads.
func (p *Promoter) Tick(ctx context.Context) (int, error) {
	if p.leader != nil {
		ok, err := p.leader.TryLead(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "leader election")
		}
		if !ok {
			return 0, nil
		}
	}
	now := p.now()
	var (
		moved int
		err   error
	)
	for _, q := range p.opts.Queues {
		n, qerr := p.mover.MoveDue(ctx, q, now, p.opts.Batch)
		moved += n
		if qerr != nil {
			err = multierr.Append(err, errors.Wrapf(qerr, "promote %s", q))
			continue
		}
		if n > 0 {
			p.log.Debug("promoted", zap.String("queue", q), zap.Int("jobs", n))
		}
	}
	return moved, err
}

// Run ticks until ctx ends, then gives up leadership.
func (p *Promoter) Run(ctx context.Context) error {
	p.log.Info("promoter started", zap.Strings("queues", p.opts.Queues), zap.Duration("interval", p.opts.Interval))
	tick := time.NewTicker(p.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if p.leader == nil {
				return nil
			}
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return p.leader.Close(closeCtx)
		case <-tick.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("promotion failed", zap.Error(err))
			}
		}
	}
}

// AdvisoryLock elects a leader with a session advisory lock. It pins one pool
// connection for as long as it leads.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64

	mu      sync.Mutex
	conn    *pgxpool.Conn
	leading bool
}

func NewAdvisoryLock(pool *pgxpool.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key}
}

func (l *AdvisoryLock) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leading {
		return true, nil
	}
	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}
	var ok bool
	if err := l.conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		l.conn.Release()
		l.conn = nil
		return false, err
	}
	l.leading = ok
	return ok, nil
}

func (l *AdvisoryLock) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	var err error
	if l.leading {
		_, err = l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	}
	l.conn.Release()
	l.conn = nil
	l.leading = false
	return err
}
