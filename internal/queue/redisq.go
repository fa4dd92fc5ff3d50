package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/domain"
)

// ErrEmpty is returned by Dequeue when no message arrived within the block window.
var ErrEmpty = errors.New("queue: empty")

const (
	prefix      = "chunkq:queue:"
	delayPrefix = "chunkq:delay:"
)

// Key returns the redis list holding queue.
func Key(queue string) string { return prefix + queue }

// DelayKey returns the sorted set holding messages of queue not yet due.
func DelayKey(queue string) string { return delayPrefix + queue }

type RedisQ struct {
	rdb *r.Client
	log *zap.Logger
	now func() time.Time
}

func New(rdb *r.Client, log *zap.Logger) *RedisQ {
	return &RedisQ{rdb: rdb, log: log, now: time.Now}
}

// Enqueue pushes msg on its queue. Delivery is not retried here.
func (q *RedisQ) Enqueue(ctx context.Context, msg *domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return errors.Wrapf(q.rdb.LPush(ctx, Key(msg.Queue), body).Err(), "push %s", msg.Queue)
}

// Dequeue blocks up to block for a message on any of queues. Messages past their
// residency deadline are dropped and the wait continues.
func (q *RedisQ) Dequeue(ctx context.Context, queues []string, block time.Duration) (*domain.Message, error) {
	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = Key(name)
	}
	for {
		res, err := q.rdb.BRPop(ctx, block, keys...).Result()
		if errors.Is(err, r.Nil) {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 2 {
			return nil, ErrEmpty
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			q.log.Error("dropping undecodable message", zap.String("queue", res[0]), zap.Error(err))
			continue
		}
		if msg.Expired(q.now()) {
			q.log.Warn("dropping expired message",
				zap.String("job_id", string(msg.ID)),
				zap.String("queue", msg.Queue),
				zap.Time("expires_at", msg.ExpiresAt))
			continue
		}
		return &msg, nil
	}
}

// Schedule parks msg until at. MoveDue releases it onto its queue.
func (q *RedisQ) Schedule(ctx context.Context, msg *domain.Message, at time.Time) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	z := r.Z{Score: float64(at.Unix()), Member: body}
	return errors.Wrapf(q.rdb.ZAdd(ctx, DelayKey(msg.Queue), z).Err(), "schedule %s", msg.Queue)
}

// MoveDue pushes up to limit messages of queue whose time has come, returning how
// many moved.
func (q *RedisQ) MoveDue(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	bodies, err := q.rdb.ZRangeByScore(ctx, DelayKey(queue), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Offset: 0, Count: limit,
	}).Result()
	if err != nil || len(bodies) == 0 {
		return 0, err
	}

	pipe := q.rdb.TxPipeline()
	for _, body := range bodies {
		pipe.LPush(ctx, Key(queue), body)
		pipe.ZRem(ctx, DelayKey(queue), body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "move due %s", queue)
	}
	return len(bodies), nil
}

// Len reports how many messages wait on queue.
func (q *RedisQ) Len(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, Key(queue)).Result()
}

// Reply publishes a remote call result on replyTo and bounds its lifetime by ttl.
func (q *RedisQ) Reply(ctx context.Context, replyTo string, body []byte, ttl time.Duration) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, replyTo, body)
	pipe.Expire(ctx, replyTo, ttl)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "reply %s", replyTo)
}

// AwaitReply blocks until a reply lands on replyTo or ctx ends.
func (q *RedisQ) AwaitReply(ctx context.Context, replyTo string) ([]byte, error) {
	for {
		res, err := q.rdb.BLPop(ctx, time.Second, replyTo).Result()
		if errors.Is(err, r.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return []byte(res[1]), nil
	}
}
