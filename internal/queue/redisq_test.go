package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/domain"
)

func newQ(t *testing.T) (*RedisQ, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, zap.NewNop()), mr
}

func msg(id, queue string, expires time.Time) *domain.Message {
	return &domain.Message{
		ID:        domain.JobID(id),
		Queue:     queue,
		Func:      domain.TaskExec,
		Args:      json.RawMessage(`{"batch":"b","ids":[1]}`),
		ExpiresAt: expires,
	}
}

func TestRedisQ_FIFO(t *testing.T) {
	q, _ := newQ(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	require.NoError(t, q.Enqueue(ctx, msg("1", "a", future)))
	require.NoError(t, q.Enqueue(ctx, msg("2", "a", future)))

	n, err := q.Len(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := q.Dequeue(ctx, []string{"a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("1"), got.ID)

	got, err = q.Dequeue(ctx, []string{"a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("2"), got.ID)
}

func TestRedisQ_DropsExpired(t *testing.T) {
	q, _ := newQ(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, msg("old", "a", now.Add(time.Minute))))
	require.NoError(t, q.Enqueue(ctx, msg("fresh", "a", now.Add(time.Hour))))
	q.now = func() time.Time { return now.Add(10 * time.Minute) }

	got, err := q.Dequeue(ctx, []string{"a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("fresh"), got.ID)
}

func TestRedisQ_DropsUndecodable(t *testing.T) {
	q, mr := newQ(t)
	ctx := context.Background()

	_, err := mr.Lpush(Key("a"), "not json")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, msg("ok", "a", time.Time{})))

	got, err := q.Dequeue(ctx, []string{"a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("ok"), got.ID)
}

func TestRedisQ_ScheduleMoveDue(t *testing.T) {
	q, _ := newQ(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, msg("soon", "a", time.Time{}), now.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, msg("later", "a", time.Time{}), now.Add(time.Hour)))

	moved, err := q.MoveDue(ctx, "a", now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := q.Dequeue(ctx, []string{"a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("soon"), got.ID)

	moved, err = q.MoveDue(ctx, "a", now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestRedisQ_Reply(t *testing.T) {
	q, mr := newQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Reply(ctx, "chunkq:result:x", []byte(`{"ok":true}`), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("chunkq:result:x"))

	body, err := q.AwaitReply(ctx, "chunkq:result:x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}
