package bisect

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/domain"
)

var errBad = errors.New("bad record")

// failOn simulates an executor that fails every chunk containing bad.
func failOn(p Policy, split bool, bad ...int64) (RunFunc, *[][]int64) {
	var (
		mu   sync.Mutex
		seen [][]int64
	)
	return func(_ context.Context, e Entry) domain.Outcome {
		mu.Lock()
		seen = append(seen, e.IDs)
		mu.Unlock()
		for _, id := range e.IDs {
			for _, b := range bad {
				if id == b {
					return domain.Outcome{
						Kind:      p.Classify(len(e.IDs), split, e.Depth),
						Remaining: e.IDs,
						Err:       errBad,
					}
				}
			}
		}
		return domain.Success(len(e.IDs))
	}, &seen
}

func TestPolicy(t *testing.T) {
	p := Policy{}
	assert.True(t, p.Divisible(2, true, 0))
	assert.False(t, p.Divisible(1, true, 0))
	assert.False(t, p.Divisible(5, false, 0))
	assert.Equal(t, domain.OutcomeTerminal, p.Classify(1, true, 9))

	capped := Policy{MaxDepth: 2}
	assert.True(t, capped.Divisible(8, true, 1))
	assert.False(t, capped.Divisible(8, true, 2))
}

func TestScheduler_IsolatesBadRecord(t *testing.T) {
	p := Policy{}
	run, seen := failOn(p, true, 12)
	s := NewScheduler(1, zap.NewNop())

	rep, err := s.Process(context.Background(), []Entry{{IDs: []int64{10, 11, 12, 13}}}, run)
	require.NoError(t, err)

	assert.Equal(t, [][]int64{{10, 11, 12, 13}, {10, 11}, {12, 13}, {12}, {13}}, *seen)
	require.Len(t, rep.Failures, 1, "exactly one terminal failure")
	assert.Equal(t, []int64{12}, rep.Failures[0].IDs)
	assert.ErrorIs(t, rep.Failures[0].Outcome.Err, errBad)
	assert.Equal(t, 3, rep.Count)
	assert.Equal(t, 5, rep.Attempts)
	assert.Empty(t, rep.Aborted)
}

func TestScheduler_SplitDisabledIsTerminal(t *testing.T) {
	p := Policy{}
	run, seen := failOn(p, false, 2)
	s := NewScheduler(1, zap.NewNop())

	rep, err := s.Process(context.Background(), []Entry{{IDs: []int64{1, 2, 3}}}, run)
	require.NoError(t, err)
	assert.Len(t, *seen, 1)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, []int64{1, 2, 3}, rep.Failures[0].IDs)
}

func TestScheduler_DepthBoundedByLog2(t *testing.T) {
	p := Policy{}
	for k := 1; k <= 40; k++ {
		ids := make([]int64, k)
		for i := range ids {
			ids[i] = int64(i)
		}
		bound := int(math.Ceil(math.Log2(float64(k))))
		for bad := 0; bad < k; bad++ {
			run, _ := failOn(p, true, int64(bad))
			rep, err := NewScheduler(1, zap.NewNop()).Process(context.Background(), []Entry{{IDs: ids}}, run)
			require.NoError(t, err)
			require.Len(t, rep.Failures, 1)
			assert.Equal(t, []int64{int64(bad)}, rep.Failures[0].IDs)
			assert.LessOrEqual(t, rep.Failures[0].Depth, bound, "k=%d bad=%d", k, bad)
			assert.Equal(t, k-1, rep.Count)
		}
	}
}

func TestScheduler_Parallel(t *testing.T) {
	p := Policy{}
	run, _ := failOn(p, true, 3, 17)
	ids := make([]int64, 32)
	for i := range ids {
		ids[i] = int64(i)
	}
	seeds := []Entry{{IDs: ids[:16]}, {IDs: ids[16:]}}

	rep, err := NewScheduler(4, zap.NewNop()).Process(context.Background(), seeds, run)
	require.NoError(t, err)
	require.Len(t, rep.Failures, 2)
	var failed []int64
	for _, f := range rep.Failures {
		failed = append(failed, f.IDs...)
	}
	assert.ElementsMatch(t, []int64{3, 17}, failed)
	assert.Equal(t, 30, rep.Count)
}

func TestScheduler_CanceledLeavesAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, seen := failOn(Policy{}, true)

	rep, err := NewScheduler(1, zap.NewNop()).Process(ctx, []Entry{{IDs: []int64{1}}, {IDs: []int64{2}}}, run)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *seen)
	assert.Len(t, rep.Aborted, 2)
}

type fakeEnqueuer struct {
	calls []domain.ExecArgs
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _, _ string, args interface{}, _ map[string]interface{}) (domain.JobID, error) {
	f.calls = append(f.calls, args.(domain.ExecArgs))
	return domain.JobID("j"), nil
}

func TestController_Resubmit(t *testing.T) {
	enq := &fakeEnqueuer{}
	c := NewController(enq, zap.NewNop())
	msg := &domain.Message{ID: "parent", Queue: "q", Func: domain.TaskExec}
	args := domain.ExecArgs{Batch: "b", IDs: []int64{1, 2, 3, 4, 5}, Depth: 1}

	jobs, err := c.Resubmit(context.Background(), msg, args, []int64{3, 4, 5})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	require.Len(t, enq.calls, 2)
	assert.Equal(t, []int64{3}, enq.calls[0].IDs)
	assert.Equal(t, []int64{4, 5}, enq.calls[1].IDs)
	assert.Equal(t, 2, enq.calls[0].Depth)
	assert.Equal(t, "b", enq.calls[1].Batch)
}
