package bisect

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/chunkq/internal/chunk"
	"github.com/SirClappington/chunkq/internal/domain"
)

// Entry is one id range of the worklist.
type Entry struct {
	IDs   []int64
	Depth int
}

// RunFunc executes one entry.
type RunFunc func(ctx context.Context, e Entry) domain.Outcome

// Failure is an entry that failed terminally.
type Failure struct {
	Entry
	Outcome domain.Outcome
}

// Report summarizes a drained worklist.
type Report struct {
	Attempts  int
	Count     int
	Succeeded []Entry
	Failures  []Failure
	// Aborted lists entries never run because ctx ended.
	Aborted []Entry
}

type result struct {
	entry Entry
	out   domain.Outcome
}

// Scheduler drains a bisection worklist with a bounded pool. A pool of one
// processes entries sequentially, halves first, so ids are visited in order.
type Scheduler struct {
	size int64
	sem  *semaphore.Weighted
	log  *zap.Logger
}

func NewScheduler(size int64, log *zap.Logger) *Scheduler {
	if size <= 0 {
		size = 1
	}
	return &Scheduler{size: size, sem: semaphore.NewWeighted(size), log: log.Named("bisect")}
}

// Process runs seeds and every half produced by retryable outcomes until the
// worklist is empty or ctx ends.
func (s *Scheduler) Process(ctx context.Context, seeds []Entry, run RunFunc) (Report, error) {
	var rep Report
	work := append([]Entry(nil), seeds...)
	results := make(chan result, s.size)
	inflight := 0

	for len(work) > 0 || inflight > 0 {
		if len(work) > 0 && ctx.Err() == nil && s.sem.TryAcquire(1) {
			e := work[0]
			work = work[1:]
			inflight++
			go func(e Entry) {
				out := run(ctx, e)
				s.sem.Release(1)
				results <- result{entry: e, out: out}
			}(e)
			continue
		}
		if inflight == 0 {
			// ctx ended with entries left.
			break
		}

		res := <-results
		inflight--
		rep.Attempts++
		switch res.out.Kind {
		case domain.OutcomeSuccess:
			rep.Succeeded = append(rep.Succeeded, res.entry)
			rep.Count += res.out.Total()
		case domain.OutcomeRetryable:
			rep.Count += res.out.Total()
			left, right := chunk.Halve(res.out.Remaining)
			halves := []Entry{
				{IDs: left, Depth: res.entry.Depth + 1},
				{IDs: right, Depth: res.entry.Depth + 1},
			}
			s.log.Debug("requeue halves",
				zap.Int("ids", len(res.out.Remaining)),
				zap.Int("depth", res.entry.Depth+1))
			work = append(halves, work...)
		default:
			rep.Count += res.out.Total()
			rep.Failures = append(rep.Failures, Failure{Entry: res.entry, Outcome: res.out})
		}
	}
	rep.Aborted = work
	return rep, ctx.Err()
}
