// Package bisect recovers from chunk failures by halving the failed id range
// until a half succeeds or a single id proves unworkable.
//
// Two paths share one Policy. The distributed path resubmits both halves as new
// jobs through the broker and carries the depth in the job arguments. The local
// path keeps a worklist of (ids, depth) entries drained by a bounded pool.
package bisect

import (
	"context"

	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/chunk"
	"github.com/SirClappington/chunkq/internal/domain"
)

// Policy decides whether a failed chunk is divided further.
type Policy struct {
	// MaxDepth caps the number of bisections of one id range. Zero means no cap;
	// termination is still guaranteed because halves strictly shrink.
	MaxDepth int
}

// Divisible reports whether n remaining ids at depth may be halved again.
func (p Policy) Divisible(n int, split bool, depth int) bool {
	if n <= 1 || !split {
		return false
	}
	return p.MaxDepth <= 0 || depth < p.MaxDepth
}

// Classify returns the kind of a failed attempt.
func (p Policy) Classify(n int, split bool, depth int) domain.OutcomeKind {
	if p.Divisible(n, split, depth) {
		return domain.OutcomeRetryable
	}
	return domain.OutcomeTerminal
}

// Enqueuer is the broker side the controller resubmits through.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error)
}

// Controller resubmits the halves of a retryable chunk as independent jobs.
type Controller struct {
	enq Enqueuer
	log *zap.Logger
}

func NewController(enq Enqueuer, log *zap.Logger) *Controller {
	return &Controller{enq: enq, log: log.Named("bisect")}
}

// Resubmit halves remaining and enqueues each half as a new job at depth+1.
func (c *Controller) Resubmit(ctx context.Context, msg *domain.Message, args domain.ExecArgs, remaining []int64) ([]domain.JobID, error) {
	left, right := chunk.Halve(remaining)
	out := make([]domain.JobID, 0, 2)
	for _, half := range [][]int64{left, right} {
		if len(half) == 0 {
			continue
		}
		next := args
		next.IDs = half
		next.Depth = args.Depth + 1
		id, err := c.enq.Enqueue(ctx, msg.Queue, msg.Func, next, msg.Kwargs)
		if err != nil {
			return out, err
		}
		out = append(out, id)
	}
	c.log.Info("bisected chunk",
		zap.String("job_id", string(msg.ID)),
		zap.String("batch", args.Batch),
		zap.Int("ids", len(remaining)),
		zap.Int("depth", args.Depth+1),
		zap.Int("jobs", len(out)))
	return out, nil
}
