// Package batch defines the contract a business batch implements and the typed
// registry the dispatcher resolves batch names through.
package batch

import (
	"context"
	"time"

	"github.com/SirClappington/chunkq/internal/domain"
)

// Batch is the capability set every registered batch provides.
type Batch interface {
	// SelectIDs returns the ordered grouping units to process. The order must be
	// deterministic so that chunking is reproducible under retry.
	SelectIDs(ctx context.Context, treatment time.Time, extra map[string]string) ([]domain.Unit, error)
	// ConvertToInstances loads the objects behind ids.
	ConvertToInstances(ctx context.Context, ids []int64, extra map[string]string) ([]interface{}, error)
	// Execute runs the business operation on one sub-batch. A zero count is
	// reported as len(ids).
	Execute(ctx context.Context, objects []interface{}, ids []int64, extra map[string]string) (int, error)
	// ParseParams normalizes parameters before selection and before each run.
	ParseParams(p domain.JobParams) (domain.JobParams, error)
}

// ParamsSerializer lets a batch trim the parameters stored with each job.
type ParamsSerializer interface {
	SerializableParams(p domain.JobParams) domain.JobParams
}

// Configurer lets a batch override built-in configuration items.
type Configurer interface {
	Configuration() map[string]string
}

// SuccessNotifier is called after a chunk succeeded.
type SuccessNotifier interface {
	OnJobSuccess(ctx context.Context, ids []int64, count int) error
}

// FailureNotifier is called after a chunk failed terminally.
type FailureNotifier interface {
	OnJobFail(ctx context.Context, ids []int64, err error) error
}

// Base provides the default behaviors a batch embeds: instances are the ids
// themselves and parameters are used as given.
type Base struct{}

func (Base) ConvertToInstances(_ context.Context, ids []int64, _ map[string]string) ([]interface{}, error) {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out, nil
}

func (Base) ParseParams(p domain.JobParams) (domain.JobParams, error) { return p, nil }

// NoSelect is embedded by batches that do not iterate over records. They run
// once per generation with an empty id list and skip lifecycle hooks.
type NoSelect struct{ Base }

func (NoSelect) SelectIDs(context.Context, time.Time, map[string]string) ([]domain.Unit, error) {
	return nil, nil
}

func (NoSelect) ConvertToInstances(context.Context, []int64, map[string]string) ([]interface{}, error) {
	return nil, nil
}

func (NoSelect) noSelect() {}

type noSelecter interface{ noSelect() }

// IsNoSelect reports whether b embeds NoSelect.
func IsNoSelect(b Batch) bool {
	_, ok := b.(noSelecter)
	return ok
}

type runKey struct{}

// Run is the execution context bound to every chunk run: a fixed system identity
// and the business dates of the run.
type Run struct {
	User           string
	Batch          string
	JobID          domain.JobID
	ConnectionDate time.Time
	TreatmentDate  time.Time
}

// WithRun binds run to ctx.
func WithRun(ctx context.Context, run Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFrom returns the run bound to ctx.
func RunFrom(ctx context.Context) (Run, bool) {
	run, ok := ctx.Value(runKey{}).(Run)
	return run, ok
}
