// Package hooks runs the side effects of a finished chunk: the failure ledger
// and the batch's own notification callbacks. Callback failures are logged and
// never reach the worker.
package hooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
)

// Ledger records terminally failed jobs.
type Ledger interface {
	AppendFailure(ctx context.Context, id domain.JobID) error
}

type Hooks struct {
	ledger Ledger
	log    *zap.Logger
}

func New(ledger Ledger, log *zap.Logger) *Hooks {
	return &Hooks{ledger: ledger, log: log.Named("hooks")}
}

// Failed appends id to the ledger, then notifies b. The ledger error is
// returned; notification errors are not.
func (h *Hooks) Failed(ctx context.Context, id domain.JobID, name string, b batch.Batch, ids []int64, cause error) error {
	h.logFailure(id, name, ids, cause)
	err := h.Record(ctx, id, name)
	h.notifyFailure(ctx, id, name, b, ids, cause)
	return err
}

// Record appends id to the ledger.
func (h *Hooks) Record(ctx context.Context, id domain.JobID, name string) error {
	err := h.ledger.AppendFailure(ctx, id)
	if err != nil {
		h.log.Error("ledger append failed", zap.String("job_id", string(id)), zap.String("batch", name), zap.Error(err))
	}
	return err
}

// Notify reports the failure of ids to b without touching the ledger. A job
// failing several times calls Record once and Notify for each failure.
func (h *Hooks) Notify(ctx context.Context, id domain.JobID, name string, b batch.Batch, ids []int64, cause error) {
	h.logFailure(id, name, ids, cause)
	h.notifyFailure(ctx, id, name, b, ids, cause)
}

func (h *Hooks) logFailure(id domain.JobID, name string, ids []int64, cause error) {
	h.log.Error("job failed",
		zap.String("job_id", string(id)),
		zap.String("batch", name),
		zap.Int64s("ids", ids),
		zap.String("reason", exception.Message(cause)),
		zap.Error(cause))
}

func (h *Hooks) notifyFailure(ctx context.Context, id domain.JobID, name string, b batch.Batch, ids []int64, cause error) {
	if batch.IsNoSelect(b) {
		return
	}
	if n, ok := b.(batch.FailureNotifier); ok {
		log := h.log.With(zap.String("job_id", string(id)), zap.String("batch", name))
		guard(log, "on_job_fail", func() error { return n.OnJobFail(ctx, ids, cause) })
	}
}

// Succeeded notifies b of a successful chunk.
func (h *Hooks) Succeeded(ctx context.Context, id domain.JobID, name string, b batch.Batch, ids []int64, count int) {
	if batch.IsNoSelect(b) {
		return
	}
	if n, ok := b.(batch.SuccessNotifier); ok {
		log := h.log.With(zap.String("job_id", string(id)), zap.String("batch", name))
		guard(log, "on_job_success", func() error { return n.OnJobSuccess(ctx, ids, count) })
	}
}

func guard(log *zap.Logger, hook string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("hook panicked", zap.String("hook", hook), zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	if err := fn(); err != nil {
		log.Error("hook failed", zap.String("hook", hook), zap.Error(err))
	}
}
