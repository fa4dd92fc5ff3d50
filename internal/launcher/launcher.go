// Package launcher starts top-level runs: it resolves a batch's configuration,
// selects its ids, partitions them and dispatches one job per chunk.
package launcher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/chunk"
	"github.com/SirClappington/chunkq/internal/config"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
	"github.com/SirClappington/chunkq/internal/logger"
)

// Parameter keys consumed by the launcher rather than the batch.
const (
	KeyConnectionDate = "connection_date"
	KeyTreatmentDate  = "treatment_date"
)

// Summary statuses.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusDispatched = "dispatched"
)

const unknownChain = "unknown"

type Lookup interface {
	Lookup(name string) (batch.Batch, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error)
}

type Summaries interface {
	SaveSummary(ctx context.Context, sum *domain.RunSummary) error
}

// Recorder receives run metrics. *metrics.Recorder satisfies it.
type Recorder interface {
	Enqueued(batch string, jobs int)
	Run(batch, status string)
}

type Launcher struct {
	reg  Lookup
	res  *config.Resolver
	enq  Enqueuer
	sums Summaries
	rec  Recorder
	log  *zap.Logger
	now  func() time.Time
}

func New(reg Lookup, res *config.Resolver, enq Enqueuer, sums Summaries, rec Recorder, log *zap.Logger) *Launcher {
	return &Launcher{reg: reg, res: res, enq: enq, sums: sums, rec: rec, log: log, now: time.Now}
}

// Result describes a dispatched run.
type Result struct {
	Batch    string
	Disabled bool
	Jobs     []domain.JobID
	// Sizes holds the number of ids of each dispatched job.
	Sizes   []int
	Records int
}

// Generate starts a run of name. overrides take precedence over every
// configuration layer.
func (l *Launcher) Generate(ctx context.Context, name string, overrides map[string]string) (Result, error) {
	log := logger.Batch(l.log, name)
	res := Result{Batch: name}

	def, err := l.res.Definition(name, overrides)
	if err != nil {
		return res, err
	}
	if def.Disabled {
		log.Info("batch has been disabled")
		res.Disabled = true
		return res, nil
	}
	b, err := l.reg.Lookup(name)
	if err != nil {
		return res, err
	}

	params, err := b.ParseParams(jobParams(def))
	if err != nil {
		return res, errors.Wrap(err, "parse params")
	}
	stored := params
	if s, ok := b.(batch.ParamsSerializer); ok {
		stored = s.SerializableParams(params)
	}
	log.Info("batch arguments",
		zap.String("connection_date", params.ConnectionDate),
		zap.String("treatment_date", params.TreatmentDate),
		zap.Int("job_size", params.JobSize),
		zap.Int("transaction_size", params.TransactionSize),
		zap.String("split_mode", string(params.SplitMode)),
		zap.Any("extra", params.Extra))

	start := l.now()
	res, err = l.dispatch(ctx, name, b, params, stored)
	if err != nil {
		log.Error("job generation crashed", zap.Error(err))
		l.summary(ctx, log, params.ChainName, name, start, -1, 0, StatusFailed)
		return res, err
	}
	if len(res.Jobs) == 0 {
		log.Info("nothing to process")
		l.summary(ctx, log, params.ChainName, name, start, 0, 0, StatusSuccess)
		return res, nil
	}
	if l.rec != nil {
		l.rec.Enqueued(name, len(res.Jobs))
	}
	l.summary(ctx, log, params.ChainName, name, start, len(res.Jobs), res.Records, StatusDispatched)
	log.Info("generated", zap.Int("jobs", len(res.Jobs)), zap.Int("records", res.Records))
	return res, nil
}

func jobParams(def config.BatchDefinition) domain.JobParams {
	p := domain.JobParams{
		ConnectionDate:  def.Extra[KeyConnectionDate],
		TreatmentDate:   def.Extra[KeyTreatmentDate],
		JobSize:         def.JobSize,
		TransactionSize: def.TransactionSize,
		Split:           def.Split,
		SplitMode:       def.SplitMode,
		SplitSize:       def.SplitSize,
		ChainName:       def.ChainName,
		Extra:           map[string]string{},
	}
	if p.ConnectionDate == "" {
		p.ConnectionDate = domain.Today().Format(domain.DateLayout)
	}
	if p.ChainName == "" {
		p.ChainName = unknownChain
	}
	for k, v := range def.Extra {
		if k != KeyConnectionDate && k != KeyTreatmentDate {
			p.Extra[k] = v
		}
	}
	return p
}

func (l *Launcher) dispatch(ctx context.Context, name string, b batch.Batch, params, stored domain.JobParams) (Result, error) {
	res := Result{Batch: name}
	units, err := b.SelectIDs(ctx, params.Treatment(), params.Extra)
	if err != nil {
		return res, errors.Wrap(err, "select ids")
	}
	chunks, fn, err := partition(b, units, params)
	if err != nil {
		return res, err
	}
	for _, ids := range chunks {
		id, err := l.enq.Enqueue(ctx, name, fn, domain.ExecArgs{Batch: name, IDs: ids, Params: stored}, nil)
		if err != nil {
			return res, err
		}
		res.Jobs = append(res.Jobs, id)
		res.Sizes = append(res.Sizes, len(ids))
		res.Records += len(ids)
	}
	return res, nil
}

// partition turns the selection into job chunks and picks the task that runs them.
func partition(b batch.Batch, units []domain.Unit, p domain.JobParams) ([][]int64, string, error) {
	if batch.IsNoSelect(b) {
		return [][]int64{{}}, domain.TaskExec, nil
	}
	switch p.SplitMode {
	case domain.SplitNumber:
		chunks, err := chunk.ChunksNumber(chunk.Flatten(units), p.SplitSize)
		return chunks, domain.TaskExec, err
	case domain.SplitDivide:
		chunks, err := chunk.ChunksSize(chunk.Flatten(units), p.SplitSize)
		return chunks, domain.TaskExec, err
	case domain.SplitMonoNumber, domain.SplitMonoDivide:
		if p.SplitSize <= 0 {
			return nil, "", exception.InvalidArgument("partition", "%s needs a positive split_size, got %d", p.SplitMode, p.SplitSize)
		}
		ids := chunk.Flatten(units)
		if len(ids) == 0 {
			return nil, domain.TaskMono, nil
		}
		chunks, err := chunk.ChunksSize(ids, 1)
		return chunks, domain.TaskMono, err
	case domain.SplitNone:
		chunks, err := chunk.SplitBatch(units, p.JobSize)
		return chunks, domain.TaskExec, err
	}
	return nil, "", exception.InvalidArgument("partition", "unknown split mode %q", p.SplitMode)
}

// Packets splits the ids of a mono job into the packets processed sequentially
// by a single worker.
func Packets(ids []int64, p domain.JobParams) ([][]int64, error) {
	switch p.SplitMode {
	case domain.SplitMonoNumber:
		return chunk.ChunksNumber(ids, p.SplitSize)
	case domain.SplitMonoDivide:
		return chunk.ChunksSize(ids, p.SplitSize)
	}
	return chunk.SplitJob(ids, p.JobSize)
}

func (l *Launcher) summary(ctx context.Context, log *zap.Logger, chain, name string, start time.Time, jobs, records int, status string) {
	if l.rec != nil {
		l.rec.Run(name, status)
	}
	if l.sums == nil {
		return
	}
	sum := &domain.RunSummary{
		ChainName:       chain,
		Queue:           name,
		NbJobs:          jobs,
		NbRecords:       records,
		FirstLaunchDate: start.Format(domain.RecordDateLayout),
		DurationInSec:   l.now().Sub(start).Seconds(),
		Status:          status,
	}
	if err := l.sums.SaveSummary(ctx, sum); err != nil {
		log.Warn("cannot save run summary", zap.Error(err))
	}
}

// GenerateAll is Generate with ISO business dates.
func (l *Launcher) GenerateAll(ctx context.Context, args domain.GenerateAllArgs) (Result, error) {
	overrides := map[string]string{}
	for k, v := range args.ExtraArgs {
		overrides[k] = v
	}
	for key, value := range map[string]string{KeyConnectionDate: args.ConnectionDate, KeyTreatmentDate: args.TreatmentDate} {
		if value == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, value); err != nil {
			return Result{Batch: args.Batch}, exception.InvalidArgument("generate_all", "%s %q is not an ISO date", key, value)
		}
		overrides[key] = value
	}
	return l.Generate(ctx, args.Batch, overrides)
}

// SelectIDs runs the selection of a batch without dispatching anything.
func (l *Launcher) SelectIDs(ctx context.Context, args domain.SelectArgs) ([]domain.Unit, error) {
	b, err := l.reg.Lookup(args.Batch)
	if err != nil {
		return nil, err
	}
	p := domain.JobParams{TreatmentDate: args.Date, Extra: args.ExtraArgs}
	if args.Date != "" {
		if _, err := time.Parse(domain.DateLayout, args.Date); err != nil {
			return nil, exception.InvalidArgument("select_ids", "date %q is not an ISO date", args.Date)
		}
	}
	if p, err = b.ParseParams(p); err != nil {
		return nil, errors.Wrap(err, "parse params")
	}
	return b.SelectIDs(ctx, p.Treatment(), p.Extra)
}
