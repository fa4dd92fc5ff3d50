package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/chunkq/internal/domain"
)

const (
	jobPrefix     = "chunkq:job:"
	failKey       = "chunkq:fail"
	summaryPrefix = "chunkq:extra:"
)

// ErrNotFound is returned when a JobRecord is missing or expired.
var ErrNotFound = errors.New("storage: not found")

// Store keeps JobRecords, the failure ledger, and run summaries in redis.
// Each writer owns a distinct key, so concurrent workers never contend.
type Store struct {
	rdb *r.Client
	ttl time.Duration
}

func New(rdb *r.Client, ttl time.Duration) *Store { return &Store{rdb: rdb, ttl: ttl} }

// SaveJob persists rec with the store TTL.
func (s *Store) SaveJob(ctx context.Context, rec *domain.JobRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode job record")
	}
	return errors.Wrapf(s.rdb.SetEx(ctx, jobPrefix+string(rec.ID), body, s.ttl).Err(), "save job %s", rec.ID)
}

// LoadJob returns the JobRecord keyed by id.
func (s *Store) LoadJob(ctx context.Context, id domain.JobID) (*domain.JobRecord, error) {
	body, err := s.rdb.Get(ctx, jobPrefix+string(id)).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", id)
	}
	var rec domain.JobRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &rec, nil
}

// AppendFailure pushes id on the failure ledger.
func (s *Store) AppendFailure(ctx context.Context, id domain.JobID) error {
	return errors.Wrapf(s.rdb.LPush(ctx, failKey, string(id)).Err(), "ledger append %s", id)
}

// Failures lists the ledger, most recent first.
func (s *Store) Failures(ctx context.Context, limit int64) ([]domain.JobID, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	ids, err := s.rdb.LRange(ctx, failKey, 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read ledger")
	}
	out := make([]domain.JobID, len(ids))
	for i, id := range ids {
		out[i] = domain.JobID(id)
	}
	return out, nil
}

// SaveSummary records the outcome of one top-level run. Summaries are kept for
// observability and never read back by the dispatcher.
func (s *Store) SaveSummary(ctx context.Context, sum *domain.RunSummary) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return errors.Wrap(err, "encode summary")
	}
	key := summaryPrefix + sum.ChainName + sum.Queue + sum.FirstLaunchDate
	return errors.Wrapf(s.rdb.Set(ctx, key, body, 0).Err(), "save summary %s", key)
}

// Summary reads back a run summary. Used by operators and tests.
func (s *Store) Summary(ctx context.Context, chain, queue, start string) (*domain.RunSummary, error) {
	body, err := s.rdb.Get(ctx, summaryPrefix+chain+queue+start).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sum domain.RunSummary
	if err := json.Unmarshal(body, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}
