package batch

import (
	"context"
	"time"

	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/storage"
)

// DomainFunc builds the filter of a selection: a SQL predicate and its arguments.
// An empty predicate matches every row.
type DomainFunc func(treatment time.Time, extra map[string]string) (string, []interface{})

// SQLSelector is the default selection: ids of Table filtered by Domain, ordered
// by Column. Embed it in a batch to get SelectIDs.
type SQLSelector struct {
	DB     storage.Querier
	Table  string
	Column string
	Domain DomainFunc
}

func (s SQLSelector) SelectIDs(ctx context.Context, treatment time.Time, extra map[string]string) ([]domain.Unit, error) {
	column := s.Column
	if column == "" {
		column = "id"
	}
	var (
		where string
		args  []interface{}
	)
	if s.Domain != nil {
		where, args = s.Domain(treatment, extra)
	}
	ids, err := storage.SelectIDs(ctx, s.DB, s.Table, column, where, args...)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Unit, len(ids))
	for i, id := range ids {
		out[i] = domain.Unit{id}
	}
	return out, nil
}
