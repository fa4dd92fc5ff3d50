package batches

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/storage"
)

const selectViews = `select c.oid::bigint
  from pg_catalog.pg_class c
  join pg_catalog.pg_namespace n on n.oid = c.relnamespace
 where c.relkind in ('v', 'm')
   and n.nspname not in ('pg_catalog', 'information_schema')
   and ($1 = '' or n.nspname = $1)
 order by 1`

// ViewValidation checks that every user view still has a definition.
// Parameters: schema restricts the selection, crash makes the batch fail on
// that view id.
type ViewValidation struct {
	batch.Base
	db  storage.DB
	log *zap.Logger
}

func (v *ViewValidation) SelectIDs(ctx context.Context, _ time.Time, extra map[string]string) ([]domain.Unit, error) {
	ids, err := storage.QueryIDs(ctx, v.db, selectViews, extra["schema"])
	if err != nil {
		return nil, errors.Wrap(err, "select views")
	}
	out := make([]domain.Unit, len(ids))
	for i, id := range ids {
		out[i] = domain.Unit{id}
	}
	return out, nil
}

func (v *ViewValidation) ParseParams(p domain.JobParams) (domain.JobParams, error) {
	if c := p.Extra["crash"]; c != "" {
		if _, err := strconv.ParseInt(c, 10, 64); err != nil {
			return p, errors.Errorf("crash must be a view id, got %q", c)
		}
	}
	return p, nil
}

func (v *ViewValidation) Execute(ctx context.Context, _ []interface{}, ids []int64, extra map[string]string) (int, error) {
	crash, _ := strconv.ParseInt(extra["crash"], 10, 64)
	conn := storage.Conn(ctx, v.db)
	for _, id := range ids {
		if crash != 0 && id == crash {
			return 0, errors.New("crash for fun")
		}
		var def *string
		if err := conn.QueryRow(ctx, "select pg_catalog.pg_get_viewdef($1::oid)", id).Scan(&def); err != nil {
			return 0, errors.Wrapf(err, "view %d", id)
		}
		if def == nil || *def == "" {
			v.log.Warn("view has no definition", zap.Int64("view", id))
		}
	}
	v.log.Info("views checked", zap.Int("count", len(ids)))
	return len(ids), nil
}
