package batches

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/storage"
)

// Update applies a configured assignment to the rows of a table.
//
// Parameters:
//
//	table      the table to update, optionally schema qualified (required)
//	set        the assignment list, e.g. "status = 'archived'" (required)
//	where      a predicate restricting the selection; $1 is the treatment date
//	id_column  the identifier column, "id" by default
type Update struct {
	batch.Base
	db  storage.DB
	log *zap.Logger
}

func (u *Update) ParseParams(p domain.JobParams) (domain.JobParams, error) {
	if p.Extra["table"] == "" || p.Extra["set"] == "" {
		return p, errors.New("sql.update needs table and set")
	}
	if p.Extra["id_column"] == "" {
		extra := make(map[string]string, len(p.Extra)+1)
		for k, v := range p.Extra {
			extra[k] = v
		}
		extra["id_column"] = "id"
		p.Extra = extra
	}
	return p, nil
}

func (u *Update) selector(extra map[string]string) batch.SQLSelector {
	return batch.SQLSelector{
		DB:     u.db,
		Table:  extra["table"],
		Column: extra["id_column"],
		Domain: func(treatment time.Time, extra map[string]string) (string, []interface{}) {
			where := extra["where"]
			if where == "" {
				return "", nil
			}
			if strings.Contains(where, "$1") {
				return where, []interface{}{treatment}
			}
			return where, nil
		},
	}
}

func (u *Update) SelectIDs(ctx context.Context, treatment time.Time, extra map[string]string) ([]domain.Unit, error) {
	return u.selector(extra).SelectIDs(ctx, treatment, extra)
}

func (u *Update) Execute(ctx context.Context, _ []interface{}, ids []int64, extra map[string]string) (int, error) {
	sql := fmt.Sprintf("update %s set %s where %s = any($1)",
		pgx.Identifier(strings.Split(extra["table"], ".")).Sanitize(),
		extra["set"],
		pgx.Identifier{extra["id_column"]}.Sanitize())
	tag, err := storage.Conn(ctx, u.db).Exec(ctx, sql, ids)
	if err != nil {
		return 0, err
	}
	u.log.Debug("rows updated", zap.Int64("rows", tag.RowsAffected()))
	return int(tag.RowsAffected()), nil
}
