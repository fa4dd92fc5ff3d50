package batches

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/storage"
)

// AnalyzeBatch refreshes planner statistics once per run. Parameter tables is
// a comma separated list; empty analyzes the whole database.
type AnalyzeBatch struct {
	batch.NoSelect
	db  storage.DB
	log *zap.Logger
}

func (a *AnalyzeBatch) Execute(ctx context.Context, _ []interface{}, _ []int64, extra map[string]string) (int, error) {
	conn := storage.Conn(ctx, a.db)
	tables := splitList(extra["tables"])
	if len(tables) == 0 {
		if _, err := conn.Exec(ctx, "analyze"); err != nil {
			return 0, errors.Wrap(err, "analyze")
		}
		a.log.Info("database analyzed")
		return 1, nil
	}
	for _, t := range tables {
		if _, err := conn.Exec(ctx, "analyze "+pgx.Identifier(strings.Split(t, ".")).Sanitize()); err != nil {
			return 0, errors.Wrapf(err, "analyze %s", t)
		}
	}
	a.log.Info("tables analyzed", zap.Strings("tables", tables))
	return len(tables), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
