// Package batches holds the batches shipped with the dispatcher. They run
// against the Postgres database the workers are connected to.
package batches

import (
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/batch"
	"github.com/SirClappington/chunkq/internal/storage"
)

// Names of the built-in batches.
const (
	ViewValidate = "pg.view.validate"
	Analyze      = "pg.analyze"
	SQLUpdate    = "sql.update"
)

// Register adds every built-in batch to reg.
func Register(reg *batch.Registry, db storage.DB, log *zap.Logger) error {
	factories := map[string]batch.Factory{
		ViewValidate: func() batch.Batch { return &ViewValidation{db: db, log: log.Named(ViewValidate)} },
		Analyze:      func() batch.Batch { return &AnalyzeBatch{db: db, log: log.Named(Analyze)} },
		SQLUpdate:    func() batch.Batch { return &Update{db: db, log: log.Named(SQLUpdate)} },
	}
	for _, name := range []string{ViewValidate, Analyze, SQLUpdate} {
		if err := reg.Register(name, factories[name]); err != nil {
			return err
		}
	}
	return nil
}
