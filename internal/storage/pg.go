package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// Tx is the part of a database transaction the executor drives.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxManager opens transactions and binds them to a context.
type TxManager interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Beginner is satisfied by *pgxpool.Pool and pgx.Conn.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// PgTxManager opens pgx transactions.
type PgTxManager struct{ db Beginner }

func NewTxManager(db Beginner) *PgTxManager { return &PgTxManager{db: db} }

func (m *PgTxManager) Begin(ctx context.Context) (context.Context, Tx, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return ctx, nil, errors.Wrap(err, "begin transaction")
	}
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// TxFromContext returns the transaction bound by PgTxManager.Begin. Business code
// runs its statements on it so that the executor's commit covers them.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// NopTxManager is used when no database is configured.
type NopTxManager struct{}

type nopTx struct{}

func (nopTx) Commit(context.Context) error   { return nil }
func (nopTx) Rollback(context.Context) error { return nil }

func (NopTxManager) Begin(ctx context.Context) (context.Context, Tx, error) {
	return ctx, nopTx{}, nil
}

// IsTransient reports operational database errors worth retrying in place:
// serialization failures, deadlocks, lost connections, and server shutdowns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "40"), strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SelectIDs returns the column of table matching where, ordered by column.
func SelectIDs(ctx context.Context, q Querier, table, column, where string, args ...any) ([]int64, error) {
	sql := fmt.Sprintf("select %s from %s", pgx.Identifier{column}.Sanitize(), qualified(table))
	if where != "" {
		sql += " where " + where
	}
	sql += fmt.Sprintf(" order by %s", pgx.Identifier{column}.Sanitize())
	ids, err := QueryIDs(ctx, q, sql, args...)
	return ids, errors.Wrapf(err, "select ids from %s", table)
}

// QueryIDs runs sql and collects its single bigint column.
func QueryIDs(ctx context.Context, q Querier, sql string, args ...any) ([]int64, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Querier
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn returns the transaction bound to ctx, or db when there is none.
func Conn(ctx context.Context, db DB) DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

func qualified(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}
