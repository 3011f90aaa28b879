// Package db provides the Postgres connection pool and the
// transaction-from-context pattern used by every repository, grounded on
// the teacher's pkg/storage/postgres.BaseStore.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type ctxKey string

const txKey ctxKey = "db_tx"

// Open opens a Postgres pool via lib/pq and wraps it with sqlx for struct
// scanning.
func Open(dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	dbx, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	dbx.SetMaxOpenConns(maxOpen)
	dbx.SetMaxIdleConns(maxIdle)
	return dbx, nil
}

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, letting repositories
// work unchanged whether or not they are inside a transaction.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// BaseStore carries the pool and resolves the active Querier from context,
// exactly as the teacher's BaseStore does.
type BaseStore struct {
	DB *sqlx.DB
}

func NewBaseStore(dbx *sqlx.DB) BaseStore { return BaseStore{DB: dbx} }

// Querier returns the transaction bound to ctx, if any, otherwise the pool.
func (s BaseStore) Querier(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return s.DB
}

// WithTx runs fn inside a single DB transaction, injecting it into ctx so
// that every repository call made from fn participates in the same
// transaction.
func (s BaseStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("db: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}
