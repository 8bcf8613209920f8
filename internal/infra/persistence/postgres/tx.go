package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/audiosum/internal/domain/tx"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func withTx(ctx context.Context, t pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, t)
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	t, ok := ctx.Value(txKey{}).(pgx.Tx)
	return t, ok && t != nil
}

// conn returns the transaction carried by ctx, falling back to the pool.
func conn(ctx context.Context, pool *pgxpool.Pool, component string) (querier, error) {
	if t, ok := txFrom(ctx); ok {
		return t, nil
	}
	if pool == nil {
		return nil, fmt.Errorf("%s: nil pool", component)
	}
	return pool, nil
}

// TxManager runs units of work in a single PostgreSQL transaction.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager constructs a TxManager backed by the provided pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithinTx begins a transaction, runs fn and commits. A transaction already carried by
// ctx is joined instead of nesting.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	if m.pool == nil {
		return fmt.Errorf("tx manager: nil pool")
	}
	t, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx manager: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = t.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			if rbErr := t.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("tx manager: rollback: %w", rbErr))
			}
		}
	}()
	if err = fn(withTx(ctx, t)); err != nil {
		return err
	}
	if err = t.Commit(ctx); err != nil {
		return fmt.Errorf("tx manager: commit: %w", err)
	}
	return nil
}

var _ tx.Manager = (*TxManager)(nil)
