package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTxTimeout = 15 * time.Second

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxFunc is executed within a database transaction. Repositories called with ctx join it.
type TxFunc func(ctx context.Context) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	timeout time.Duration
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn within a read committed transaction on the provided pool. A nested
// call runs fn inside a savepoint of the outer transaction, so its failure rolls back only its own
// writes; options only apply to the outermost call.
func RunTransaction(ctx context.Context, pool *pgxpool.Pool, fn TxFunc, opts ...TxOption) error {
	if pool == nil {
		return WrapError("transaction", errors.New("postgres: pool is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if outer, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return runSavepoint(ctx, outer, fn)
	}

	cfg := txConfig{timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		}
	}
	if cancel != nil {
		defer cancel()
	}

	tx, err := pool.BeginTx(txnCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(txnCtx)
	}()

	if err := fn(context.WithValue(txnCtx, txKey{}, tx)); err != nil {
		return err
	}
	return WrapError("commit transaction", tx.Commit(txnCtx))
}

func runSavepoint(ctx context.Context, outer pgx.Tx, fn TxFunc) error {
	sp, err := outer.Begin(ctx)
	if err != nil {
		return WrapError("begin savepoint", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, sp)); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, WrapError("rollback savepoint", rbErr))
		}
		return err
	}
	return WrapError("release savepoint", sp.Commit(ctx))
}

// Conn returns the transaction bound to ctx, falling back to the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

