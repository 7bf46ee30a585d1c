package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/pulse/internal/engine"
)

// Tx is a store transaction. It implements engine.Tx and reason.Timeline.
type Tx struct {
	tx   *sql.Tx
	mode engine.TxMode
	done bool
}

var _ engine.Tx = (*Tx)(nil)

// Mode returns the transaction mode.
func (t *Tx) Mode() engine.TxMode { return t.mode }

// writable is checked before every statement that changes rows.
func (t *Tx) writable(op string) error {
	if t.mode != engine.TxReadWrite {
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	}
	return nil
}

// Commit commits a read-write transaction. A read-only transaction is
// rolled back since it changed nothing.
func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if t.mode == engine.TxReadOnly {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", translate(err))
	}
	return nil
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, translate(err)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	return rows, translate(err)
}
