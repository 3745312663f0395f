package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wavefetch/internal/platform/store/sqlite"
)

// dbAdapter wraps sqlite.DB and implements RowQuerier + TxRunner
// it also emits query trace events when a tracer is configured on sqlite.DB
type dbAdapter struct {
	d *sqlite.DB
}

func newDBAdapter(d *sqlite.DB) *dbAdapter { return &dbAdapter{d: d} }

func (a *dbAdapter) Ping(ctx context.Context) error {
	if a == nil {
		return errors.New("sqlite: nil adapter")
	}
	return a.d.Conn.PingContext(ctx)
}

func (a *dbAdapter) Close() error { a.d.Close(); return nil }

func (a *dbAdapter) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	start := time.Now()
	res, err := a.d.Conn.ExecContext(ctx, query, args...)
	a.emit(ctx, query, args, start, err)
	if err != nil {
		return nil, err
	}
	return resultTag{res}, nil
}

func (a *dbAdapter) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := a.d.Conn.QueryContext(ctx, query, args...)
	a.emit(ctx, query, args, start, err)
	if err != nil {
		return nil, err
	}
	return rowsAdapter{r: rs}, nil
}

func (a *dbAdapter) QueryRow(ctx context.Context, query string, args ...any) Row {
	start := time.Now()
	r := a.d.Conn.QueryRowContext(ctx, query, args...)
	return rowAdapter{
		r: r,
		after: func(scanErr error) {
			a.emit(ctx, query, args, start, scanErr)
		},
	}
}

func (a *dbAdapter) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	tx, err := a.d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	q := txQuerier{
		tx:     tx,
		tracer: a.d.Tracer,
		slowUS: int64(a.d.SlowMs) * 1000,
	}
	if err := fn(q); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// emit sends a query event to the configured tracer
func (a *dbAdapter) emit(ctx context.Context, query string, args []any, start time.Time, err error) {
	if a == nil || a.d == nil || a.d.Tracer == nil {
		return
	}
	elapsedUS := time.Since(start).Microseconds()
	slow := a.d.SlowMs >= 0 && elapsedUS >= int64(a.d.SlowMs)*1000
	a.d.Tracer.OnQuery(ctx, sqlite.QueryEvent{
		SQL:       query,
		Args:      args,
		ElapsedUS: elapsedUS,
		Err:       err,
		Slow:      slow,
	})
}

// adapters for database/sql to our tiny Row/Rows/CommandTag

type rowAdapter struct {
	r     *sql.Row
	after func(error)
}

func (x rowAdapter) Scan(dst ...any) error {
	err := x.r.Scan(dst...)
	if x.after != nil {
		x.after(err)
	}
	return err
}

type rowsAdapter struct{ r *sql.Rows }

func (x rowsAdapter) Next() bool            { return x.r.Next() }
func (x rowsAdapter) Scan(dst ...any) error { return x.r.Scan(dst...) }
func (x rowsAdapter) Err() error            { return x.r.Err() }
func (x rowsAdapter) Close()                { x.r.Close() }
func (x rowsAdapter) Columns() []string {
	cols, err := x.r.Columns()
	if err != nil {
		return nil
	}
	return cols
}

// resultTag wraps sql.Result so we satisfy our CommandTag interface
type resultTag struct{ r sql.Result }

func (t resultTag) String() string {
	n, err := t.r.RowsAffected()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("rows_affected=%d", n)
}

func (t resultTag) RowsAffected() int64 {
	n, err := t.r.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// txQuerier uses *sql.Tx to satisfy RowQuerier inside a Tx
// it mirrors dbAdapter emit behavior so queries inside transactions are also traced
type txQuerier struct {
	tx     *sql.Tx
	tracer sqlite.QueryTracer
	slowUS int64
}

func (t txQuerier) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	start := time.Now()
	res, err := t.tx.ExecContext(ctx, query, args...)
	t.emit(ctx, query, args, start, err)
	if err != nil {
		return nil, err
	}
	return resultTag{res}, nil
}

func (t txQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := t.tx.QueryContext(ctx, query, args...)
	t.emit(ctx, query, args, start, err)
	if err != nil {
		return nil, err
	}
	return rowsAdapter{r: rs}, nil
}

func (t txQuerier) QueryRow(ctx context.Context, query string, args ...any) Row {
	start := time.Now()
	r := t.tx.QueryRowContext(ctx, query, args...)
	return rowAdapter{
		r: r,
		after: func(scanErr error) {
			t.emit(ctx, query, args, start, scanErr)
		},
	}
}

func (t txQuerier) emit(ctx context.Context, query string, args []any, start time.Time, err error) {
	if t.tracer == nil {
		return
	}
	elapsedUS := time.Since(start).Microseconds()
	slow := t.slowUS >= 0 && elapsedUS >= t.slowUS
	t.tracer.OnQuery(ctx, sqlite.QueryEvent{
		SQL:       query,
		Args:      args,
		ElapsedUS: elapsedUS,
		Err:       err,
		Slow:      slow,
	})
}
