package runner

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool records opened transactions and their statements.
type fakePool struct {
	mu       sync.Mutex
	begins   []pgx.TxOptions
	execs    []stmt
	onExec   func(sql string, args []any) error
	onCommit func() error

	committed  int
	rolledBack int
}

type stmt struct {
	sql  string
	args []any
}

func (f *fakePool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	f.mu.Lock()
	f.begins = append(f.begins, txOptions)
	f.mu.Unlock()
	return &fakeTx{pool: f}, nil
}

type fakeTx struct {
	pool *fakePool
	done bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if t.pool.onCommit != nil {
		if err := t.pool.onCommit(); err != nil {
			return err
		}
	}
	t.done = true
	t.pool.mu.Lock()
	t.pool.committed++
	t.pool.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.pool.mu.Lock()
	t.pool.rolledBack++
	t.pool.mu.Unlock()
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.pool.mu.Lock()
	t.pool.execs = append(t.pool.execs, stmt{sql: sql, args: args})
	t.pool.mu.Unlock()
	if t.pool.onExec != nil {
		if err := t.pool.onExec(sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(dest ...any) error { return pgx.ErrNoRows }

// fakeWaker counts Wake calls.
type fakeWaker struct {
	mu    sync.Mutex
	wakes int
}

func (w *fakeWaker) Wake() {
	w.mu.Lock()
	w.wakes++
	w.mu.Unlock()
}

func (w *fakeWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wakes
}
