package sqlstate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB records statements and serves canned results, standing in for an
// open pgx transaction.
type fakeDB struct {
	calls   []dbCall
	onQuery func(sql string, args []any) (names []string, rows [][]any, err error)
	onExec  func(sql string, args []any) error
}

type dbCall struct {
	kind string // "query" | "exec"
	sql  string
	args []any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, dbCall{kind: "exec", sql: sql, args: args})
	if f.onExec != nil {
		if err := f.onExec(sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, dbCall{kind: "query", sql: sql, args: args})
	if f.onQuery == nil {
		return &fakeRows{}, nil
	}
	names, rows, err := f.onQuery(sql, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{names: names, rows: rows}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := f.Query(ctx, sql, args...)
	if err != nil {
		return errRow{err: err}
	}
	return rowAdapter{rows: rows}
}

func (f *fakeDB) lastSQL(kind string) string {
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].kind == kind {
			return f.calls[i].sql
		}
	}
	return ""
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type rowAdapter struct{ rows pgx.Rows }

func (r rowAdapter) Scan(dest ...any) error {
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

// fakeRows implements just enough of pgx.Rows for the state transaction.
type fakeRows struct {
	names  []string
	rows   [][]any
	i      int
	err    error
	closed bool
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }
func (r *fakeRows) RawValues() [][]byte           { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.names))
	for i, n := range r.names {
		fds[i].Name = n
	}
	return fds
}

func (r *fakeRows) Next() bool {
	if r.i < len(r.rows) {
		r.i++
		return true
	}
	return false
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.i-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	vals := r.rows[r.i-1]
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d targets for %d values", len(dest), len(vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = vals[i].(string)
		case *int64:
			*p = vals[i].(int64)
		case *any:
			*p = vals[i]
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}
