// Package sqlstate implements the typed row operations of a state
// transaction over one open Postgres transaction. Soft-deleted rows are
// suppressed by default on every read path.
package sqlstate

import (
	"context"
	"fmt"
	"strings"

	"github.com/erauner12/outbox/internal/entity"
	"github.com/erauner12/outbox/internal/txerr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the slice of pgx.Tx the state transaction needs. pgx.Tx and
// pgxpool.Pool both satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Txn runs typed entity operations inside one store transaction.
type Txn struct {
	db       DBTX
	readOnly bool
}

// New creates a read-write state transaction over db.
func New(db DBTX) *Txn {
	return &Txn{db: db}
}

// NewReadOnly creates a state transaction whose mutations fail with
// InvalidOperation. Reads run against the snapshot db provides.
func NewReadOnly(db DBTX) *Txn {
	return &Txn{db: db, readOnly: true}
}

// GetOptions customizes a Get or FindOrFail.
type GetOptions struct {
	// IncludeSoftDeleted returns rows whose soft-delete column is non-null.
	IncludeSoftDeleted bool
	// Columns restricts the selected column set. It must include the
	// soft-delete column unless IncludeSoftDeleted is set.
	Columns []string
	// Index performs the lookup through a declared secondary index; the key
	// then addresses the index columns. When Columns is empty the row is
	// re-read by primary key to materialize the full record.
	Index string
}

// UpdateOptions customizes an Update.
type UpdateOptions struct {
	// Upsert inserts the partial (missing columns null) when the row is absent.
	Upsert bool
	// IncludeSoftDeleted allows updating a soft-deleted row.
	IncludeSoftDeleted bool
	// Validate is called with the pre-image before the write; an error aborts.
	Validate func(map[string]any) error
}

// DeleteOptions customizes a Delete.
type DeleteOptions struct {
	IncludeSoftDeleted bool
}

// QueryOptions customizes a raw Query.
type QueryOptions struct {
	// Type hydrates result rows into typed entities, preserving bigint
	// precision and timestamp truncation rules.
	Type *entity.Type
}

// Get reads one row by composite primary key. It returns nil when the row is
// absent or (by default) soft-deleted.
func (s *Txn) Get(ctx context.Context, t *entity.Type, key []any, opts GetOptions) (map[string]any, error) {
	if opts.Index != "" {
		return s.getViaIndex(ctx, t, key, opts)
	}
	if len(key) != len(t.PrimaryKey) {
		return nil, &txerr.InvalidArgumentError{
			Message: fmt.Sprintf("%s: key has %d fields, primary key has %d", t.Name, len(key), len(t.PrimaryKey)),
		}
	}
	cols, err := selectColumns(t, opts)
	if err != nil {
		return nil, err
	}
	args, err := keyArgs(t, t.PrimaryKey, key)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), t.Table, keyPredicate(t.PrimaryKey, 1))
	if sd := t.SoftDeleteColumn(); sd != "" && !opts.IncludeSoftDeleted {
		fmt.Fprintf(&sb, " AND %s IS NULL", sd)
	}

	return s.queryOne(ctx, t, sb.String(), cols, args)
}

func (s *Txn) getViaIndex(ctx context.Context, t *entity.Type, key []any, opts GetOptions) (map[string]any, error) {
	idx, ok := t.Index(opts.Index)
	if !ok {
		return nil, &txerr.InvalidQueryError{Message: fmt.Sprintf("%s: unknown index %q", t.Name, opts.Index)}
	}
	if len(key) != len(idx.Columns) {
		return nil, &txerr.InvalidArgumentError{
			Message: fmt.Sprintf("%s: key has %d fields, index %q has %d columns", t.Name, len(key), opts.Index, len(idx.Columns)),
		}
	}

	materialize := len(opts.Columns) == 0
	var cols []string
	var err error
	if materialize {
		cols = append([]string(nil), t.PrimaryKey...)
	} else {
		cols, err = selectColumns(t, opts)
		if err != nil {
			return nil, err
		}
	}
	args, err := keyArgs(t, idx.Columns, key)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), t.Table, keyPredicate(idx.Columns, 1))
	if sd := t.SoftDeleteColumn(); sd != "" && !opts.IncludeSoftDeleted {
		fmt.Fprintf(&sb, " AND %s IS NULL", sd)
	}

	row, err := s.queryOne(ctx, t, sb.String(), cols, args)
	if err != nil || row == nil {
		return nil, err
	}
	if !materialize {
		return row, nil
	}

	// Re-read by primary key for the full record.
	pk := make([]any, len(t.PrimaryKey))
	flat, err := entity.RowFromEntity(t, row)
	if err != nil {
		return nil, err
	}
	for i, k := range t.PrimaryKey {
		pk[i] = flat[k]
	}
	return s.Get(ctx, t, pk, GetOptions{IncludeSoftDeleted: opts.IncludeSoftDeleted})
}

// FindOrFail is Get that fails with NotFoundError when the row is absent.
func (s *Txn) FindOrFail(ctx context.Context, t *entity.Type, key []any, opts GetOptions) (map[string]any, error) {
	row, err := s.Get(ctx, t, key, opts)
	if err != nil {
		return nil, err
	}
	if row == nil {
		ks, kerr := t.KeyStrings(key)
		if kerr != nil {
			ks = []string{fmt.Sprint(key...)}
		}
		return nil, &txerr.NotFoundError{Entity: t.Name, Key: ks}
	}
	return row, nil
}

// Insert writes a new row. It fails with AlreadyExistsError on a primary-key
// collision, including collisions with soft-deleted rows.
func (s *Txn) Insert(ctx context.Context, t *entity.Type, m map[string]any) error {
	return s.InsertMany(ctx, t, []map[string]any{m})
}

// InsertMany writes several rows in one statement.
func (s *Txn) InsertMany(ctx context.Context, t *entity.Type, ms []map[string]any) error {
	if err := s.writable(); err != nil {
		return err
	}
	if len(ms) == 0 {
		return nil
	}
	names := t.ColumnNames()

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", t.Table, strings.Join(names, ", "))
	args := make([]any, 0, len(ms)*len(names))
	for i, m := range ms {
		row, err := entity.RowFromEntity(t, m)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, name := range names {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			args = append(args, row[name])
		}
		sb.WriteString(")")
	}

	if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
		terr := txerr.Translate(err)
		var ae *txerr.AlreadyExistsError
		if isAlreadyExists(terr, &ae) {
			keys := make([]string, 0, len(ms))
			for _, m := range ms {
				if kv, kerr := t.KeyFromEntity(m); kerr == nil {
					if ks, kerr := t.KeyStrings(kv); kerr == nil {
						keys = append(keys, strings.Join(ks, "/"))
					}
				}
			}
			return &txerr.AlreadyExistsError{Entity: t.Name, Key: keys, Detail: ae.Detail}
		}
		return terr
	}
	return nil
}

// Replace overwrites all columns of a row, inserting it when absent.
// Nullable fields absent from m become NULL.
func (s *Txn) Replace(ctx context.Context, t *entity.Type, m map[string]any) error {
	if err := s.writable(); err != nil {
		return err
	}
	row, err := entity.RowFromEntity(t, m)
	if err != nil {
		return err
	}
	if _, err := t.KeyFromEntity(m); err != nil {
		return err
	}

	names := t.ColumnNames()
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (", t.Table, strings.Join(names, ", "))
	args := make([]any, 0, len(names))
	for i, name := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", i+1)
		args = append(args, row[name])
	}
	fmt.Fprintf(&sb, ") ON CONFLICT (%s) DO UPDATE SET ", strings.Join(t.PrimaryKey, ", "))
	first := true
	for _, name := range names {
		if isKeyColumn(t, name) {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", name, name)
	}

	if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
		return txerr.Translate(err)
	}
	return nil
}

// Update merges a partial over the current row inside the transaction and
// writes the result back as a full replace. The partial must carry every
// primary-key column.
func (s *Txn) Update(ctx context.Context, t *entity.Type, partial map[string]any, opts UpdateOptions) (map[string]any, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	key, err := t.KeyFromEntity(partial)
	if err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, t, key, GetOptions{IncludeSoftDeleted: opts.IncludeSoftDeleted})
	if err != nil {
		return nil, err
	}
	if current == nil {
		if !opts.Upsert {
			ks, _ := t.KeyStrings(key)
			return nil, &txerr.NotFoundError{Entity: t.Name, Key: ks}
		}
		if err := s.Replace(ctx, t, partial); err != nil {
			return nil, err
		}
		return fullEntity(t, partial), nil
	}

	if opts.Validate != nil {
		if err := opts.Validate(current); err != nil {
			return nil, err
		}
	}

	merged := make(map[string]any, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	if err := s.Replace(ctx, t, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Delete removes a row and returns its pre-image. It fails with
// NotFoundError when the row is absent or (by default) soft-deleted.
func (s *Txn) Delete(ctx context.Context, t *entity.Type, key []any, opts DeleteOptions) (map[string]any, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	pre, err := s.FindOrFail(ctx, t, key, GetOptions{IncludeSoftDeleted: opts.IncludeSoftDeleted})
	if err != nil {
		return nil, err
	}
	args, err := keyArgs(t, t.PrimaryKey, key)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", t.Table, keyPredicate(t.PrimaryKey, 1))
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return nil, txerr.Translate(err)
	}
	return pre, nil
}

// Clear removes every row of the type inside the transaction.
func (s *Txn) Clear(ctx context.Context, t *entity.Type) error {
	if err := s.writable(); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE TRUE", t.Table)); err != nil {
		return txerr.Translate(err)
	}
	return nil
}

// Query executes a raw statement. With QueryOptions.Type set, rows hydrate
// into typed entities; columns outside the declaration pass through raw.
func (s *Txn) Query(ctx context.Context, sql string, args []any, opts QueryOptions) ([]map[string]any, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, txerr.Translate(err)
	}
	defer rows.Close()

	out := []map[string]any{}
	names := fieldNames(rows)
	for rows.Next() {
		m, err := hydrate(rows, names, opts.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, txerr.Translate(err)
	}
	return out, nil
}

// QueryBatches executes a raw statement and returns a lazy sequence of
// result batches of at most batchSize rows. Close the batches when done.
func (s *Txn) QueryBatches(ctx context.Context, sql string, args []any, batchSize int, opts QueryOptions) (*Batches, error) {
	if batchSize <= 0 {
		return nil, &txerr.InvalidArgumentError{Message: fmt.Sprintf("batch size %d must be positive", batchSize)}
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, txerr.Translate(err)
	}
	return &Batches{rows: rows, names: fieldNames(rows), size: batchSize, typ: opts.Type}, nil
}

// Batches iterates a query result in fixed-size chunks without loading the
// whole result set.
type Batches struct {
	rows  pgx.Rows
	names []string
	size  int
	typ   *entity.Type
	done  bool
}

// Next returns the next batch, or nil once the sequence is exhausted.
func (b *Batches) Next() ([]map[string]any, error) {
	if b.done {
		return nil, nil
	}
	batch := make([]map[string]any, 0, b.size)
	for len(batch) < b.size {
		if !b.rows.Next() {
			b.done = true
			b.rows.Close()
			if err := b.rows.Err(); err != nil {
				return nil, txerr.Translate(err)
			}
			break
		}
		m, err := hydrate(b.rows, b.names, b.typ)
		if err != nil {
			b.done = true
			b.rows.Close()
			return nil, err
		}
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

// Close releases the underlying rows early.
func (b *Batches) Close() {
	if !b.done {
		b.done = true
		b.rows.Close()
	}
}

func (s *Txn) writable() error {
	if s.readOnly {
		return &txerr.InvalidOperationError{Message: "mutation in a read-only transaction"}
	}
	return nil
}

func (s *Txn) queryOne(ctx context.Context, t *entity.Type, sql string, cols []string, args []any) (map[string]any, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, txerr.Translate(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, txerr.Translate(err)
		}
		return nil, nil
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, txerr.Translate(err)
	}
	return entity.EntityFromRow(t, cols, vals)
}

func selectColumns(t *entity.Type, opts GetOptions) ([]string, error) {
	if len(opts.Columns) == 0 {
		return t.ColumnNames(), nil
	}
	sd := t.SoftDeleteColumn()
	sdIncluded := false
	for _, c := range opts.Columns {
		if _, ok := t.Column(c); !ok {
			return nil, &txerr.InvalidQueryError{Message: fmt.Sprintf("%s: unknown column %q", t.Name, c)}
		}
		if c == sd {
			sdIncluded = true
		}
	}
	if sd != "" && !opts.IncludeSoftDeleted && !sdIncluded {
		return nil, &txerr.InvalidArgumentError{
			Message: fmt.Sprintf("%s: columns must include soft-delete column %q unless soft-deleted rows are included", t.Name, sd),
		}
	}
	return opts.Columns, nil
}

func keyArgs(t *entity.Type, cols []string, key []any) ([]any, error) {
	args := make([]any, len(key))
	for i, name := range cols {
		c, _ := t.Column(name)
		v, err := entity.StoreValue(c, key[i])
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func keyPredicate(cols []string, firstArg int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", c, firstArg+i)
	}
	return strings.Join(parts, " AND ")
}

func isKeyColumn(t *entity.Type, name string) bool {
	for _, k := range t.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

func isAlreadyExists(err error, target **txerr.AlreadyExistsError) bool {
	ae, ok := err.(*txerr.AlreadyExistsError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// fullEntity fills undeclared fields of a partial with explicit nils so the
// upsert return value has the complete column set.
func fullEntity(t *entity.Type, partial map[string]any) map[string]any {
	out := make(map[string]any, len(t.Columns))
	for _, c := range t.Columns {
		if v, ok := partial[c.Name]; ok {
			out[c.Name] = v
		} else {
			out[c.Name] = nil
		}
	}
	return out
}

func fieldNames(rows pgx.Rows) []string {
	fds := rows.FieldDescriptions()
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	return names
}

func hydrate(rows pgx.Rows, names []string, t *entity.Type) (map[string]any, error) {
	vals, err := rows.Values()
	if err != nil {
		return nil, txerr.Translate(err)
	}
	if t != nil {
		return entity.EntityFromRow(t, names, vals)
	}
	m := make(map[string]any, len(names))
	for i, name := range names {
		m[name] = vals[i]
	}
	return m, nil
}
