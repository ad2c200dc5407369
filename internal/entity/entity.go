// Package entity holds the static metadata registry for typed records: table
// name, primary key, columns and their flags. State transactions consult the
// registry on every operation; there is no reflection on the hot path.
package entity

import (
	"fmt"
	"sync"

	"github.com/erauner12/outbox/internal/txerr"
)

// Column describes one declared column of an entity type.
type Column struct {
	Name string

	// At most one of Int, BigInt, JSON, PreciseDate applies.
	Int         bool // fixed-width integer, stored as BIGINT
	BigInt      bool // arbitrary-precision integer, stored as NUMERIC
	JSON        bool // free-form payload, stored as JSONB
	PreciseDate bool // sub-millisecond timestamp, stored as TIMESTAMPTZ

	// SoftDelete marks the nullable timestamp column that, when non-null,
	// means the row is soft-deleted. At most one column per type.
	SoftDelete bool

	// Nested maps a struct-valued field onto a flat set of columns named
	// parent_child. A nested column cannot itself be a key column.
	Nested *Type
}

// Index declares a secondary index usable for lookups.
type Index struct {
	Name    string
	Columns []string
}

// Type is the registered metadata for one entity type. Build it with
// Register; the zero value is not usable.
type Type struct {
	Name       string
	Table      string
	PrimaryKey []string
	Columns    []Column
	Indexes    []Index

	physical   []Column // nested columns flattened to parent_child
	byName     map[string]int
	softDelete string // physical name of the soft-delete column, or ""
}

// Register validates a declaration and returns the usable type. It fails
// with InvalidEntityDefinitionError on a missing primary key, an unknown key
// column, or more than one soft-delete column.
func Register(decl Type) (*Type, error) {
	t := decl
	if t.Name == "" {
		return nil, &txerr.InvalidEntityDefinitionError{Entity: "(anonymous)", Message: "type name is required"}
	}
	if t.Table == "" {
		return nil, &txerr.InvalidEntityDefinitionError{Entity: t.Name, Message: "table name is required"}
	}
	if len(t.PrimaryKey) == 0 {
		return nil, &txerr.InvalidEntityDefinitionError{Entity: t.Name, Message: "no primary key declared"}
	}

	t.physical = flatten("", t.Columns)
	t.byName = make(map[string]int, len(t.physical))
	for i, c := range t.physical {
		if _, dup := t.byName[c.Name]; dup {
			return nil, &txerr.InvalidEntityDefinitionError{Entity: t.Name, Message: fmt.Sprintf("duplicate column %q", c.Name)}
		}
		t.byName[c.Name] = i
		if c.SoftDelete {
			if t.softDelete != "" {
				return nil, &txerr.InvalidEntityDefinitionError{Entity: t.Name, Message: "more than one soft-delete column"}
			}
			t.softDelete = c.Name
		}
	}
	for _, k := range t.PrimaryKey {
		if _, ok := t.byName[k]; !ok {
			return nil, &txerr.InvalidEntityDefinitionError{Entity: t.Name, Message: fmt.Sprintf("primary key column %q is not declared", k)}
		}
	}
	for _, idx := range t.Indexes {
		for _, c := range idx.Columns {
			if _, ok := t.byName[c]; !ok {
				return nil, &txerr.InvalidEntityDefinitionError{Entity: t.Name, Message: fmt.Sprintf("index %q references unknown column %q", idx.Name, c)}
			}
		}
	}
	return &t, nil
}

// MustRegister is Register for package-level declarations.
func MustRegister(decl Type) *Type {
	t, err := Register(decl)
	if err != nil {
		panic(err)
	}
	return t
}

func flatten(prefix string, cols []Column) []Column {
	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		name := c.Name
		if prefix != "" {
			name = prefix + "_" + c.Name
		}
		if c.Nested != nil {
			out = append(out, flatten(name, c.Nested.Columns)...)
			continue
		}
		fc := c
		fc.Name = name
		out = append(out, fc)
	}
	return out
}

// PhysicalColumns returns the flat column list, nested fields expanded to
// their parent_child names.
func (t *Type) PhysicalColumns() []Column { return t.physical }

// ColumnNames returns the physical column names in declaration order.
func (t *Type) ColumnNames() []string {
	names := make([]string, len(t.physical))
	for i, c := range t.physical {
		names[i] = c.Name
	}
	return names
}

// Column looks up a physical column by name.
func (t *Type) Column(name string) (Column, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Column{}, false
	}
	return t.physical[i], true
}

// SoftDeleteColumn returns the physical soft-delete column name, or "" when
// the type does not soft-delete.
func (t *Type) SoftDeleteColumn() string { return t.softDelete }

// Index looks up a declared secondary index by name.
func (t *Type) Index(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Versioned appends the created_at / updated_at / deleted_at triple to a
// declaration, with deleted_at as the soft-delete marker.
func Versioned(decl Type) Type {
	decl.Columns = append(decl.Columns,
		Column{Name: "created_at"},
		Column{Name: "updated_at"},
		Column{Name: "deleted_at", SoftDelete: true},
	)
	return decl
}

// Registry is a named collection of registered types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Add registers a declaration under its type name.
func (r *Registry) Add(decl Type) (*Type, error) {
	t, err := Register(decl)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[t.Name]; dup {
		return nil, &txerr.InvalidEntityDefinitionError{Entity: t.Name, Message: "type already registered"}
	}
	r.types[t.Name] = t
	return t, nil
}

// Lookup returns a registered type by name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}
