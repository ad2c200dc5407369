// Package docstate implements typed document reads and writes with a
// soft-delete shadow collection per type. Active and shadow copies of a
// document are kept mutually exclusive by pairing every write with the
// matching delete in the same store transaction.
package docstate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/erauner12/outbox/internal/docstore"
	"github.com/erauner12/outbox/internal/entity"
	"github.com/erauner12/outbox/internal/txerr"
)

// TTLField is written on shadow documents so the store's TTL policy removes
// them after the expiration delay.
const TTLField = "_expirationDate"

// Type binds entity metadata to a document collection. When the entity
// declares a soft-delete column, deleted documents move to the shadow
// collection named by appending "$deleted" to the leaf path segment.
type Type struct {
	*entity.Type
	// Collection is the slash-separated collection path. Nested paths keep
	// their parent segments; only the leaf is rewritten for the shadow.
	Collection string
	// Expiration is the delay between deletedAt and the shadow document's
	// TTL expiration.
	Expiration time.Duration
}

// Txn runs typed document operations inside one store transaction.
type Txn struct {
	tx       docstore.Txn
	readOnly bool
}

// New creates a read-write document state transaction over tx.
func New(tx docstore.Txn) *Txn {
	return &Txn{tx: tx}
}

// NewReadOnly creates a document state transaction whose mutations fail
// with InvalidOperation.
func NewReadOnly(tx docstore.Txn) *Txn {
	return &Txn{tx: tx, readOnly: true}
}

// Get reads one document by composite key. The active collection wins; the
// shadow is consulted only when the type soft-deletes and the active copy is
// absent, and the TTL field is stripped from the result. Returns nil when
// neither copy exists.
func (t *Txn) Get(ctx context.Context, typ *Type, key []any) (map[string]any, error) {
	id, err := docID(typ, key)
	if err != nil {
		return nil, err
	}

	doc, err := t.tx.Get(ctx, typ.Collection+"/"+id)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		return doc, nil
	}
	if typ.SoftDeleteColumn() == "" {
		return nil, nil
	}

	doc, err = t.tx.Get(ctx, shadowCollection(typ.Collection)+"/"+id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	delete(doc, TTLField)
	return doc, nil
}

// Set writes the document to whichever collection its deletion state puts it
// in and deletes the other copy, so at most one copy exists after commit. A
// soft-deleted document gains the TTL field in the shadow.
func (t *Txn) Set(ctx context.Context, typ *Type, ent map[string]any) error {
	if err := t.writable(); err != nil {
		return err
	}
	key, err := typ.KeyFromEntity(ent)
	if err != nil {
		return err
	}
	id, err := docID(typ, key)
	if err != nil {
		return err
	}
	activePath := typ.Collection + "/" + id
	shadowPath := shadowCollection(typ.Collection) + "/" + id

	sd := typ.SoftDeleteColumn()
	if sd == "" {
		if err := t.tx.Set(activePath, ent); err != nil {
			return err
		}
		return t.tx.Delete(shadowPath)
	}

	deletedAt, err := deletionInstant(typ, ent[sd])
	if err != nil {
		return err
	}
	if deletedAt != nil {
		shadow := make(map[string]any, len(ent)+1)
		for k, v := range ent {
			shadow[k] = v
		}
		shadow[TTLField] = deletedAt.Add(typ.Expiration)
		if err := t.tx.Set(shadowPath, shadow); err != nil {
			return err
		}
		return t.tx.Delete(activePath)
	}

	if err := t.tx.Set(activePath, ent); err != nil {
		return err
	}
	return t.tx.Delete(shadowPath)
}

// Delete removes both the active and the shadow copy. Deleting an absent
// document is a no-op.
func (t *Txn) Delete(ctx context.Context, typ *Type, key []any) error {
	if err := t.writable(); err != nil {
		return err
	}
	id, err := docID(typ, key)
	if err != nil {
		return err
	}
	if err := t.tx.Delete(typ.Collection + "/" + id); err != nil {
		return err
	}
	return t.tx.Delete(shadowCollection(typ.Collection) + "/" + id)
}

func (t *Txn) writable() error {
	if t.readOnly {
		return &txerr.InvalidOperationError{Message: "write on read-only transaction"}
	}
	return nil
}

func docID(typ *Type, key []any) (string, error) {
	parts, err := typ.KeyStrings(key)
	if err != nil {
		return "", err
	}
	return strings.Join(parts, "-"), nil
}

// shadowCollection rewrites only the leaf collection segment.
func shadowCollection(collection string) string {
	i := strings.LastIndexByte(collection, '/')
	return collection[:i+1] + collection[i+1:] + "$deleted"
}

func deletionInstant(typ *Type, v any) (*time.Time, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if d.IsZero() {
			return nil, nil
		}
		return &d, nil
	case *time.Time:
		if d == nil || d.IsZero() {
			return nil, nil
		}
		return d, nil
	default:
		return nil, &txerr.InvalidArgumentError{
			Message: fmt.Sprintf("%s: %s is %T, want timestamp or null", typ.Name, typ.SoftDeleteColumn(), v),
		}
	}
}
