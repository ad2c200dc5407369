package entity

import (
	"fmt"
	"math/big"
	"time"

	"github.com/erauner12/outbox/internal/txerr"
	"github.com/google/uuid"
)

// KeyString renders one key field in its canonical string form: RFC 3339 UTC
// for timestamps, decimal for integers, the raw value otherwise.
func KeyString(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		return k.String()
	case int:
		return fmt.Sprintf("%d", k)
	case int64:
		return fmt.Sprintf("%d", k)
	case uuid.UUID:
		return k.String()
	default:
		return fmt.Sprint(k)
	}
}

// KeyStrings converts a composite key into the ordered string tuple, length
// fixed by the type's declared primary key.
func (t *Type) KeyStrings(key []any) ([]string, error) {
	if len(key) != len(t.PrimaryKey) {
		return nil, &txerr.InvalidArgumentError{
			Message: fmt.Sprintf("%s: key has %d fields, primary key has %d", t.Name, len(key), len(t.PrimaryKey)),
		}
	}
	out := make([]string, len(key))
	for i, v := range key {
		out[i] = KeyString(v)
	}
	return out, nil
}

// KeyFromEntity extracts the primary-key values of an entity in declaration
// order. It fails with MissingPrimaryKeyError when a key column is absent.
func (t *Type) KeyFromEntity(m map[string]any) ([]any, error) {
	row, err := RowFromEntity(t, m)
	if err != nil {
		return nil, err
	}
	key := make([]any, len(t.PrimaryKey))
	for i, k := range t.PrimaryKey {
		v, ok := row[k]
		if !ok || v == nil {
			return nil, &txerr.MissingPrimaryKeyError{Entity: t.Name, Column: k}
		}
		key[i] = v
	}
	return key, nil
}
