package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"

	"github.com/erauner12/outbox/internal/txerr"
	"github.com/jackc/pgx/v5/pgtype"
)

// StoreValue converts a field value to the driver representation for its
// column. nil passes through as SQL NULL.
func StoreValue(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if isSlice(v) && !isByteSlice(v) {
		return sliceStoreValue(c, v)
	}
	switch {
	case c.Int:
		n, err := toInt64(v)
		if err != nil {
			return nil, &txerr.InvalidArgumentError{Message: fmt.Sprintf("column %q: %v", c.Name, err)}
		}
		return n, nil
	case c.BigInt:
		b, err := toBigInt(v)
		if err != nil {
			return nil, &txerr.InvalidArgumentError{Message: fmt.Sprintf("column %q: %v", c.Name, err)}
		}
		// NUMERIC binds exactly from the decimal string form.
		return b.String(), nil
	case c.JSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &txerr.InvalidArgumentError{Message: fmt.Sprintf("column %q: not JSON-serializable: %v", c.Name, err)}
		}
		return data, nil
	case c.PreciseDate:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, &txerr.InvalidArgumentError{Message: fmt.Sprintf("column %q: expected time.Time, got %T", c.Name, v)}
		}
		return ts.UTC(), nil
	default:
		if ts, ok := v.(time.Time); ok {
			// Plain timestamps carry millisecond precision on the wire.
			return ts.UTC().Truncate(time.Millisecond), nil
		}
		return v, nil
	}
}

// FieldValue converts a driver value back to the client representation for
// its column.
func FieldValue(c Column, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if isSlice(raw) && !isByteSlice(raw) {
		return sliceFieldValue(c, raw)
	}
	switch {
	case c.Int:
		n, err := toInt64(raw)
		if err != nil {
			return nil, &txerr.InvalidArgumentError{Message: fmt.Sprintf("column %q: %v", c.Name, err)}
		}
		return n, nil
	case c.BigInt:
		return toBigInt(raw)
	case c.JSON:
		switch j := raw.(type) {
		case []byte:
			var out any
			if err := json.Unmarshal(j, &out); err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return out, nil
		case string:
			var out any
			if err := json.Unmarshal([]byte(j), &out); err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return out, nil
		default:
			// Driver already decoded, e.g. into map[string]any.
			return raw, nil
		}
	case c.PreciseDate:
		ts, ok := raw.(time.Time)
		if !ok {
			return nil, fmt.Errorf("column %q: expected time.Time, got %T", c.Name, raw)
		}
		return ts.UTC(), nil
	default:
		if ts, ok := raw.(time.Time); ok {
			// Sub-millisecond digits are truncated even if the store kept them.
			return ts.UTC().Truncate(time.Millisecond), nil
		}
		return raw, nil
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range for integer column", n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range for integer column", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		if n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("value %v out of range for integer column", n)
		}
		return int64(n), nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("value %s out of range for integer column", n)
		}
		return n.Int64(), nil
	case pgtype.Numeric:
		b, err := numericToBigInt(n)
		if err != nil {
			return 0, err
		}
		if !b.IsInt64() {
			return 0, fmt.Errorf("value %s out of range for integer column", b)
		}
		return b.Int64(), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case string:
		b, ok := new(big.Int).SetString(n, 10)
		if !ok {
			return nil, fmt.Errorf("%q is not a decimal integer", n)
		}
		return b, nil
	case pgtype.Numeric:
		return numericToBigInt(n)
	default:
		return nil, fmt.Errorf("expected big integer, got %T", v)
	}
}

func numericToBigInt(n pgtype.Numeric) (*big.Int, error) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("numeric value is not a finite integer")
	}
	b := new(big.Int).Set(n.Int)
	switch {
	case n.Exp == 0:
		return b, nil
	case n.Exp > 0:
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil)
		return b.Mul(b, mul), nil
	default:
		return nil, fmt.Errorf("numeric value has a fractional part")
	}
}

func isSlice(v any) bool {
	return reflect.ValueOf(v).Kind() == reflect.Slice
}

func isByteSlice(v any) bool {
	_, ok := v.([]byte)
	return ok
}

func sliceStoreValue(c Column, v any) (any, error) {
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		cv, err := StoreValue(c, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

func sliceFieldValue(c Column, raw any) (any, error) {
	rv := reflect.ValueOf(raw)
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		cv, err := FieldValue(c, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

// RowFromEntity converts an entity value map (keyed by declared field names,
// nested fields as nested maps) into a flat map keyed by physical column
// names, values in driver representation.
func RowFromEntity(t *Type, m map[string]any) (map[string]any, error) {
	row := make(map[string]any, len(t.physical))
	if err := flattenValues("", t.Columns, m, row); err != nil {
		return nil, err
	}
	return row, nil
}

func flattenValues(prefix string, cols []Column, m map[string]any, row map[string]any) error {
	for _, c := range cols {
		name := c.Name
		if prefix != "" {
			name = prefix + "_" + c.Name
		}
		v, present := m[c.Name]
		if c.Nested != nil {
			if !present || v == nil {
				// Absent nested value nulls every child column.
				for _, child := range flatten(name, c.Nested.Columns) {
					row[child.Name] = nil
				}
				continue
			}
			child, ok := v.(map[string]any)
			if !ok {
				return &txerr.InvalidArgumentError{Message: fmt.Sprintf("field %q: expected nested map, got %T", c.Name, v)}
			}
			if err := flattenValues(name, c.Nested.Columns, child, row); err != nil {
				return err
			}
			continue
		}
		if !present {
			row[name] = nil
			continue
		}
		fc := c
		fc.Name = name
		cv, err := StoreValue(fc, v)
		if err != nil {
			return err
		}
		row[name] = cv
	}
	return nil
}

// EntityFromRow converts driver values for the named physical columns back
// into an entity value map, rebuilding nested maps.
func EntityFromRow(t *Type, names []string, vals []any) (map[string]any, error) {
	if len(names) != len(vals) {
		return nil, fmt.Errorf("%s: %d columns, %d values", t.Name, len(names), len(vals))
	}
	flat := make(map[string]any, len(names))
	for i, name := range names {
		c, ok := t.Column(name)
		if !ok {
			// Raw query columns outside the declaration pass through.
			flat[name] = vals[i]
			continue
		}
		fv, err := FieldValue(c, vals[i])
		if err != nil {
			return nil, err
		}
		flat[name] = fv
	}
	out := make(map[string]any, len(flat))
	unflattenValues("", t.Columns, flat, out)
	for name, v := range flat {
		if _, declared := t.byName[name]; !declared {
			out[name] = v
		}
	}
	return out, nil
}

func unflattenValues(prefix string, cols []Column, flat map[string]any, out map[string]any) {
	for _, c := range cols {
		name := c.Name
		if prefix != "" {
			name = prefix + "_" + c.Name
		}
		if c.Nested != nil {
			child := make(map[string]any)
			unflattenValues(name, c.Nested.Columns, flat, child)
			allNil := true
			for _, v := range child {
				if v != nil {
					allNil = false
					break
				}
			}
			if len(child) > 0 && !allNil {
				out[c.Name] = child
			} else if hasAny(name, cols, flat) {
				out[c.Name] = nil
			}
			continue
		}
		if v, ok := flat[name]; ok {
			out[c.Name] = v
		}
	}
}

func hasAny(prefix string, _ []Column, flat map[string]any) bool {
	for name := range flat {
		if len(name) > len(prefix) && name[:len(prefix)+1] == prefix+"_" {
			return true
		}
	}
	return false
}
