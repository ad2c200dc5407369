package entity

import (
	"errors"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/erauner12/outbox/internal/txerr"
	"github.com/jackc/pgx/v5/pgtype"
)

func TestStoreValueInt(t *testing.T) {
	col := Column{Name: "n", Int: true}

	tests := []struct {
		name    string
		in      any
		want    int64
		wantErr bool
	}{
		{"int", 42, 42, false},
		{"int64", int64(-7), -7, false},
		{"integral float", float64(1000), 1000, false},
		{"fractional float", 1.5, 0, true},
		{"big within range", big.NewInt(9000), 9000, false},
		{"big out of range", new(big.Int).Lsh(big.NewInt(1), 80), 0, true},
		{"string", "42", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StoreValue(col, tt.in)
			if tt.wantErr {
				var ia *txerr.InvalidArgumentError
				if !errors.As(err, &ia) {
					t.Fatalf("StoreValue(%v) error = %v, want InvalidArgumentError", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("StoreValue(%v) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("StoreValue(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBigIntRoundTrip(t *testing.T) {
	col := Column{Name: "total", BigInt: true}
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)

	stored, err := StoreValue(col, huge)
	if err != nil {
		t.Fatalf("StoreValue error: %v", err)
	}
	if stored != "123456789012345678901234567890" {
		t.Fatalf("StoreValue = %v, want decimal string", stored)
	}

	back, err := FieldValue(col, stored)
	if err != nil {
		t.Fatalf("FieldValue error: %v", err)
	}
	if back.(*big.Int).Cmp(huge) != 0 {
		t.Errorf("round trip lost precision: %v", back)
	}
}

func TestBigIntFromNumeric(t *testing.T) {
	col := Column{Name: "total", BigInt: true}

	n := pgtype.Numeric{Int: big.NewInt(12345), Exp: 2, Valid: true}
	got, err := FieldValue(col, n)
	if err != nil {
		t.Fatalf("FieldValue error: %v", err)
	}
	if got.(*big.Int).Cmp(big.NewInt(1234500)) != 0 {
		t.Errorf("FieldValue(numeric 12345e2) = %v, want 1234500", got)
	}

	frac := pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}
	if _, err := FieldValue(col, frac); err == nil {
		t.Error("FieldValue accepted a fractional numeric")
	}
}

func TestIntFieldValueOutOfRange(t *testing.T) {
	col := Column{Name: "n", Int: true}
	over := pgtype.Numeric{Int: new(big.Int).Lsh(big.NewInt(1), 70), Exp: 0, Valid: true}
	_, err := FieldValue(col, over)
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("FieldValue(overflowing numeric) error = %v, want out-of-range", err)
	}
}

func TestTimestampPrecision(t *testing.T) {
	precise := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)

	plain := Column{Name: "at"}
	got, err := StoreValue(plain, precise)
	if err != nil {
		t.Fatalf("StoreValue error: %v", err)
	}
	if !got.(time.Time).Equal(precise.Truncate(time.Millisecond)) {
		t.Errorf("plain timestamp not truncated to ms: %v", got)
	}

	// Reads truncate too, even when the store kept full precision.
	got, err = FieldValue(plain, precise)
	if err != nil {
		t.Fatalf("FieldValue error: %v", err)
	}
	if got.(time.Time).Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("plain timestamp read kept sub-ms precision: %v", got)
	}

	pd := Column{Name: "at", PreciseDate: true}
	got, err = FieldValue(pd, precise)
	if err != nil {
		t.Fatalf("FieldValue error: %v", err)
	}
	if !got.(time.Time).Equal(precise) {
		t.Errorf("precise timestamp lost precision: %v", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	col := Column{Name: "payload", JSON: true}
	in := map[string]any{"a": float64(1), "b": []any{"x", "y"}}

	stored, err := StoreValue(col, in)
	if err != nil {
		t.Fatalf("StoreValue error: %v", err)
	}
	back, err := FieldValue(col, stored)
	if err != nil {
		t.Fatalf("FieldValue error: %v", err)
	}
	if !reflect.DeepEqual(back, in) {
		t.Errorf("JSON round trip = %v, want %v", back, in)
	}
}

func TestFlaggedArrayElementWise(t *testing.T) {
	col := Column{Name: "counts", Int: true}
	stored, err := StoreValue(col, []any{1, int64(2), float64(3)})
	if err != nil {
		t.Fatalf("StoreValue error: %v", err)
	}
	want := []any{int64(1), int64(2), int64(3)}
	if !reflect.DeepEqual(stored, want) {
		t.Errorf("StoreValue(array) = %v, want %v", stored, want)
	}

	back, err := FieldValue(col, stored)
	if err != nil {
		t.Fatalf("FieldValue error: %v", err)
	}
	if !reflect.DeepEqual(back, want) {
		t.Errorf("FieldValue(array) = %v, want %v", back, want)
	}
}

func TestRowFromEntityNested(t *testing.T) {
	address := Type{Columns: []Column{{Name: "city"}, {Name: "zip", Int: true}}}
	typ := MustRegister(Type{
		Name:       "Customer",
		Table:      "customer",
		PrimaryKey: []string{"id"},
		Columns: []Column{
			{Name: "id"},
			{Name: "address", Nested: &address},
		},
	})

	row, err := RowFromEntity(typ, map[string]any{
		"id":      "c1",
		"address": map[string]any{"city": "Berlin", "zip": 10115},
	})
	if err != nil {
		t.Fatalf("RowFromEntity error: %v", err)
	}
	if row["address_city"] != "Berlin" || row["address_zip"] != int64(10115) {
		t.Errorf("flattened row = %v", row)
	}

	// Absent nested value nulls every child column.
	row, err = RowFromEntity(typ, map[string]any{"id": "c2"})
	if err != nil {
		t.Fatalf("RowFromEntity error: %v", err)
	}
	if row["address_city"] != nil || row["address_zip"] != nil {
		t.Errorf("absent nested value produced non-null children: %v", row)
	}

	back, err := EntityFromRow(typ, []string{"id", "address_city", "address_zip"},
		[]any{"c1", "Berlin", int64(10115)})
	if err != nil {
		t.Fatalf("EntityFromRow error: %v", err)
	}
	addr, ok := back["address"].(map[string]any)
	if !ok || addr["city"] != "Berlin" || addr["zip"] != int64(10115) {
		t.Errorf("EntityFromRow = %v", back)
	}
}

func TestKeyStrings(t *testing.T) {
	typ := MustRegister(Type{
		Name:       "Ledger",
		Table:      "ledger",
		PrimaryKey: []string{"owner", "seq"},
		Columns:    []Column{{Name: "owner"}, {Name: "seq", Int: true}},
	})

	got, err := typ.KeyStrings([]any{"alice", int64(9)})
	if err != nil {
		t.Fatalf("KeyStrings error: %v", err)
	}
	if got[0] != "alice" || got[1] != "9" {
		t.Errorf("KeyStrings = %v", got)
	}

	if _, err := typ.KeyStrings([]any{"alice"}); err == nil {
		t.Error("KeyStrings accepted short key")
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if s := KeyString(at); s != "2024-01-01T00:00:00Z" {
		t.Errorf("KeyString(time) = %q", s)
	}
	if s := KeyString(big.NewInt(42)); s != "42" {
		t.Errorf("KeyString(big) = %q", s)
	}
}

func TestKeyFromEntity(t *testing.T) {
	typ := MustRegister(accountDecl())

	key, err := typ.KeyFromEntity(map[string]any{"id": "a", "balance": 1})
	if err != nil {
		t.Fatalf("KeyFromEntity error: %v", err)
	}
	if len(key) != 1 || key[0] != "a" {
		t.Errorf("KeyFromEntity = %v", key)
	}

	_, err = typ.KeyFromEntity(map[string]any{"balance": 1})
	var mpk *txerr.MissingPrimaryKeyError
	if !errors.As(err, &mpk) {
		t.Errorf("KeyFromEntity error = %v, want MissingPrimaryKeyError", err)
	}
}
