package record

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestFromScan(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		in       any
		wantKind Kind
		wantJSON string
	}{
		{"nil", nil, KindNull, "null"},
		{"bool", true, KindBool, "true"},
		{"int32", int32(-7), KindInt, "-7"},
		{"int64", int64(9007199254740993), KindInt, "9007199254740993"},
		{"uint64 overflow", uint64(math.MaxUint64), KindString, `"18446744073709551615"`},
		{"float64", 1.5, KindFloat, "1.5"},
		{"NaN", math.NaN(), KindFloat, "null"},
		{"string", "hello \"world\"", KindString, `"hello \"world\""`},
		{"bytes", []byte("abc"), KindString, `"abc"`},
		{"time", ts, KindString, `"2024-03-15T10:30:00Z"`},
		{"nested map", map[string]any{"a": 1}, KindJSON, `{"a":1}`},
		{"list", []any{int64(1), "x"}, KindJSON, `[1,"x"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := FromScan(tt.in)
			if v.Kind() != tt.wantKind {
				t.Fatalf("expected kind %d, got %d", tt.wantKind, v.Kind())
			}
			got, err := v.MarshalJSON()
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.wantJSON {
				t.Fatalf("expected %s, got %s", tt.wantJSON, got)
			}
		})
	}
}

func TestRowPreservesColumnOrder(t *testing.T) {
	row := NewRow([]string{"zeta", "alpha", "mid"}, []any{int64(1), nil, "x"})

	got, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"zeta":1,"alpha":null,"mid":"x"}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	omitted, err := row.AppendJSON(nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if string(omitted) != `{"zeta":1,"mid":"x"}` {
		t.Fatalf("unexpected omit-null encoding: %s", omitted)
	}
}

func TestRowGet(t *testing.T) {
	row := NewRow([]string{"id", "name"}, []any{int64(3)})

	v, ok := row.Get("id")
	if !ok || v.Interface() != int64(3) {
		t.Fatalf("expected id=3, got %v (ok=%v)", v.Interface(), ok)
	}

	v, ok = row.Get("name")
	if !ok || !v.IsNull() {
		t.Fatal("missing trailing value should be NULL")
	}

	if _, ok := row.Get("absent"); ok {
		t.Fatal("unknown column should not be found")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		kind Kind
		json string
	}{
		{"null", Null(), KindNull, "null"},
		{"bool", Bool(true), KindBool, "true"},
		{"int", Int(-42), KindInt, "-42"},
		{"float", Float(1.5), KindFloat, "1.5"},
		{"nan", Float(math.NaN()), KindFloat, "null"},
		{"string", String("a\"b"), KindString, `"a\"b"`},
		{"raw", Raw(json.RawMessage(`[1,2]`)), KindJSON, "[1,2]"},
		{"empty raw", Raw(nil), KindJSON, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v.Kind() != tt.kind {
				t.Errorf("expected kind %d, got %d", tt.kind, tt.v.Kind())
			}
			data, err := tt.v.MarshalJSON()
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.json {
				t.Errorf("expected %s, got %s", tt.json, data)
			}
		})
	}
}
