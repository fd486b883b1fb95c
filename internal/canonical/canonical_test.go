package canonical

import (
	"testing"
)

func TestMarshalSortsMapKeys(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	b := map[string]interface{}{"c": 3, "a": 2, "b": 1}

	ba, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if string(ba) != string(bb) {
		t.Fatalf("expected identical canonical bytes, got %s vs %s", ba, bb)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(ba) != want {
		t.Fatalf("got %s, want %s", ba, want)
	}
}

func TestMarshalNestedAndArrays(t *testing.T) {
	v := map[string]interface{}{
		"z": []interface{}{1, 2, map[string]interface{}{"y": 1, "x": 2}},
		"a": nil,
	}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"a":null,"z":[1,2,{"x":2,"y":1}]}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestMarshalStructIsStable(t *testing.T) {
	type inner struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	type outer struct {
		Inner inner  `json:"inner"`
		Name  string `json:"name"`
	}
	v := outer{Inner: inner{B: 1, A: 2}, Name: "hi"}

	got1, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got2, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got1) != string(got2) {
		t.Fatalf("expected stable output across runs")
	}
}

func TestHashHexDeterministic(t *testing.T) {
	v := map[string]interface{}{"x": 1, "y": "hello"}
	h1, err := HashHex(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashHex(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected same hash, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestLargeIntegerPrecisionPreserved(t *testing.T) {
	v := map[string]interface{}{"n": 9007199254740993}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"n":9007199254740993}`
	if string(got) != want {
		t.Fatalf("got %s, want %s (precision lost)", got, want)
	}
}

func TestZeroHashHexLength(t *testing.T) {
	if len(ZeroHashHex) != 64 {
		t.Fatalf("expected 64 chars, got %d", len(ZeroHashHex))
	}
	for _, c := range ZeroHashHex {
		if c != '0' {
			t.Fatalf("expected all zero chars, got %q", ZeroHashHex)
		}
	}
}
