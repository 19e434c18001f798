package hashkey

import (
	"math"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	v := Map(map[string]Value{
		"name":   String("gravity"),
		"count":  Int(3),
		"active": Bool(true),
	})
	d1, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	d2, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("hash not deterministic: %s != %s", d1, d2)
	}
}

func TestHashMapKeyOrderInsensitive(t *testing.T) {
	a := Map(map[string]Value{"a": Int(1), "b": Int(2)})
	b := Map(map[string]Value{"b": Int(2), "a": Int(1)})
	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("map hash depends on construction order: %s != %s", ha, hb)
	}
}

func TestHashSliceOrderSensitive(t *testing.T) {
	a := Slice(String("x"), String("y"))
	b := Slice(String("y"), String("x"))
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha == hb {
		t.Fatal("slice hash should be order-sensitive")
	}
}

func TestHashDistinguishesValueFromType(t *testing.T) {
	asString, _ := Hash(String("1"))
	asInt, _ := Hash(Int(1))
	if asString == asInt {
		t.Fatal("string \"1\" and int 1 must hash differently")
	}
}

func TestFromAnyRejectsFloat(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for float input")
		}
	}()
	FromAny(3.14)
}

func TestHashRecoversCanonicalWritePanic(t *testing.T) {
	v := Map(map[string]Value{"bad": FromAnySafe(t)})
	_, err := Hash(v)
	if err == nil {
		t.Fatal("expected error from non-canonicalizable leaf")
	}
}

// FromAnySafe returns a panicValue, whose canonicalWrite panics with
// ErrNotCanonicalizable, so the panic surfaces inside Hash's recover rather
// than during test setup.
type panicValue struct{}

func (panicValue) canonicalWrite(w *canonWriter) {
	panic(ErrNotCanonicalizable)
}

func FromAnySafe(t *testing.T) Value {
	t.Helper()
	return panicValue{}
}

func TestRequireFiniteRejectsNaNAndInf(t *testing.T) {
	if err := RequireFinite(math.NaN()); err == nil {
		t.Fatal("expected error for NaN")
	}
	if err := RequireFinite(math.Inf(1)); err == nil {
		t.Fatal("expected error for +Inf")
	}
	if err := RequireFinite(1.5); err != nil {
		t.Fatalf("unexpected error for finite value: %v", err)
	}
}

func TestSortedByKeyOrdersDeterministically(t *testing.T) {
	type asset struct {
		path string
	}
	items := []asset{{"zeta.png"}, {"alpha.png"}, {"mid.png"}}
	v1 := SortedByKey(items, func(a asset) string { return a.path }, func(a asset) Value { return String(a.path) })
	reversed := []asset{items[2], items[0], items[1]}
	v2 := SortedByKey(reversed, func(a asset) string { return a.path }, func(a asset) Value { return String(a.path) })
	h1, _ := Hash(v1)
	h2, _ := Hash(v2)
	if h1 != h2 {
		t.Fatal("SortedByKey did not normalize input order")
	}
}
