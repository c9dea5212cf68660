package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		nBits     int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		if got := len(New(tc.nBits)); got != tc.wantBytes {
			t.Errorf("New(%d) bytes = %d; want %d", tc.nBits, got, tc.wantBytes)
		}
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10)

	if bf.Has(-1) || bf.Has(100) {
		t.Fatal("Has out-of-range should be false")
	}

	for _, idx := range []int{0, 7, 8, 9} {
		if !bf.Set(idx) {
			t.Fatalf("Set(%d) should report a change", idx)
		}
		if !bf.Has(idx) {
			t.Fatalf("Has(%d) should be true after Set", idx)
		}
		if bf.Set(idx) {
			t.Fatalf("Set(%d) twice should report no change", idx)
		}
	}

	if bf.Has(1) || bf.Has(6) {
		t.Fatal("untouched bits should remain clear")
	}

	if !bf.Clear(7) {
		t.Fatal("Clear(7) should report a change")
	}
	if bf.Has(7) {
		t.Fatal("Has(7) should be false after Clear")
	}
	if bf.Clear(7) {
		t.Fatal("Clear(7) twice should report no change")
	}
}

func TestCountAnyNone(t *testing.T) {
	bf := New(4)
	if !bf.None() || bf.Any() {
		t.Fatal("fresh bitfield should be None and not Any")
	}

	bf.Set(2)
	if bf.None() || !bf.Any() {
		t.Fatal("bitfield with a set bit should be Any and not None")
	}
	if bf.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", bf.Count())
	}
}

func TestEqualsAndClone(t *testing.T) {
	a := New(10)
	a.Set(3)
	a.Set(9)

	b := a.Clone()
	if !a.Equals(b) {
		t.Fatal("clone should equal original")
	}

	b.Clear(3)
	if a.Equals(b) {
		t.Fatal("mutating the clone must not affect the original")
	}
	if !a.Has(3) {
		t.Fatal("original must be unaffected by clone mutation")
	}
}

func TestDiff(t *testing.T) {
	prev := New(5)
	prev.Set(0)
	prev.Set(2)

	next := New(5)
	next.Set(2)
	next.Set(4)

	var added, removed []int
	prev.Diff(next, func(i int) { added = append(added, i) }, func(i int) { removed = append(removed, i) })

	if len(added) != 1 || added[0] != 4 {
		t.Fatalf("added = %v, want [4]", added)
	}
	if len(removed) != 1 || removed[0] != 0 {
		t.Fatalf("removed = %v, want [0]", removed)
	}
}

func TestForEachSet(t *testing.T) {
	bf := New(10)
	bf.Set(1)
	bf.Set(8)

	var got []int
	bf.ForEachSet(func(i int) { got = append(got, i) })

	if len(got) != 2 || got[0] != 1 || got[1] != 8 {
		t.Fatalf("ForEachSet = %v, want [1 8]", got)
	}
}

func TestString(t *testing.T) {
	bf := New(4)
	bf.Set(0)
	bf.Set(3)

	if got, want := bf.String(), "10010000"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
