package types

import (
	"errors"
	"math/rand"
	"sort"
	"testing"
)

func TestIncrement(t *testing.T) {
	v := NewVectorClock(3)
	v.Increment(0)
	v.Increment(2)
	v.Increment(2)
	if !v.Equal(VectorClock{1, 0, 2}) {
		t.Fatalf("expected [1,0,2], got %s", v)
	}
}

func TestMerge(t *testing.T) {
	scenarios := []struct {
		a, b   VectorClock
		expect VectorClock
	}{
		{a: VectorClock{1, 0, 0}, b: VectorClock{0, 1, 0}, expect: VectorClock{1, 1, 0}},
		{a: VectorClock{3, 2, 1}, b: VectorClock{1, 2, 3}, expect: VectorClock{3, 2, 3}},
		{a: VectorClock{0, 0}, b: VectorClock{0, 0}, expect: VectorClock{0, 0}},
	}
	for _, s := range scenarios {
		got := s.a.Copy()
		if err := got.Merge(s.b); err != nil {
			t.Fatalf("merge %s %s: %v", s.a, s.b, err)
		}
		if !got.Equal(s.expect) {
			t.Errorf("merge %s %s: expected %s, got %s", s.a, s.b, s.expect, got)
		}
	}
}

func TestMergeDimensionMismatch(t *testing.T) {
	v := VectorClock{1, 2, 3}
	err := v.Merge(VectorClock{1, 2})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if !v.Equal(VectorClock{1, 2, 3}) {
		t.Fatalf("failed merge must leave the clock untouched, got %s", v)
	}
}

func TestCompare(t *testing.T) {
	scenarios := []struct {
		a, b   VectorClock
		expect int
	}{
		{a: VectorClock{1, 0, 0}, b: VectorClock{1, 0, 0}, expect: 0},
		{a: VectorClock{1, 0, 0}, b: VectorClock{1, 1, 0}, expect: -1},
		{a: VectorClock{2, 1, 0}, b: VectorClock{1, 1, 0}, expect: 1},
		// concurrent, equal sums: lexicographic
		{a: VectorClock{1, 0, 0}, b: VectorClock{0, 1, 0}, expect: 1},
		{a: VectorClock{0, 1, 0}, b: VectorClock{1, 0, 0}, expect: -1},
		// concurrent, smaller sum first
		{a: VectorClock{3, 0, 0}, b: VectorClock{0, 1, 1}, expect: 1},
	}
	for _, s := range scenarios {
		if got := Compare(s.a, s.b); got != s.expect {
			t.Errorf("Compare(%s, %s): expected %d, got %d", s.a, s.b, s.expect, got)
		}
	}
}

func randomClock(r *rand.Rand, n int) VectorClock {
	v := NewVectorClock(n)
	for i := range v {
		v[i] = uint64(r.Intn(4))
	}
	return v
}

func TestMergeDominates(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		a, b := randomClock(r, 4), randomClock(r, 4)
		m := a.Copy()
		if err := m.Merge(b); err != nil {
			t.Fatal(err)
		}
		if !a.LE(m) || !b.LE(m) {
			t.Fatalf("merge %s of %s and %s does not dominate both", m, a, b)
		}
		if Compare(a, m) > 0 {
			t.Fatalf("%s orders after its merge %s", a, m)
		}
	}
}

func TestCompareIsTotalAndCausal(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	clocks := make([]VectorClock, 200)
	for i := range clocks {
		clocks[i] = randomClock(r, 3)
	}
	for _, a := range clocks {
		for _, b := range clocks {
			if a.Before(b) && Compare(a, b) >= 0 {
				t.Fatalf("%s causally precedes %s but Compare says %d", a, b, Compare(a, b))
			}
			if Compare(a, b) != -Compare(b, a) {
				t.Fatalf("Compare not antisymmetric on %s, %s", a, b)
			}
		}
	}

	// sorting two shuffles must give the same sequence
	x := append([]VectorClock{}, clocks...)
	y := append([]VectorClock{}, clocks...)
	r.Shuffle(len(y), func(i, j int) { y[i], y[j] = y[j], y[i] })
	sort.Slice(x, func(i, j int) bool { return Compare(x[i], x[j]) < 0 })
	sort.Slice(y, func(i, j int) bool { return Compare(y[i], y[j]) < 0 })
	for i := range x {
		if !x[i].Equal(y[i]) {
			t.Fatalf("order depends on input order at %d: %s vs %s", i, x[i], y[i])
		}
	}
}
