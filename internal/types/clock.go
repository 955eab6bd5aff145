package types

import (
	"errors"
	"fmt"
	"strings"
)

var ErrDimensionMismatch = errors.New("vector clock dimension mismatch")

// VectorClock holds one counter per rank. Every clock a process handles
// has the group size as its length.
type VectorClock []uint64

func NewVectorClock(n int) VectorClock {
	return make(VectorClock, n)
}

func (v VectorClock) Copy() VectorClock {
	if v == nil {
		return nil
	}
	return append(VectorClock{}, v...)
}

// Increment bumps the component owned by rank r.
func (v VectorClock) Increment(r Rank) {
	v[r]++
}

// Merge sets v to the pointwise maximum of v and o.
func (v VectorClock) Merge(o VectorClock) error {
	if len(v) != len(o) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), len(o))
	}
	for i := range v {
		if o[i] > v[i] {
			v[i] = o[i]
		}
	}
	return nil
}

// LE reports whether v is causally before or equal to o.
func (v VectorClock) LE(o VectorClock) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] > o[i] {
			return false
		}
	}
	return true
}

// Before reports strict causal precedence.
func (v VectorClock) Before(o VectorClock) bool {
	return v.LE(o) && !v.Equal(o)
}

func (v VectorClock) Concurrent(o VectorClock) bool {
	return !v.LE(o) && !o.LE(v)
}

func (v VectorClock) Equal(o VectorClock) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

func (v VectorClock) sum() (s uint64) {
	for _, c := range v {
		s += c
	}
	return s
}

// Compare is a total order over clocks of equal length that extends causal
// order. Concurrent clocks are ordered by component sum and then
// lexicographically, so every process breaks ties the same way.
// Clocks of different length order by length.
func Compare(a, b VectorClock) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a.Equal(b):
		return 0
	case a.LE(b):
		return -1
	case b.LE(a):
		return 1
	}
	if sa, sb := a.sum(), b.sum(); sa != sb {
		if sa < sb {
			return -1
		}
		return 1
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (v VectorClock) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = fmt.Sprint(c)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
