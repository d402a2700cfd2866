// Package antichain implements the timestamp lattice primitives the rest of
// core is built on: a totally ordered, joinable Timestamp, the Antichain
// (frontier) over it, and the opaque object identifier, Gid.
package antichain

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Uint64 is the Timestamp type every timeline in this core uses: a totally
// ordered, lattice-joinable value with a defined minimum (MinTimestamp).
// EpochMilliseconds and every other timeline share this representation.
type Uint64 uint64

// Less reports a strict total order over timestamps.
func (t Uint64) Less(other Uint64) bool { return t < other }

// MinTimestamp is the minimum value of Uint64, representing T::MIN.
const MinTimestamp Uint64 = 0

// Join returns the elementwise maximum of two Uint64 values.
func (t Uint64) Join(other Uint64) Uint64 {
	if t < other {
		return other
	}
	return t
}

// Gid is an opaque, globally unique object identifier, over
// {sources, indexes, sinks, tables, views, transient}.
type Gid struct {
	Kind GidKind
	ID   uint64
}

// GidKind enumerates the catalogue object kinds a Gid may denote.
type GidKind uint8

const (
	GidSource GidKind = iota
	GidIndex
	GidSink
	GidTable
	GidView
	GidTransient
)

func (g Gid) String() string {
	return fmt.Sprintf("%s-%d", g.Kind.String(), g.ID)
}

func (k GidKind) String() string {
	switch k {
	case GidSource:
		return "u" // source
	case GidIndex:
		return "i"
	case GidSink:
		return "s"
	case GidTable:
		return "t"
	case GidView:
		return "v"
	case GidTransient:
		return "x"
	default:
		return "?"
	}
}

// Antichain is a set of pairwise-incomparable Uint64 timestamps: the
// frontier of times not yet closed. An empty antichain denotes "all times
// closed". The zero value is the empty antichain.
//
// The backing slice is always kept sorted and free of comparable elements,
// mirroring the invariant the persist-client's Rust Antichain maintains.
type Antichain struct {
	elements []Uint64
}

// New constructs an Antichain from the given elements, reducing them to the
// minimal antichain (removing any element dominated by another).
func New(elements ...Uint64) Antichain {
	var a Antichain
	for _, e := range elements {
		a.Insert(e)
	}
	return a
}

// Empty reports whether the antichain has no elements ("all times closed").
func (a Antichain) Empty() bool { return len(a.elements) == 0 }

// Elements returns a copy of the antichain's elements, sorted ascending.
func (a Antichain) Elements() []Uint64 {
	out := make([]Uint64, len(a.elements))
	copy(out, a.elements)
	return out
}

// Min returns the least element, and whether the antichain is non-empty.
// For a single-timestamp antichain (the common case for `upper`/`since`)
// this is the only element.
func (a Antichain) Min() (Uint64, bool) {
	if len(a.elements) == 0 {
		return 0, false
	}
	return a.elements[0], true
}

// Insert adds t to the antichain, discarding t if some existing element is
// <= t, and removing any existing element >= t.
func (a *Antichain) Insert(t Uint64) {
	for _, e := range a.elements {
		if e <= t {
			return
		}
	}
	kept := a.elements[:0:0]
	for _, e := range a.elements {
		if !(t <= e) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, t)
	slices.Sort(kept)
	a.elements = kept
}

// LessEqual implements the antichain partial order: a <= b iff every
// element of a is <= some element of b (a is "behind or equal to" b).
func (a Antichain) LessEqual(b Antichain) bool {
	for _, ae := range a.elements {
		ok := false
		for _, be := range b.elements {
			if ae <= be {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Equal reports whether two antichains contain the same elements.
func (a Antichain) Equal(b Antichain) bool {
	if len(a.elements) != len(b.elements) {
		return false
	}
	for i := range a.elements {
		if a.elements[i] != b.elements[i] {
			return false
		}
	}
	return true
}

// Join returns the least antichain greater than or equal to both a and b:
// the smallest frontier that has progressed at least as far as each of a
// and b. For the single-dimensional Uint64 timeline this reduces to the
// elementwise maximum across every pair of (a-element, b-element),
// normalized back down to a minimal antichain.
func Join(a, b Antichain) Antichain {
	if a.Empty() {
		return b
	}
	if b.Empty() {
		return a
	}
	var out Antichain
	for _, ae := range a.elements {
		for _, be := range b.elements {
			m := ae
			if be > m {
				m = be
			}
			out.Insert(m)
		}
	}
	return out
}

// Meet returns the antichain formed from the elementwise minimum across a
// and b: used to compute the "greatest open upper" across many Gids, where
// the joint upper must not run ahead of the slowest contributor.
func Meet(a, b Antichain) Antichain {
	if a.Empty() {
		return b
	}
	if b.Empty() {
		return a
	}
	var out Antichain
	for _, ae := range a.elements {
		for _, be := range b.elements {
			m := ae
			if be < m {
				m = be
			}
			out.Insert(m)
		}
	}
	return out
}

func (a Antichain) String() string {
	return fmt.Sprintf("%v", a.elements)
}
