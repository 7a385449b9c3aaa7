// Package entity provides the typed, densely numbered storage backbone used
// by every graph in the compiler: primary maps hand out fresh handles on
// insertion, secondary maps attach default-initialized side data keyed by the
// same handles, and sets/lists specialize the pattern. Handles are plain
// indices wrapped in distinct types so that a Block handle can never index a
// Value arena.
//
// Entities are never removed, so a handle never dangles. Out-of-bounds access
// is a programmer error and panics.
package entity

import "math"

// Idx is the raw index underlying every handle type.
type Idx = uint32

// ReservedIdx is the index reserved to represent "no entity". Handle types
// use it as their zero-cost option encoding, so a valid arena can hold at
// most math.MaxUint32 entities.
const ReservedIdx Idx = math.MaxUint32

// Key is the constraint satisfied by all handle types.
type Key interface {
	~uint32
}

// Valid reports whether k refers to an entity, i.e. is not the reserved
// "none" index.
func Valid[K Key](k K) bool {
	return Idx(k) != ReservedIdx
}

// None returns the "none" value of the handle type K.
func None[K Key]() K {
	return K(ReservedIdx)
}
