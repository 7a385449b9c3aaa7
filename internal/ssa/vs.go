package ssa

import (
	"fmt"
	"math"
)

// Variable is a unique identifier for a source program's variable and will
// correspond to multiple ssa Value(s).
//
// For example, `Local 1` is a Variable in WebAssembly, and Value(s) will be
// created for it whenever it executes `local.set 1`.
type Variable uint32

// String implements fmt.Stringer.
func (v Variable) String() string {
	return fmt.Sprintf("var%d", v)
}

// Value represents an SSA value with a type information. The relationship
// with Variable is 1:N (including 0), that means there might be multiple
// Variable(s) for a Value.
//
// The higher 32 bits are used to store the Type of the value.
type Value uint64

// ValueID is the lower 32 bits of Value, which is the pure identifier of
// Value without type info.
type ValueID uint32

const (
	valueIDInvalid ValueID = math.MaxUint32
	ValueInvalid           = Value(valueIDInvalid)
)

// Valid returns true if this value is valid.
func (v Value) Valid() bool {
	return v.ID() != valueIDInvalid
}

// Type returns the Type of this value.
func (v Value) Type() Type {
	return Type(v >> 32)
}

// ID returns the ValueID of this value.
func (v Value) ID() ValueID {
	return ValueID(v)
}

func (v Value) setType(typ Type) Value {
	return v | Value(typ)<<32
}

// format creates a debug string for this Value using the data stored in Builder.
func (v Value) format(b *builder) string {
	if annotation, ok := b.valueAnnotations[v.ID()]; ok {
		return annotation
	}
	return fmt.Sprintf("v%d", v.ID())
}

func (v Value) formatWithType(b *builder) string {
	if annotation, ok := b.valueAnnotations[v.ID()]; ok {
		return annotation + ":" + v.Type().String()
	}
	return fmt.Sprintf("v%d:%s", v.ID(), v.Type())
}
