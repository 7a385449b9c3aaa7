package vmctx

import "github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"

// TableEntry is one funcref slot: the native code pointer paired with the
// type id the call site compares against. A zero Code is the null funcref.
// The layout (8 bytes pointer, 8 bytes type id) is what the compiled
// indirect-call sequence addresses.
type TableEntry struct {
	Code   uintptr
	TypeID uint64
}

// Table is a funcref table.
type Table struct {
	Entries []TableEntry
	Max     uint32
	HasMax  bool
}

// NewTable returns a table of n null entries.
func NewTable(n uint32) *Table {
	return &Table{Entries: make([]TableEntry, n)}
}

// Get returns entry i, raising table-out-of-bounds through the resume
// buffer on a bad index.
func (t *Table) Get(i uint32) TableEntry {
	if int(i) >= len(t.Entries) {
		Raise(engineapi.TrapCodeTableOutOfBounds)
	}
	return t.Entries[i]
}

// Set writes entry i.
func (t *Table) Set(i uint32, e TableEntry) {
	if int(i) >= len(t.Entries) {
		Raise(engineapi.TrapCodeTableOutOfBounds)
	}
	t.Entries[i] = e
}

// Copy implements table.copy from src into t: entries are copied whole, so
// the type ids move with the code pointers and a later call_indirect
// observes the original signatures.
func (t *Table) Copy(dst uint32, src *Table, srcOff, n uint32) {
	if uint64(dst)+uint64(n) > uint64(len(t.Entries)) ||
		uint64(srcOff)+uint64(n) > uint64(len(src.Entries)) {
		Raise(engineapi.TrapCodeTableOutOfBounds)
	}
	copy(t.Entries[dst:dst+n], src.Entries[srcOff:srcOff+n])
}

// Grow appends n null entries, returning the previous size or -1 when the
// declared maximum would be exceeded.
func (t *Table) Grow(n uint32) int64 {
	old := len(t.Entries)
	if t.HasMax && uint64(old)+uint64(n) > uint64(t.Max) {
		return -1
	}
	t.Entries = append(t.Entries, make([]TableEntry, n)...)
	return int64(old)
}
