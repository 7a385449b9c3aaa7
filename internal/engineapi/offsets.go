package engineapi

// OffsetData assigns the deterministic offsets inside the vmctx structure
// that compiled code addresses with embedded immediates: the stack limit
// for the prologue check, the trap cell, the builtin function pointers, and
// the per-memory/table/global slots.
//
// This must be unique per module and shared between the frontend, the
// backends and the host-side instance construction.
type OffsetData struct {
	// NumMemories, NumTables, NumGlobals and NumImportedFunctions fix the
	// slot counts the layout was computed for.
	NumMemories, NumTables, NumGlobals, NumImportedFunctions uint32

	// StackLimitOffset is the offset of the stack-limit pointer.
	StackLimitOffset int32
	// EpochDeadlineOffset is the offset of the epoch deadline counter.
	EpochDeadlineOffset int32
	// TrapCodeOffset and TrapPCOffset locate the trap cell written before
	// the non-local transfer back to the host.
	TrapCodeOffset, TrapPCOffset int32
	// MemoryGrowFnOffset, TableGrowFnOffset and EpochYieldFnOffset hold
	// host function pointers called from compiled code.
	MemoryGrowFnOffset, TableGrowFnOffset, EpochYieldFnOffset int32

	memoriesBegin, tablesBegin, globalsBegin, importsBegin int32
}

// vmctx slot sizes: memories and tables are (base, length) pairs, globals
// are 16 bytes to hold v128, imports are (code pointer, callee vmctx).
const (
	memorySlotSize   = 16
	tableSlotSize    = 16
	globalSlotSize   = 16
	importedFnSlot   = 16
	headerFieldCount = 7
)

// NewOffsetData computes the layout for the given module shape.
func NewOffsetData(numMemories, numTables, numGlobals, numImportedFns uint32) OffsetData {
	o := OffsetData{
		NumMemories:          numMemories,
		NumTables:            numTables,
		NumGlobals:           numGlobals,
		NumImportedFunctions: numImportedFns,
	}
	o.StackLimitOffset = 0
	o.EpochDeadlineOffset = 8
	o.TrapCodeOffset = 16
	o.TrapPCOffset = 24
	o.MemoryGrowFnOffset = 32
	o.TableGrowFnOffset = 40
	o.EpochYieldFnOffset = 48
	o.memoriesBegin = headerFieldCount * 8
	o.tablesBegin = o.memoriesBegin + int32(numMemories)*memorySlotSize
	o.globalsBegin = o.tablesBegin + int32(numTables)*tableSlotSize
	o.importsBegin = o.globalsBegin + int32(numGlobals)*globalSlotSize
	return o
}

// DefaultOffsetData is the layout of a single-memory, single-table module
// with no globals or imports; used by tests and as the machine default.
func DefaultOffsetData() OffsetData {
	return NewOffsetData(1, 1, 0, 0)
}

// Size returns the total size of the vmctx structure in bytes.
func (o *OffsetData) Size() int32 {
	return o.importsBegin + int32(o.NumImportedFunctions)*importedFnSlot
}

// MemoryBaseOffset returns the offset of the i-th memory's base pointer.
func (o *OffsetData) MemoryBaseOffset(i uint32) int32 {
	if i >= o.NumMemories {
		panic("BUG: memory index out of range")
	}
	return o.memoriesBegin + int32(i)*memorySlotSize
}

// MemoryLenOffset returns the offset of the i-th memory's byte length.
func (o *OffsetData) MemoryLenOffset(i uint32) int32 {
	return o.MemoryBaseOffset(i) + 8
}

// TableBaseOffset returns the offset of the i-th table's base pointer.
func (o *OffsetData) TableBaseOffset(i uint32) int32 {
	if i >= o.NumTables {
		panic("BUG: table index out of range")
	}
	return o.tablesBegin + int32(i)*tableSlotSize
}

// TableLenOffset returns the offset of the i-th table's element count.
func (o *OffsetData) TableLenOffset(i uint32) int32 {
	return o.TableBaseOffset(i) + 8
}

// GlobalOffset returns the offset of the i-th global's value cell.
func (o *OffsetData) GlobalOffset(i uint32) int32 {
	if i >= o.NumGlobals {
		panic("BUG: global index out of range")
	}
	return o.globalsBegin + int32(i)*globalSlotSize
}

// ImportedFunctionOffset returns the offset of the i-th imported function's
// code pointer; the callee vmctx pointer follows at +8.
func (o *OffsetData) ImportedFunctionOffset(i uint32) int32 {
	if i >= o.NumImportedFunctions {
		panic("BUG: imported function index out of range")
	}
	return o.importsBegin + int32(i)*importedFnSlot
}
