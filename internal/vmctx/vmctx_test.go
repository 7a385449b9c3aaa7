package vmctx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

func TestTableCopy_preservesTypeIDs(t *testing.T) {
	// Two tables of six funcrefs each; copying T[3..6] <- U[0..3] must move
	// the type ids with the code pointers so that a later call_indirect
	// type check sees the original signatures.
	u := NewTable(6)
	for i := uint32(0); i < 6; i++ {
		u.Set(i, TableEntry{Code: uintptr(0x1000 + i), TypeID: uint64(100 + i)})
	}
	tt := NewTable(6)
	for i := uint32(0); i < 6; i++ {
		tt.Set(i, TableEntry{Code: uintptr(0x2000 + i), TypeID: uint64(200 + i)})
	}

	tt.Copy(3, u, 0, 3)

	for i := uint32(0); i < 3; i++ {
		e := tt.Get(3 + i)
		require.Equal(t, uintptr(0x1000+i), e.Code)
		require.Equal(t, uint64(100+i), e.TypeID)
	}
	// The untouched prefix keeps its own entries.
	require.Equal(t, uint64(200), tt.Get(0).TypeID)

	// A matching-signature call site would compare TypeID equal; the
	// mismatching one raises the dedicated trap, which the host observes
	// through the resume buffer.
	c := New(engineapi.DefaultOffsetData())
	err := WithResumeBuffer(c, func() {
		e := tt.Get(3)
		const callSiteTypeID = 999
		if e.TypeID != callSiteTypeID {
			Raise(engineapi.TrapCodeIndirectCallTypeMismatch)
		}
	})
	require.NotNil(t, err)
	require.Equal(t, engineapi.TrapCodeIndirectCallTypeMismatch, err.Code)
}

func TestTableCopy_outOfBoundsTraps(t *testing.T) {
	u, tt := NewTable(2), NewTable(2)
	c := New(engineapi.DefaultOffsetData())
	err := WithResumeBuffer(c, func() {
		tt.Copy(1, u, 0, 2)
	})
	require.NotNil(t, err)
	require.Equal(t, engineapi.TrapCodeTableOutOfBounds, err.Code)
}

func TestContext_trapCell(t *testing.T) {
	c := New(engineapi.DefaultOffsetData())
	c.ClearTrap()
	_, _, ok := c.TrapCode()
	require.False(t, ok)

	err := WithResumeBuffer(c, func() {
		RaiseAt(engineapi.TrapCodeIntegerDivisionByZero, 0x40)
	})
	require.NotNil(t, err)
	code, pc, ok := c.TrapCode()
	require.True(t, ok)
	require.Equal(t, engineapi.TrapCodeIntegerDivisionByZero, code)
	require.Equal(t, uint64(0x40), pc)
}

func TestContext_memoryGrow(t *testing.T) {
	c := New(engineapi.DefaultOffsetData())
	c.SetMemory(0, make([]byte, PageSize), 0)

	old := c.MemoryGrow(0, 2, 10, nil)
	require.Equal(t, int64(1), old)
	require.Equal(t, 3*PageSize, len(c.Memories[0]))
	// The length cell compiled bounds checks read is updated.
	require.Equal(t, uint64(3*PageSize), c.get64(c.Offsets.MemoryLenOffset(0)))

	// Growth beyond the maximum fails with the sentinel and changes
	// nothing.
	require.Equal(t, int64(-1), c.MemoryGrow(0, 8, 10, nil))
	require.Equal(t, 3*PageSize, len(c.Memories[0]))
}

func TestContext_epochAndStackLimit(t *testing.T) {
	c := New(engineapi.DefaultOffsetData())
	c.SetStackLimit(0xdeadbeef)
	require.Equal(t, uint64(0xdeadbeef), c.get64(c.Offsets.StackLimitOffset))
	c.SetEpochDeadline(7)
	require.Equal(t, uint64(7), c.get64(c.Offsets.EpochDeadlineOffset))
}
