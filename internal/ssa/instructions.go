package ssa

import (
	"fmt"
	"strings"

	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
)

// Opcode represents a SSA instruction.
type Opcode uint32

// Instruction represents an instruction whose opcode is specified by Opcode.
// Since Go doesn't have union type, we use this flattened type for all
// instructions, and therefore each field has different meaning depending on
// the Opcode.
type Instruction struct {
	opcode     Opcode
	u1, u2     uint64
	v, v2, v3  Value
	vs         []Value
	typ        Type
	blk        BasicBlock
	prev, next *Instruction

	rValue  Value
	rValues []Value

	sourceOffset SourceOffset
	gid          InstructionGroupID
	live         bool
}

// Opcode returns the opcode of this instruction.
func (i *Instruction) Opcode() Opcode {
	return i.opcode
}

// GroupID returns the InstructionGroupID of this instruction.
func (i *Instruction) GroupID() InstructionGroupID {
	return i.gid
}

// InstructionGroupID is assigned to each instruction and represents a group
// of instructions where each instruction is interchangeable with the others
// except for the last instruction in the group which has side effects. In
// short, InstructionGroupID is determined by the side effects of
// instructions. That means, if there's an instruction with side effect
// between two instructions, then these two instructions will have different
// InstructionGroupID. Note that each block always ends with a side-effecting
// instruction (branch, return, etc.), so the group never spans blocks.
//
// This is used to determine whether it is safe to sink an instruction into
// the user site during lowering.
type InstructionGroupID uint32

// Next returns the next instruction laid out after i.
func (i *Instruction) Next() *Instruction {
	return i.next
}

// Prev returns the previous instruction laid out before i.
func (i *Instruction) Prev() *Instruction {
	return i.prev
}

// SourceOffset returns the source offset of this instruction.
func (i *Instruction) SourceOffset() SourceOffset {
	return i.sourceOffset
}

// Returns the single result of this instruction plus the rest if any.
func (i *Instruction) Returns() (Value, []Value) {
	return i.rValue, i.rValues
}

// Return returns the single result of this instruction.
func (i *Instruction) Return() Value {
	return i.rValue
}

// Args returns the operands of this instruction.
func (i *Instruction) Args() (v1, v2, v3 Value, vs []Value) {
	return i.v, i.v2, i.v3, i.vs
}

// Arg returns the first operand.
func (i *Instruction) Arg() Value { return i.v }

// Arg2 returns the first two operands.
func (i *Instruction) Arg2() (Value, Value) { return i.v, i.v2 }

// Arg3 returns the first three operands.
func (i *Instruction) Arg3() (Value, Value, Value) { return i.v, i.v2, i.v3 }

// ArgVs returns the variadic operands.
func (i *Instruction) ArgVs() []Value { return i.vs }

const (
	OpcodeInvalid Opcode = iota

	// OpcodeJump transfers control to the target block: `Jump blk, args`.
	OpcodeJump

	// OpcodeBrz branches into the target block if the condition is zero:
	// `Brz c, blk, args`.
	OpcodeBrz

	// OpcodeBrnz branches into the target block if the condition is not
	// zero: `Brnz c, blk, args`.
	OpcodeBrnz

	// OpcodeBrTable branches into one of the targets of the jump table
	// chosen by the index: `BrTable idx, jt`.
	OpcodeBrTable

	// OpcodeReturn returns from the function: `Return rvalues`.
	OpcodeReturn

	// OpcodeCall calls a declared function: `rvalues = Call f, args`.
	OpcodeCall

	// OpcodeCallIndirect calls a function through a pointer:
	// `rvalues = CallIndirect sig, callee, args`.
	OpcodeCallIndirect

	// OpcodeFuncAddr materializes the address of a declared function:
	// `addr = FuncAddr f`.
	OpcodeFuncAddr

	// OpcodeTrap raises the trap unconditionally: `Trap code`.
	OpcodeTrap

	// OpcodeTrapz raises the trap if the condition is zero:
	// `Trapz c, code`.
	OpcodeTrapz

	// OpcodeTrapnz raises the trap if the condition is not zero:
	// `Trapnz c, code`.
	OpcodeTrapnz

	// OpcodeDebugtrap raises a breakpoint trap: `Debugtrap`.
	OpcodeDebugtrap

	// OpcodeNop does nothing: `Nop`.
	OpcodeNop

	// OpcodeIconst materializes an integer constant: `v = Iconst imm`.
	OpcodeIconst

	// OpcodeF32const materializes a 32-bit float constant.
	OpcodeF32const

	// OpcodeF64const materializes a 64-bit float constant.
	OpcodeF64const

	// OpcodeVconst materializes a 128-bit vector constant from two 64-bit
	// halves.
	OpcodeVconst

	// OpcodeNull materializes a null reference.
	OpcodeNull

	// OpcodeIadd adds two integers: `v = Iadd x, y`.
	OpcodeIadd

	// OpcodeIsub subtracts two integers: `v = Isub x, y`.
	OpcodeIsub

	// OpcodeIneg negates an integer.
	OpcodeIneg

	// OpcodeIabs computes the absolute value per lane.
	OpcodeIabs

	// OpcodeImul multiplies two integers.
	OpcodeImul

	// OpcodeUmulhi computes the high half of the unsigned product.
	OpcodeUmulhi

	// OpcodeSmulhi computes the high half of the signed product.
	OpcodeSmulhi

	// OpcodeUdiv divides unsigned integers, trapping on zero divisors.
	OpcodeUdiv

	// OpcodeSdiv divides signed integers, trapping on zero divisors and on
	// INT_MIN / -1.
	OpcodeSdiv

	// OpcodeUrem computes the unsigned remainder.
	OpcodeUrem

	// OpcodeSrem computes the signed remainder.
	OpcodeSrem

	// OpcodeIaddCout adds and also returns the carry-out as an i8.
	OpcodeIaddCout

	// OpcodeIaddCin adds two integers plus a carry-in.
	OpcodeIaddCin

	// OpcodeIsubBout subtracts and also returns the borrow-out as an i8.
	OpcodeIsubBout

	// OpcodeIsubBin subtracts two integers minus a borrow-in.
	OpcodeIsubBin

	// OpcodeUaddOverflowTrap adds unsigned integers, trapping on overflow.
	OpcodeUaddOverflowTrap

	// OpcodeBand computes bitwise and.
	OpcodeBand

	// OpcodeBor computes bitwise or.
	OpcodeBor

	// OpcodeBxor computes bitwise xor.
	OpcodeBxor

	// OpcodeBnot computes bitwise complement.
	OpcodeBnot

	// OpcodeBandNot computes x & ^y.
	OpcodeBandNot

	// OpcodeRotl rotates left.
	OpcodeRotl

	// OpcodeRotr rotates right.
	OpcodeRotr

	// OpcodeIshl shifts left; the amount is masked to the bit width.
	OpcodeIshl

	// OpcodeUshr shifts right logically.
	OpcodeUshr

	// OpcodeSshr shifts right arithmetically.
	OpcodeSshr

	// OpcodeClz counts leading zeros.
	OpcodeClz

	// OpcodeCls counts leading sign bits.
	OpcodeCls

	// OpcodeCtz counts trailing zeros.
	OpcodeCtz

	// OpcodePopcnt counts one bits.
	OpcodePopcnt

	// OpcodeBswap reverses bytes.
	OpcodeBswap

	// OpcodeIcmp compares integers: `v = Icmp cond, x, y`.
	OpcodeIcmp

	// OpcodeFcmp compares floats: `v = Fcmp cond, x, y`.
	OpcodeFcmp

	// OpcodeSelect chooses between two values: `v = Select c, x, y`.
	OpcodeSelect

	// OpcodeBitselect chooses bits per the mask: `v = Bitselect c, x, y`.
	OpcodeBitselect

	// OpcodeFadd adds floats.
	OpcodeFadd

	// OpcodeFsub subtracts floats.
	OpcodeFsub

	// OpcodeFmul multiplies floats.
	OpcodeFmul

	// OpcodeFdiv divides floats.
	OpcodeFdiv

	// OpcodeSqrt computes the square root.
	OpcodeSqrt

	// OpcodeFneg negates a float.
	OpcodeFneg

	// OpcodeFabs computes the float absolute value.
	OpcodeFabs

	// OpcodeFcopysign copies the sign of y onto x.
	OpcodeFcopysign

	// OpcodeFmin computes the minimum propagating NaN.
	OpcodeFmin

	// OpcodeFmax computes the maximum propagating NaN.
	OpcodeFmax

	// OpcodeFma computes x*y + z fused.
	OpcodeFma

	// OpcodeCeil rounds up.
	OpcodeCeil

	// OpcodeFloor rounds down.
	OpcodeFloor

	// OpcodeTrunc rounds toward zero.
	OpcodeTrunc

	// OpcodeNearest rounds to nearest, ties to even.
	OpcodeNearest

	// OpcodeIreduce narrows an integer.
	OpcodeIreduce

	// OpcodeUextend zero-extends an integer.
	OpcodeUextend

	// OpcodeSextend sign-extends an integer.
	OpcodeSextend

	// OpcodeFpromote converts f32 to f64.
	OpcodeFpromote

	// OpcodeFdemote converts f64 to f32.
	OpcodeFdemote

	// OpcodeFcvtToUint converts float to unsigned integer, trapping on NaN
	// and out-of-range inputs.
	OpcodeFcvtToUint

	// OpcodeFcvtToSint converts float to signed integer, trapping on NaN
	// and out-of-range inputs.
	OpcodeFcvtToSint

	// OpcodeFcvtToUintSat converts float to unsigned integer, saturating.
	OpcodeFcvtToUintSat

	// OpcodeFcvtToSintSat converts float to signed integer, saturating.
	OpcodeFcvtToSintSat

	// OpcodeFcvtFromUint converts unsigned integer to float.
	OpcodeFcvtFromUint

	// OpcodeFcvtFromSint converts signed integer to float.
	OpcodeFcvtFromSint

	// OpcodeBitcast reinterprets bits at the same width.
	OpcodeBitcast

	// OpcodeIsplit splits an integer into low and high halves.
	OpcodeIsplit

	// OpcodeIconcat concatenates two integers into a double-width one.
	OpcodeIconcat

	// OpcodeLoad loads from memory: `v = Load p, offset`.
	OpcodeLoad

	// OpcodeStore stores to memory: `Store x, p, offset`.
	OpcodeStore

	// OpcodeUload8 loads a byte and zero-extends.
	OpcodeUload8

	// OpcodeSload8 loads a byte and sign-extends.
	OpcodeSload8

	// OpcodeIstore8 stores the low byte.
	OpcodeIstore8

	// OpcodeUload16 loads a halfword and zero-extends.
	OpcodeUload16

	// OpcodeSload16 loads a halfword and sign-extends.
	OpcodeSload16

	// OpcodeIstore16 stores the low halfword.
	OpcodeIstore16

	// OpcodeUload32 loads a word and zero-extends.
	OpcodeUload32

	// OpcodeSload32 loads a word and sign-extends.
	OpcodeSload32

	// OpcodeIstore32 stores the low word.
	OpcodeIstore32

	// OpcodeAtomicLoad loads with sequential consistency.
	OpcodeAtomicLoad

	// OpcodeAtomicStore stores with sequential consistency.
	OpcodeAtomicStore

	// OpcodeAtomicRmw performs an atomic read-modify-write.
	OpcodeAtomicRmw

	// OpcodeAtomicCas performs an atomic compare-and-swap.
	OpcodeAtomicCas

	// OpcodeFence orders memory operations.
	OpcodeFence

	// OpcodeStackLoad loads from a declared stack slot.
	OpcodeStackLoad

	// OpcodeStackStore stores to a declared stack slot.
	OpcodeStackStore

	// OpcodeStackAddr computes the address of a declared stack slot.
	OpcodeStackAddr

	// OpcodeGlobalValue materializes a symbolic address.
	OpcodeGlobalValue

	// OpcodeSplat duplicates a scalar into every lane.
	OpcodeSplat

	// OpcodeExtractlane moves one lane to a scalar.
	OpcodeExtractlane

	// OpcodeInsertlane replaces one lane with a scalar.
	OpcodeInsertlane

	// OpcodeVanyTrue is 1 if any lane is non-zero.
	OpcodeVanyTrue

	// OpcodeVallTrue is 1 if all lanes are non-zero.
	OpcodeVallTrue

	// OpcodeVhighBits gathers the top bit of each lane.
	OpcodeVhighBits

	// OpcodeIsNull is 1 if the reference is null.
	OpcodeIsNull

	opcodeEnd
)

// AtomicRmwOp is the operation of an OpcodeAtomicRmw instruction.
type AtomicRmwOp byte

const (
	AtomicRmwOpAdd AtomicRmwOp = iota
	AtomicRmwOpSub
	AtomicRmwOpAnd
	AtomicRmwOpOr
	AtomicRmwOpXor
	AtomicRmwOpXchg
)

// String implements fmt.Stringer.
func (op AtomicRmwOp) String() string {
	switch op {
	case AtomicRmwOpAdd:
		return "add"
	case AtomicRmwOpSub:
		return "sub"
	case AtomicRmwOpAnd:
		return "and"
	case AtomicRmwOpOr:
		return "or"
	case AtomicRmwOpXor:
		return "xor"
	case AtomicRmwOpXchg:
		return "xchg"
	default:
		panic("invalid atomic rmw op")
	}
}

var opcodeNames = [...]string{
	OpcodeJump: "Jump", OpcodeBrz: "Brz", OpcodeBrnz: "Brnz", OpcodeBrTable: "BrTable",
	OpcodeReturn: "Return", OpcodeCall: "Call", OpcodeCallIndirect: "CallIndirect",
	OpcodeFuncAddr: "FuncAddr", OpcodeTrap: "Trap", OpcodeTrapz: "Trapz",
	OpcodeTrapnz: "Trapnz", OpcodeDebugtrap: "Debugtrap", OpcodeNop: "Nop",
	OpcodeIconst: "Iconst", OpcodeF32const: "F32const", OpcodeF64const: "F64const",
	OpcodeVconst: "Vconst", OpcodeNull: "Null",
	OpcodeIadd: "Iadd", OpcodeIsub: "Isub", OpcodeIneg: "Ineg", OpcodeIabs: "Iabs",
	OpcodeImul: "Imul", OpcodeUmulhi: "Umulhi", OpcodeSmulhi: "Smulhi",
	OpcodeUdiv: "Udiv", OpcodeSdiv: "Sdiv", OpcodeUrem: "Urem", OpcodeSrem: "Srem",
	OpcodeIaddCout: "IaddCout", OpcodeIaddCin: "IaddCin",
	OpcodeIsubBout: "IsubBout", OpcodeIsubBin: "IsubBin",
	OpcodeUaddOverflowTrap: "UaddOverflowTrap",
	OpcodeBand:             "Band", OpcodeBor: "Bor", OpcodeBxor: "Bxor", OpcodeBnot: "Bnot",
	OpcodeBandNot: "BandNot", OpcodeRotl: "Rotl", OpcodeRotr: "Rotr",
	OpcodeIshl: "Ishl", OpcodeUshr: "Ushr", OpcodeSshr: "Sshr",
	OpcodeClz: "Clz", OpcodeCls: "Cls", OpcodeCtz: "Ctz", OpcodePopcnt: "Popcnt",
	OpcodeBswap: "Bswap", OpcodeIcmp: "Icmp", OpcodeFcmp: "Fcmp",
	OpcodeSelect: "Select", OpcodeBitselect: "Bitselect",
	OpcodeFadd: "Fadd", OpcodeFsub: "Fsub", OpcodeFmul: "Fmul", OpcodeFdiv: "Fdiv",
	OpcodeSqrt: "Sqrt", OpcodeFneg: "Fneg", OpcodeFabs: "Fabs",
	OpcodeFcopysign: "Fcopysign", OpcodeFmin: "Fmin", OpcodeFmax: "Fmax",
	OpcodeFma: "Fma", OpcodeCeil: "Ceil", OpcodeFloor: "Floor",
	OpcodeTrunc: "Trunc", OpcodeNearest: "Nearest",
	OpcodeIreduce: "Ireduce", OpcodeUextend: "Uextend", OpcodeSextend: "Sextend",
	OpcodeFpromote: "Fpromote", OpcodeFdemote: "Fdemote",
	OpcodeFcvtToUint: "FcvtToUint", OpcodeFcvtToSint: "FcvtToSint",
	OpcodeFcvtToUintSat: "FcvtToUintSat", OpcodeFcvtToSintSat: "FcvtToSintSat",
	OpcodeFcvtFromUint: "FcvtFromUint", OpcodeFcvtFromSint: "FcvtFromSint",
	OpcodeBitcast: "Bitcast", OpcodeIsplit: "Isplit", OpcodeIconcat: "Iconcat",
	OpcodeLoad: "Load", OpcodeStore: "Store",
	OpcodeUload8: "Uload8", OpcodeSload8: "Sload8", OpcodeIstore8: "Istore8",
	OpcodeUload16: "Uload16", OpcodeSload16: "Sload16", OpcodeIstore16: "Istore16",
	OpcodeUload32: "Uload32", OpcodeSload32: "Sload32", OpcodeIstore32: "Istore32",
	OpcodeAtomicLoad: "AtomicLoad", OpcodeAtomicStore: "AtomicStore",
	OpcodeAtomicRmw: "AtomicRmw", OpcodeAtomicCas: "AtomicCas", OpcodeFence: "Fence",
	OpcodeStackLoad: "StackLoad", OpcodeStackStore: "StackStore", OpcodeStackAddr: "StackAddr",
	OpcodeGlobalValue: "GlobalValue", OpcodeSplat: "Splat",
	OpcodeExtractlane: "Extractlane", OpcodeInsertlane: "Insertlane",
	OpcodeVanyTrue: "VanyTrue", OpcodeVallTrue: "VallTrue", OpcodeVhighBits: "VhighBits",
	OpcodeIsNull: "IsNull",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if int(o) < len(opcodeNames) && opcodeNames[o] != "" {
		return opcodeNames[o]
	}
	return fmt.Sprintf("Opcode(%d)", o)
}

// sideEffect returns true if this instruction has side effects: it writes
// memory, transfers control, can trap, or otherwise must not be eliminated
// or reordered across other side-effecting instructions.
func (i *Instruction) sideEffect() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeBrTable, OpcodeReturn,
		OpcodeCall, OpcodeCallIndirect, OpcodeTrap, OpcodeTrapz, OpcodeTrapnz,
		OpcodeDebugtrap,
		OpcodeStore, OpcodeIstore8, OpcodeIstore16, OpcodeIstore32,
		OpcodeLoad, OpcodeUload8, OpcodeSload8, OpcodeUload16, OpcodeSload16,
		OpcodeUload32, OpcodeSload32,
		OpcodeAtomicLoad, OpcodeAtomicStore, OpcodeAtomicRmw, OpcodeAtomicCas,
		OpcodeFence, OpcodeStackStore,
		OpcodeUdiv, OpcodeSdiv, OpcodeUrem, OpcodeSrem,
		OpcodeUaddOverflowTrap,
		OpcodeFcvtToUint, OpcodeFcvtToSint:
		return true
	default:
		return false
	}
}

// HasSideEffects exports sideEffect for the middle end.
func (i *Instruction) HasSideEffects() bool { return i.sideEffect() }

// IsPure reports that the instruction computes a value purely from its
// operands: no memory access, no trap, no control transfer. Pure
// instructions are the ones admitted into the e-graph.
func (i *Instruction) IsPure() bool {
	return !i.sideEffect()
}

// IsBranching returns true if this instruction is a branching instruction.
func (i *Instruction) IsBranching() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeBrTable:
		return true
	default:
		return false
	}
}

// IsTerminator reports whether the instruction must end its block.
func (i *Instruction) IsTerminator() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeBrTable, OpcodeReturn, OpcodeTrap:
		return true
	default:
		return false
	}
}

// IsConst reports whether the instruction materializes a constant.
func (i *Instruction) IsConst() bool {
	switch i.opcode {
	case OpcodeIconst, OpcodeF32const, OpcodeF64const, OpcodeVconst, OpcodeNull:
		return true
	default:
		return false
	}
}

// --- constructors ------------------------------------------------------

// AsJump initializes this instruction as `Jump target, args`.
func (i *Instruction) AsJump(args []Value, target BasicBlock) {
	i.opcode = OpcodeJump
	i.vs = args
	i.blk = target
}

// AsBrz initializes this instruction as `Brz c, target, args`.
func (i *Instruction) AsBrz(c Value, args []Value, target BasicBlock) {
	i.opcode = OpcodeBrz
	i.v = c
	i.vs = args
	i.blk = target
}

// AsBrnz initializes this instruction as `Brnz c, target, args`.
func (i *Instruction) AsBrnz(c Value, args []Value, target BasicBlock) {
	i.opcode = OpcodeBrnz
	i.v = c
	i.vs = args
	i.blk = target
}

// AsBrTable initializes this instruction as `BrTable index, jt`.
func (i *Instruction) AsBrTable(index Value, jt JumpTable) {
	i.opcode = OpcodeBrTable
	i.v = index
	i.u1 = uint64(jt)
}

// AsReturn initializes this instruction as `Return rvalues`.
func (i *Instruction) AsReturn(vs []Value) {
	i.opcode = OpcodeReturn
	i.vs = vs
}

// AsCall initializes this instruction as `Call f, args` with the signature.
func (i *Instruction) AsCall(ref FuncRef, sig *Signature, args []Value) {
	i.opcode = OpcodeCall
	i.u1 = uint64(ref)
	i.u2 = uint64(sig.ID)
	i.vs = args
	sig.used = true
}

// AsCallIndirect initializes this instruction as
// `CallIndirect sig, callee, args`.
func (i *Instruction) AsCallIndirect(callee Value, sig *Signature, args []Value) {
	i.opcode = OpcodeCallIndirect
	i.v = callee
	i.u2 = uint64(sig.ID)
	i.vs = args
	sig.used = true
}

// AsFuncAddr initializes this instruction as `addr = FuncAddr f`.
func (i *Instruction) AsFuncAddr(ref FuncRef) {
	i.opcode = OpcodeFuncAddr
	i.u1 = uint64(ref)
	i.typ = TypeI64
}

// AsTrap initializes this instruction as `Trap code`.
func (i *Instruction) AsTrap(code engineapi.TrapCode) {
	i.opcode = OpcodeTrap
	i.u1 = uint64(code)
}

// AsTrapz initializes this instruction as `Trapz c, code`.
func (i *Instruction) AsTrapz(c Value, code engineapi.TrapCode) {
	i.opcode = OpcodeTrapz
	i.v = c
	i.u1 = uint64(code)
}

// AsTrapnz initializes this instruction as `Trapnz c, code`.
func (i *Instruction) AsTrapnz(c Value, code engineapi.TrapCode) {
	i.opcode = OpcodeTrapnz
	i.v = c
	i.u1 = uint64(code)
}

// AsNop initializes this instruction as `Nop`.
func (i *Instruction) AsNop() { i.opcode = OpcodeNop }

// AsIconst64 initializes this instruction as a 64-bit integer constant.
func (i *Instruction) AsIconst64(v uint64) {
	i.opcode = OpcodeIconst
	i.typ = TypeI64
	i.u1 = v
}

// AsIconst32 initializes this instruction as a 32-bit integer constant.
func (i *Instruction) AsIconst32(v uint32) {
	i.opcode = OpcodeIconst
	i.typ = TypeI32
	i.u1 = uint64(v)
}

// AsIconst initializes this instruction as an integer constant of the type.
func (i *Instruction) AsIconst(typ Type, bits uint64) {
	if !typ.IsInt() {
		panic("BUG: Iconst requires an integer type")
	}
	i.opcode = OpcodeIconst
	i.typ = typ
	i.u1 = bits
}

// AsF32const initializes this instruction as a 32-bit float constant.
func (i *Instruction) AsF32const(bits uint32) {
	i.opcode = OpcodeF32const
	i.typ = TypeF32
	i.u1 = uint64(bits)
}

// AsF64const initializes this instruction as a 64-bit float constant.
func (i *Instruction) AsF64const(bits uint64) {
	i.opcode = OpcodeF64const
	i.typ = TypeF64
	i.u1 = bits
}

// AsVconst initializes this instruction as a 128-bit vector constant.
func (i *Instruction) AsVconst(typ Type, lo, hi uint64) {
	i.opcode = OpcodeVconst
	i.typ = typ
	i.u1, i.u2 = lo, hi
}

// AsNull initializes this instruction as a null reference constant.
func (i *Instruction) AsNull() {
	i.opcode = OpcodeNull
	i.typ = TypeR64
}

// ConstBits returns the raw bits of a constant instruction. For Vconst only
// the low half is returned.
func (i *Instruction) ConstBits() uint64 {
	if !i.IsConst() {
		panic("BUG: ConstBits on non-constant")
	}
	return i.u1
}

// VconstData returns both halves of a vector constant.
func (i *Instruction) VconstData() (lo, hi uint64) {
	if i.opcode != OpcodeVconst {
		panic("BUG: VconstData on non-Vconst")
	}
	return i.u1, i.u2
}

// asBinary initializes a simple binary op whose type is that of x.
func (i *Instruction) asBinary(op Opcode, x, y Value) {
	i.opcode = op
	i.v, i.v2 = x, y
	i.typ = x.Type()
}

// asUnary initializes a simple unary op whose type is that of x.
func (i *Instruction) asUnary(op Opcode, x Value) {
	i.opcode = op
	i.v = x
	i.typ = x.Type()
}

// AsIadd initializes this instruction as `v = Iadd x, y`.
func (i *Instruction) AsIadd(x, y Value) { i.asBinary(OpcodeIadd, x, y) }

// AsIsub initializes this instruction as `v = Isub x, y`.
func (i *Instruction) AsIsub(x, y Value) { i.asBinary(OpcodeIsub, x, y) }

// AsImul initializes this instruction as `v = Imul x, y`.
func (i *Instruction) AsImul(x, y Value) { i.asBinary(OpcodeImul, x, y) }

// AsUmulhi initializes this instruction as `v = Umulhi x, y`.
func (i *Instruction) AsUmulhi(x, y Value) { i.asBinary(OpcodeUmulhi, x, y) }

// AsSmulhi initializes this instruction as `v = Smulhi x, y`.
func (i *Instruction) AsSmulhi(x, y Value) { i.asBinary(OpcodeSmulhi, x, y) }

// AsUdiv initializes this instruction as `v = Udiv x, y`.
func (i *Instruction) AsUdiv(x, y Value) { i.asBinary(OpcodeUdiv, x, y) }

// AsSdiv initializes this instruction as `v = Sdiv x, y`.
func (i *Instruction) AsSdiv(x, y Value) { i.asBinary(OpcodeSdiv, x, y) }

// AsUrem initializes this instruction as `v = Urem x, y`.
func (i *Instruction) AsUrem(x, y Value) { i.asBinary(OpcodeUrem, x, y) }

// AsSrem initializes this instruction as `v = Srem x, y`.
func (i *Instruction) AsSrem(x, y Value) { i.asBinary(OpcodeSrem, x, y) }

// AsIneg initializes this instruction as `v = Ineg x`.
func (i *Instruction) AsIneg(x Value) { i.asUnary(OpcodeIneg, x) }

// AsIabs initializes this instruction as `v = Iabs x`.
func (i *Instruction) AsIabs(x Value) { i.asUnary(OpcodeIabs, x) }

// AsIaddCout initializes this instruction as `v, carry = IaddCout x, y`.
func (i *Instruction) AsIaddCout(x, y Value) { i.asBinary(OpcodeIaddCout, x, y) }

// AsIaddCin initializes this instruction as `v = IaddCin x, y, cin`.
func (i *Instruction) AsIaddCin(x, y, cin Value) {
	i.opcode = OpcodeIaddCin
	i.v, i.v2, i.v3 = x, y, cin
	i.typ = x.Type()
}

// AsIsubBout initializes this instruction as `v, borrow = IsubBout x, y`.
func (i *Instruction) AsIsubBout(x, y Value) { i.asBinary(OpcodeIsubBout, x, y) }

// AsIsubBin initializes this instruction as `v = IsubBin x, y, bin`.
func (i *Instruction) AsIsubBin(x, y, bin Value) {
	i.opcode = OpcodeIsubBin
	i.v, i.v2, i.v3 = x, y, bin
	i.typ = x.Type()
}

// AsUaddOverflowTrap initializes this instruction as
// `v = UaddOverflowTrap x, y, code`.
func (i *Instruction) AsUaddOverflowTrap(x, y Value, code engineapi.TrapCode) {
	i.asBinary(OpcodeUaddOverflowTrap, x, y)
	i.u1 = uint64(code)
}

// AsBand initializes this instruction as `v = Band x, y`.
func (i *Instruction) AsBand(x, y Value) { i.asBinary(OpcodeBand, x, y) }

// AsBor initializes this instruction as `v = Bor x, y`.
func (i *Instruction) AsBor(x, y Value) { i.asBinary(OpcodeBor, x, y) }

// AsBxor initializes this instruction as `v = Bxor x, y`.
func (i *Instruction) AsBxor(x, y Value) { i.asBinary(OpcodeBxor, x, y) }

// AsBnot initializes this instruction as `v = Bnot x`.
func (i *Instruction) AsBnot(x Value) { i.asUnary(OpcodeBnot, x) }

// AsBandNot initializes this instruction as `v = BandNot x, y`.
func (i *Instruction) AsBandNot(x, y Value) { i.asBinary(OpcodeBandNot, x, y) }

// AsRotl initializes this instruction as `v = Rotl x, amount`.
func (i *Instruction) AsRotl(x, amount Value) { i.asBinary(OpcodeRotl, x, amount) }

// AsRotr initializes this instruction as `v = Rotr x, amount`.
func (i *Instruction) AsRotr(x, amount Value) { i.asBinary(OpcodeRotr, x, amount) }

// AsIshl initializes this instruction as `v = Ishl x, amount`.
func (i *Instruction) AsIshl(x, amount Value) { i.asBinary(OpcodeIshl, x, amount) }

// AsUshr initializes this instruction as `v = Ushr x, amount`.
func (i *Instruction) AsUshr(x, amount Value) { i.asBinary(OpcodeUshr, x, amount) }

// AsSshr initializes this instruction as `v = Sshr x, amount`.
func (i *Instruction) AsSshr(x, amount Value) { i.asBinary(OpcodeSshr, x, amount) }

// AsClz initializes this instruction as `v = Clz x`.
func (i *Instruction) AsClz(x Value) { i.asUnary(OpcodeClz, x) }

// AsCls initializes this instruction as `v = Cls x`.
func (i *Instruction) AsCls(x Value) { i.asUnary(OpcodeCls, x) }

// AsCtz initializes this instruction as `v = Ctz x`.
func (i *Instruction) AsCtz(x Value) { i.asUnary(OpcodeCtz, x) }

// AsPopcnt initializes this instruction as `v = Popcnt x`.
func (i *Instruction) AsPopcnt(x Value) { i.asUnary(OpcodePopcnt, x) }

// AsBswap initializes this instruction as `v = Bswap x`.
func (i *Instruction) AsBswap(x Value) { i.asUnary(OpcodeBswap, x) }

// AsIcmp initializes this instruction as `v = Icmp cond, x, y`.
func (i *Instruction) AsIcmp(x, y Value, c IntegerCmpCond) {
	i.opcode = OpcodeIcmp
	i.v, i.v2 = x, y
	i.u1 = uint64(c)
	if x.Type().IsVector() {
		i.typ = x.Type()
	} else {
		i.typ = TypeI32
	}
}

// IcmpData returns the operands and condition of an Icmp.
func (i *Instruction) IcmpData() (x, y Value, c IntegerCmpCond) {
	return i.v, i.v2, IntegerCmpCond(i.u1)
}

// AsFcmp initializes this instruction as `v = Fcmp cond, x, y`.
func (i *Instruction) AsFcmp(x, y Value, c FloatCmpCond) {
	i.opcode = OpcodeFcmp
	i.v, i.v2 = x, y
	i.u1 = uint64(c)
	if x.Type().IsVector() {
		i.typ = x.Type()
	} else {
		i.typ = TypeI32
	}
}

// FcmpData returns the operands and condition of an Fcmp.
func (i *Instruction) FcmpData() (x, y Value, c FloatCmpCond) {
	return i.v, i.v2, FloatCmpCond(i.u1)
}

// AsSelect initializes this instruction as `v = Select c, x, y`.
func (i *Instruction) AsSelect(c, x, y Value) {
	i.opcode = OpcodeSelect
	i.v, i.v2, i.v3 = c, x, y
	i.typ = x.Type()
}

// AsBitselect initializes this instruction as `v = Bitselect c, x, y`.
func (i *Instruction) AsBitselect(c, x, y Value) {
	i.opcode = OpcodeBitselect
	i.v, i.v2, i.v3 = c, x, y
	i.typ = x.Type()
}

// AsFadd initializes this instruction as `v = Fadd x, y`.
func (i *Instruction) AsFadd(x, y Value) { i.asBinary(OpcodeFadd, x, y) }

// AsFsub initializes this instruction as `v = Fsub x, y`.
func (i *Instruction) AsFsub(x, y Value) { i.asBinary(OpcodeFsub, x, y) }

// AsFmul initializes this instruction as `v = Fmul x, y`.
func (i *Instruction) AsFmul(x, y Value) { i.asBinary(OpcodeFmul, x, y) }

// AsFdiv initializes this instruction as `v = Fdiv x, y`.
func (i *Instruction) AsFdiv(x, y Value) { i.asBinary(OpcodeFdiv, x, y) }

// AsSqrt initializes this instruction as `v = Sqrt x`.
func (i *Instruction) AsSqrt(x Value) { i.asUnary(OpcodeSqrt, x) }

// AsFneg initializes this instruction as `v = Fneg x`.
func (i *Instruction) AsFneg(x Value) { i.asUnary(OpcodeFneg, x) }

// AsFabs initializes this instruction as `v = Fabs x`.
func (i *Instruction) AsFabs(x Value) { i.asUnary(OpcodeFabs, x) }

// AsFcopysign initializes this instruction as `v = Fcopysign x, y`.
func (i *Instruction) AsFcopysign(x, y Value) { i.asBinary(OpcodeFcopysign, x, y) }

// AsFmin initializes this instruction as `v = Fmin x, y`.
func (i *Instruction) AsFmin(x, y Value) { i.asBinary(OpcodeFmin, x, y) }

// AsFmax initializes this instruction as `v = Fmax x, y`.
func (i *Instruction) AsFmax(x, y Value) { i.asBinary(OpcodeFmax, x, y) }

// AsFma initializes this instruction as `v = Fma x, y, z`.
func (i *Instruction) AsFma(x, y, z Value) {
	i.opcode = OpcodeFma
	i.v, i.v2, i.v3 = x, y, z
	i.typ = x.Type()
}

// AsCeil initializes this instruction as `v = Ceil x`.
func (i *Instruction) AsCeil(x Value) { i.asUnary(OpcodeCeil, x) }

// AsFloor initializes this instruction as `v = Floor x`.
func (i *Instruction) AsFloor(x Value) { i.asUnary(OpcodeFloor, x) }

// AsTrunc initializes this instruction as `v = Trunc x`.
func (i *Instruction) AsTrunc(x Value) { i.asUnary(OpcodeTrunc, x) }

// AsNearest initializes this instruction as `v = Nearest x`.
func (i *Instruction) AsNearest(x Value) { i.asUnary(OpcodeNearest, x) }

// AsIreduce initializes this instruction as `v = Ireduce x` to the type.
func (i *Instruction) AsIreduce(x Value, to Type) {
	i.opcode = OpcodeIreduce
	i.v = x
	i.typ = to
}

// AsUextend initializes this instruction as `v = Uextend x` to the type.
func (i *Instruction) AsUextend(x Value, to Type) {
	i.opcode = OpcodeUextend
	i.v = x
	i.typ = to
}

// AsSextend initializes this instruction as `v = Sextend x` to the type.
func (i *Instruction) AsSextend(x Value, to Type) {
	i.opcode = OpcodeSextend
	i.v = x
	i.typ = to
}

// AsFpromote initializes this instruction as `v = Fpromote x`.
func (i *Instruction) AsFpromote(x Value) {
	i.opcode = OpcodeFpromote
	i.v = x
	i.typ = TypeF64
}

// AsFdemote initializes this instruction as `v = Fdemote x`.
func (i *Instruction) AsFdemote(x Value) {
	i.opcode = OpcodeFdemote
	i.v = x
	i.typ = TypeF32
}

// asFcvtToInt initializes the float-to-int family.
func (i *Instruction) asFcvtToInt(op Opcode, x Value, to Type) {
	i.opcode = op
	i.v = x
	i.typ = to
}

// AsFcvtToUint initializes this instruction as a trapping float-to-unsigned
// conversion.
func (i *Instruction) AsFcvtToUint(x Value, to Type) { i.asFcvtToInt(OpcodeFcvtToUint, x, to) }

// AsFcvtToSint initializes this instruction as a trapping float-to-signed
// conversion.
func (i *Instruction) AsFcvtToSint(x Value, to Type) { i.asFcvtToInt(OpcodeFcvtToSint, x, to) }

// AsFcvtToUintSat initializes this instruction as a saturating
// float-to-unsigned conversion.
func (i *Instruction) AsFcvtToUintSat(x Value, to Type) { i.asFcvtToInt(OpcodeFcvtToUintSat, x, to) }

// AsFcvtToSintSat initializes this instruction as a saturating
// float-to-signed conversion.
func (i *Instruction) AsFcvtToSintSat(x Value, to Type) { i.asFcvtToInt(OpcodeFcvtToSintSat, x, to) }

// AsFcvtFromUint initializes this instruction as an unsigned-to-float
// conversion.
func (i *Instruction) AsFcvtFromUint(x Value, to Type) { i.asFcvtToInt(OpcodeFcvtFromUint, x, to) }

// AsFcvtFromSint initializes this instruction as a signed-to-float
// conversion.
func (i *Instruction) AsFcvtFromSint(x Value, to Type) { i.asFcvtToInt(OpcodeFcvtFromSint, x, to) }

// AsBitcast initializes this instruction as `v = Bitcast x` to the type.
func (i *Instruction) AsBitcast(x Value, to Type) {
	i.opcode = OpcodeBitcast
	i.v = x
	i.typ = to
}

// AsIsplit initializes this instruction as `lo, hi = Isplit x`.
func (i *Instruction) AsIsplit(x Value) {
	i.opcode = OpcodeIsplit
	i.v = x
	switch x.Type() {
	case TypeI128:
		i.typ = TypeI64
	case TypeI64:
		i.typ = TypeI32
	default:
		panic("BUG: Isplit requires i64 or i128")
	}
}

// AsIconcat initializes this instruction as `v = Iconcat lo, hi`.
func (i *Instruction) AsIconcat(lo, hi Value) {
	i.opcode = OpcodeIconcat
	i.v, i.v2 = lo, hi
	switch lo.Type() {
	case TypeI64:
		i.typ = TypeI128
	case TypeI32:
		i.typ = TypeI64
	default:
		panic("BUG: Iconcat requires i32 or i64")
	}
}

// MemFlags carries static facts about one memory access.
type MemFlags byte

const (
	// MemFlagKnownInBounds marks an access proven in-bounds, statically or
	// by an explicit bounds check emitted before it; no trap-table entry is
	// needed. Accesses left to the guard region do not carry it.
	MemFlagKnownInBounds MemFlags = 1 << iota
	// MemFlagReadonly marks loads from memory the program never writes.
	MemFlagReadonly
)

// asLoad initializes the load family.
func (i *Instruction) asLoad(op Opcode, ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.opcode = op
	i.v = ptr
	i.u1 = uint64(offset) | uint64(flags)<<32
	i.typ = typ
}

// AsLoad initializes this instruction as `v = Load p, offset`.
func (i *Instruction) AsLoad(ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.asLoad(OpcodeLoad, ptr, offset, flags, typ)
}

// AsUload8 initializes this instruction as a zero-extending byte load.
func (i *Instruction) AsUload8(ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.asLoad(OpcodeUload8, ptr, offset, flags, typ)
}

// AsSload8 initializes this instruction as a sign-extending byte load.
func (i *Instruction) AsSload8(ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.asLoad(OpcodeSload8, ptr, offset, flags, typ)
}

// AsUload16 initializes this instruction as a zero-extending halfword load.
func (i *Instruction) AsUload16(ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.asLoad(OpcodeUload16, ptr, offset, flags, typ)
}

// AsSload16 initializes this instruction as a sign-extending halfword load.
func (i *Instruction) AsSload16(ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.asLoad(OpcodeSload16, ptr, offset, flags, typ)
}

// AsUload32 initializes this instruction as a zero-extending word load.
func (i *Instruction) AsUload32(ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.asLoad(OpcodeUload32, ptr, offset, flags, typ)
}

// AsSload32 initializes this instruction as a sign-extending word load.
func (i *Instruction) AsSload32(ptr Value, offset uint32, flags MemFlags, typ Type) {
	i.asLoad(OpcodeSload32, ptr, offset, flags, typ)
}

// asStore initializes the store family.
func (i *Instruction) asStore(op Opcode, x, ptr Value, offset uint32, flags MemFlags) {
	i.opcode = op
	i.v, i.v2 = x, ptr
	i.u1 = uint64(offset) | uint64(flags)<<32
}

// AsStore initializes this instruction as `Store x, p, offset`.
func (i *Instruction) AsStore(x, ptr Value, offset uint32, flags MemFlags) {
	i.asStore(OpcodeStore, x, ptr, offset, flags)
}

// AsIstore8 initializes this instruction as a byte store.
func (i *Instruction) AsIstore8(x, ptr Value, offset uint32, flags MemFlags) {
	i.asStore(OpcodeIstore8, x, ptr, offset, flags)
}

// AsIstore16 initializes this instruction as a halfword store.
func (i *Instruction) AsIstore16(x, ptr Value, offset uint32, flags MemFlags) {
	i.asStore(OpcodeIstore16, x, ptr, offset, flags)
}

// AsIstore32 initializes this instruction as a word store.
func (i *Instruction) AsIstore32(x, ptr Value, offset uint32, flags MemFlags) {
	i.asStore(OpcodeIstore32, x, ptr, offset, flags)
}

// MemData returns the pointer operand, static offset and flags of a memory
// instruction; for stores the stored value is i.Arg().
func (i *Instruction) MemData() (ptr Value, offset uint32, flags MemFlags) {
	switch i.opcode {
	case OpcodeLoad, OpcodeUload8, OpcodeSload8, OpcodeUload16, OpcodeSload16,
		OpcodeUload32, OpcodeSload32:
		ptr = i.v
	case OpcodeStore, OpcodeIstore8, OpcodeIstore16, OpcodeIstore32:
		ptr = i.v2
	default:
		panic("BUG: MemData on non-memory instruction")
	}
	return ptr, uint32(i.u1), MemFlags(i.u1 >> 32)
}

// AsAtomicLoad initializes this instruction as a sequentially consistent
// load.
func (i *Instruction) AsAtomicLoad(ptr Value, typ Type) {
	i.opcode = OpcodeAtomicLoad
	i.v = ptr
	i.typ = typ
}

// AsAtomicStore initializes this instruction as a sequentially consistent
// store.
func (i *Instruction) AsAtomicStore(x, ptr Value) {
	i.opcode = OpcodeAtomicStore
	i.v, i.v2 = x, ptr
}

// AsAtomicRmw initializes this instruction as `v = AtomicRmw op, p, x`.
func (i *Instruction) AsAtomicRmw(op AtomicRmwOp, ptr, x Value) {
	i.opcode = OpcodeAtomicRmw
	i.v, i.v2 = ptr, x
	i.u1 = uint64(op)
	i.typ = x.Type()
}

// AsAtomicCas initializes this instruction as `v = AtomicCas p, exp, new`.
func (i *Instruction) AsAtomicCas(ptr, exp, new Value) {
	i.opcode = OpcodeAtomicCas
	i.v, i.v2, i.v3 = ptr, exp, new
	i.typ = exp.Type()
}

// AsFence initializes this instruction as `Fence`.
func (i *Instruction) AsFence() { i.opcode = OpcodeFence }

// AsStackLoad initializes this instruction as `v = StackLoad ss, offset`.
func (i *Instruction) AsStackLoad(slot StackSlot, offset uint32, typ Type) {
	i.opcode = OpcodeStackLoad
	i.u1 = uint64(slot)
	i.u2 = uint64(offset)
	i.typ = typ
}

// AsStackStore initializes this instruction as `StackStore x, ss, offset`.
func (i *Instruction) AsStackStore(x Value, slot StackSlot, offset uint32) {
	i.opcode = OpcodeStackStore
	i.v = x
	i.u1 = uint64(slot)
	i.u2 = uint64(offset)
}

// AsStackAddr initializes this instruction as `addr = StackAddr ss, offset`.
func (i *Instruction) AsStackAddr(slot StackSlot, offset uint32) {
	i.opcode = OpcodeStackAddr
	i.u1 = uint64(slot)
	i.u2 = uint64(offset)
	i.typ = TypeI64
}

// StackSlotData returns the slot and offset of a stack access.
func (i *Instruction) StackSlotData() (StackSlot, uint32) {
	return StackSlot(i.u1), uint32(i.u2)
}

// AsGlobalValue initializes this instruction as `v = GlobalValue gv`.
func (i *Instruction) AsGlobalValue(gv GlobalValue, typ Type) {
	i.opcode = OpcodeGlobalValue
	i.u1 = uint64(gv)
	i.typ = typ
}

// AsSplat initializes this instruction as `v = Splat x` into the vector
// type.
func (i *Instruction) AsSplat(x Value, typ Type) {
	if !typ.IsVector() {
		panic("BUG: Splat requires a vector result type")
	}
	i.opcode = OpcodeSplat
	i.v = x
	i.typ = typ
}

// AsExtractlane initializes this instruction as `v = Extractlane x, lane`.
func (i *Instruction) AsExtractlane(x Value, lane byte, signed bool) {
	i.opcode = OpcodeExtractlane
	i.v = x
	i.u1 = uint64(lane)
	if signed {
		i.u2 = 1
	}
	i.typ = x.Type().LaneType()
}

// AsInsertlane initializes this instruction as `v = Insertlane x, y, lane`.
func (i *Instruction) AsInsertlane(x, y Value, lane byte) {
	i.opcode = OpcodeInsertlane
	i.v, i.v2 = x, y
	i.u1 = uint64(lane)
	i.typ = x.Type()
}

// Lane returns the lane immediate of a lane instruction.
func (i *Instruction) Lane() byte { return byte(i.u1) }

// ExtractlaneSigned reports whether an Extractlane sign-extends the lane.
func (i *Instruction) ExtractlaneSigned() bool {
	if i.opcode != OpcodeExtractlane {
		panic("BUG: ExtractlaneSigned on wrong opcode")
	}
	return i.u2 != 0
}

// AsVanyTrue initializes this instruction as `v = VanyTrue x`.
func (i *Instruction) AsVanyTrue(x Value) {
	i.opcode = OpcodeVanyTrue
	i.v = x
	i.typ = TypeI32
}

// AsVallTrue initializes this instruction as `v = VallTrue x`.
func (i *Instruction) AsVallTrue(x Value) {
	i.opcode = OpcodeVallTrue
	i.v = x
	i.typ = TypeI32
}

// AsVhighBits initializes this instruction as `v = VhighBits x`.
func (i *Instruction) AsVhighBits(x Value) {
	i.opcode = OpcodeVhighBits
	i.v = x
	i.typ = TypeI32
}

// AsIsNull initializes this instruction as `v = IsNull x`.
func (i *Instruction) AsIsNull(x Value) {
	i.opcode = OpcodeIsNull
	i.v = x
	i.typ = TypeI32
}

// TrapCode returns the trap code of a trap instruction.
func (i *Instruction) TrapCode() engineapi.TrapCode {
	switch i.opcode {
	case OpcodeTrap, OpcodeTrapz, OpcodeTrapnz, OpcodeUaddOverflowTrap:
		return engineapi.TrapCode(i.u1)
	default:
		panic("BUG: TrapCode on non-trap instruction")
	}
}

// FuncRef returns the function reference of Call/FuncAddr.
func (i *Instruction) FuncRef() FuncRef {
	switch i.opcode {
	case OpcodeCall, OpcodeFuncAddr:
		return FuncRef(i.u1)
	default:
		panic("BUG: FuncRef on wrong opcode")
	}
}

// SigID returns the signature id of a call instruction.
func (i *Instruction) SigID() SignatureID {
	switch i.opcode {
	case OpcodeCall, OpcodeCallIndirect:
		return SignatureID(i.u2)
	default:
		panic("BUG: SigID on wrong opcode")
	}
}

// JumpTable returns the jump table of a BrTable.
func (i *Instruction) JumpTable() JumpTable {
	if i.opcode != OpcodeBrTable {
		panic("BUG: JumpTable on wrong opcode")
	}
	return JumpTable(i.u1)
}

// BranchData returns the condition (invalid for Jump), arguments and target
// of a branch instruction.
func (i *Instruction) BranchData() (c Value, args []Value, target BasicBlock) {
	switch i.opcode {
	case OpcodeJump:
		return ValueInvalid, i.vs, i.blk
	case OpcodeBrz, OpcodeBrnz:
		return i.v, i.vs, i.blk
	default:
		panic("BUG: BranchData on non-branch")
	}
}

// AtomicRmwData returns the operation of an AtomicRmw.
func (i *Instruction) AtomicRmwData() AtomicRmwOp { return AtomicRmwOp(i.u1) }

// GlobalValueData returns the handle of a GlobalValue instruction.
func (i *Instruction) GlobalValueData() GlobalValue { return GlobalValue(i.u1) }

// addArgument appends an argument to a branch, used when a new block
// parameter is introduced during SSA construction.
func (i *Instruction) addArgument(v Value) {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		i.vs = append(i.vs, v)
	default:
		panic("BUG: addArgument on non-branch")
	}
}

// returnTypes computes the result types of this instruction; t1 is invalid
// for instructions that produce no values.
func (i *Instruction) returnTypes(b *builder) (t1 Type, ts []Type) {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeBrTable, OpcodeReturn,
		OpcodeTrap, OpcodeTrapz, OpcodeTrapnz, OpcodeDebugtrap, OpcodeNop,
		OpcodeStore, OpcodeIstore8, OpcodeIstore16, OpcodeIstore32,
		OpcodeAtomicStore, OpcodeFence, OpcodeStackStore:
		return TypeInvalid, nil
	case OpcodeCall, OpcodeCallIndirect:
		sig := b.signatures[SignatureID(i.u2)]
		if sig == nil {
			panic("BUG: signature not declared: " + SignatureID(i.u2).String())
		}
		switch len(sig.Results) {
		case 0:
			return TypeInvalid, nil
		case 1:
			return sig.Results[0], nil
		default:
			return sig.Results[0], sig.Results[1:]
		}
	case OpcodeIaddCout, OpcodeIsubBout:
		return i.typ, []Type{TypeI8}
	case OpcodeIsplit:
		return i.typ, []Type{i.typ}
	default:
		return i.typ, nil
	}
}

// Format returns a debug string for this instruction.
func (i *Instruction) Format(b Builder) string {
	bd := b.(*builder)
	var sb strings.Builder
	if i.rValue.Valid() {
		sb.WriteString(i.rValue.formatWithType(bd))
		for _, r := range i.rValues {
			sb.WriteString(", ")
			sb.WriteString(r.formatWithType(bd))
		}
		sb.WriteString(" = ")
	}
	sb.WriteString(i.opcode.String())

	var operands []string
	switch i.opcode {
	case OpcodeIconst, OpcodeF32const, OpcodeF64const:
		operands = append(operands, fmt.Sprintf("%#x", i.u1))
	case OpcodeVconst:
		operands = append(operands, fmt.Sprintf("%#x, %#x", i.u1, i.u2))
	case OpcodeIcmp:
		operands = append(operands, IntegerCmpCond(i.u1).String(), i.v.format(bd), i.v2.format(bd))
	case OpcodeFcmp:
		operands = append(operands, FloatCmpCond(i.u1).String(), i.v.format(bd), i.v2.format(bd))
	case OpcodeTrap:
		operands = append(operands, engineapi.TrapCode(i.u1).String())
	case OpcodeTrapz, OpcodeTrapnz:
		operands = append(operands, i.v.format(bd), engineapi.TrapCode(i.u1).String())
	case OpcodeCall:
		operands = append(operands, FuncRef(i.u1).String())
		for _, v := range i.vs {
			operands = append(operands, v.format(bd))
		}
	case OpcodeCallIndirect:
		operands = append(operands, SignatureID(i.u2).String(), i.v.format(bd))
		for _, v := range i.vs {
			operands = append(operands, v.format(bd))
		}
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		if i.v.Valid() {
			operands = append(operands, i.v.format(bd))
		}
		operands = append(operands, i.blk.Name())
		if len(i.vs) > 0 {
			args := make([]string, len(i.vs))
			for n, v := range i.vs {
				args[n] = v.format(bd)
			}
			operands = append(operands, "("+strings.Join(args, ", ")+")")
		}
	case OpcodeBrTable:
		operands = append(operands, i.v.format(bd), JumpTable(i.u1).String())
	case OpcodeLoad, OpcodeUload8, OpcodeSload8, OpcodeUload16, OpcodeSload16,
		OpcodeUload32, OpcodeSload32:
		operands = append(operands, i.v.format(bd), fmt.Sprintf("%d", uint32(i.u1)))
	case OpcodeStore, OpcodeIstore8, OpcodeIstore16, OpcodeIstore32:
		operands = append(operands, i.v.format(bd), i.v2.format(bd), fmt.Sprintf("%d", uint32(i.u1)))
	case OpcodeStackLoad, OpcodeStackAddr:
		operands = append(operands, StackSlot(i.u1).String(), fmt.Sprintf("%d", uint32(i.u2)))
	case OpcodeStackStore:
		operands = append(operands, i.v.format(bd), StackSlot(i.u1).String(), fmt.Sprintf("%d", uint32(i.u2)))
	case OpcodeExtractlane, OpcodeInsertlane:
		operands = append(operands, i.v.format(bd))
		if i.v2.Valid() {
			operands = append(operands, i.v2.format(bd))
		}
		operands = append(operands, fmt.Sprintf("%d", byte(i.u1)))
	default:
		for _, v := range []Value{i.v, i.v2, i.v3} {
			if v.Valid() {
				operands = append(operands, v.format(bd))
			}
		}
		for _, v := range i.vs {
			operands = append(operands, v.format(bd))
		}
	}
	if len(operands) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(operands, ", "))
	}
	return sb.String()
}
