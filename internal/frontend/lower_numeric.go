package frontend

import (
	"fmt"

	"github.com/go-interpreter/wagon/wasm/operators"

	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// lowerNumericOpcode handles the numeric and memory operator groups; the
// structured-control operators live in lowerOpcode.
func (c *Compiler) lowerNumericOpcode(op byte, imms []interface{}) error {
	st := &c.state

	switch op {
	// ---- integer comparisons ----
	case operators.I32Eqz, operators.I64Eqz:
		x := st.pop()
		zero := c.iconst(x.Type(), 0)
		i := c.builder.AllocateInstruction()
		i.AsIcmp(x, zero, ssa.IntegerCmpCondEqual)
		st.push(c.insert(i))
	case operators.I32Eq, operators.I64Eq:
		c.icmpOp(ssa.IntegerCmpCondEqual)
	case operators.I32Ne, operators.I64Ne:
		c.icmpOp(ssa.IntegerCmpCondNotEqual)
	case operators.I32LtS, operators.I64LtS:
		c.icmpOp(ssa.IntegerCmpCondSignedLessThan)
	case operators.I32LtU, operators.I64LtU:
		c.icmpOp(ssa.IntegerCmpCondUnsignedLessThan)
	case operators.I32GtS, operators.I64GtS:
		c.icmpOp(ssa.IntegerCmpCondSignedGreaterThan)
	case operators.I32GtU, operators.I64GtU:
		c.icmpOp(ssa.IntegerCmpCondUnsignedGreaterThan)
	case operators.I32LeS, operators.I64LeS:
		c.icmpOp(ssa.IntegerCmpCondSignedLessThanOrEqual)
	case operators.I32LeU, operators.I64LeU:
		c.icmpOp(ssa.IntegerCmpCondUnsignedLessThanOrEqual)
	case operators.I32GeS, operators.I64GeS:
		c.icmpOp(ssa.IntegerCmpCondSignedGreaterThanOrEqual)
	case operators.I32GeU, operators.I64GeU:
		c.icmpOp(ssa.IntegerCmpCondUnsignedGreaterThanOrEqual)

	// ---- float comparisons ----
	case operators.F32Eq, operators.F64Eq:
		c.fcmpOp(ssa.FloatCmpCondEqual)
	case operators.F32Ne, operators.F64Ne:
		c.fcmpOp(ssa.FloatCmpCondNotEqual)
	case operators.F32Lt, operators.F64Lt:
		c.fcmpOp(ssa.FloatCmpCondLessThan)
	case operators.F32Gt, operators.F64Gt:
		c.fcmpOp(ssa.FloatCmpCondGreaterThan)
	case operators.F32Le, operators.F64Le:
		c.fcmpOp(ssa.FloatCmpCondLessThanOrEqual)
	case operators.F32Ge, operators.F64Ge:
		c.fcmpOp(ssa.FloatCmpCondGreaterThanOrEqual)

	// ---- integer arithmetic ----
	case operators.I32Add, operators.I64Add:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsIadd(x, y) })
	case operators.I32Sub, operators.I64Sub:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsIsub(x, y) })
	case operators.I32Mul, operators.I64Mul:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsImul(x, y) })
	case operators.I32DivS, operators.I64DivS:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsSdiv(x, y) })
	case operators.I32DivU, operators.I64DivU:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsUdiv(x, y) })
	case operators.I32RemS, operators.I64RemS:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsSrem(x, y) })
	case operators.I32RemU, operators.I64RemU:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsUrem(x, y) })
	case operators.I32And, operators.I64And:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsBand(x, y) })
	case operators.I32Or, operators.I64Or:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsBor(x, y) })
	case operators.I32Xor, operators.I64Xor:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsBxor(x, y) })
	case operators.I32Shl, operators.I64Shl:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsIshl(x, y) })
	case operators.I32ShrS, operators.I64ShrS:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsSshr(x, y) })
	case operators.I32ShrU, operators.I64ShrU:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsUshr(x, y) })
	case operators.I32Rotl, operators.I64Rotl:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsRotl(x, y) })
	case operators.I32Rotr, operators.I64Rotr:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsRotr(x, y) })
	case operators.I32Clz, operators.I64Clz:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsClz(x) })
	case operators.I32Ctz, operators.I64Ctz:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsCtz(x) })
	case operators.I32Popcnt, operators.I64Popcnt:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsPopcnt(x) })

	// ---- float arithmetic ----
	case operators.F32Add, operators.F64Add:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFadd(x, y) })
	case operators.F32Sub, operators.F64Sub:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFsub(x, y) })
	case operators.F32Mul, operators.F64Mul:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFmul(x, y) })
	case operators.F32Div, operators.F64Div:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFdiv(x, y) })
	case operators.F32Min, operators.F64Min:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFmin(x, y) })
	case operators.F32Max, operators.F64Max:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFmax(x, y) })
	case operators.F32Copysign, operators.F64Copysign:
		c.binOp(func(i *ssa.Instruction, x, y ssa.Value) { i.AsFcopysign(x, y) })
	case operators.F32Abs, operators.F64Abs:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFabs(x) })
	case operators.F32Neg, operators.F64Neg:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFneg(x) })
	case operators.F32Sqrt, operators.F64Sqrt:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsSqrt(x) })
	case operators.F32Ceil, operators.F64Ceil:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsCeil(x) })
	case operators.F32Floor, operators.F64Floor:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFloor(x) })
	case operators.F32Trunc, operators.F64Trunc:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsTrunc(x) })
	case operators.F32Nearest, operators.F64Nearest:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsNearest(x) })

	// ---- conversions ----
	case operators.I32WrapI64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsIreduce(x, ssa.TypeI32) })
	case operators.I64ExtendSI32:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsSextend(x, ssa.TypeI64) })
	case operators.I64ExtendUI32:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsUextend(x, ssa.TypeI64) })
	case operators.I32TruncSF32, operators.I32TruncSF64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtToSint(x, ssa.TypeI32) })
	case operators.I32TruncUF32, operators.I32TruncUF64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtToUint(x, ssa.TypeI32) })
	case operators.I64TruncSF32, operators.I64TruncSF64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtToSint(x, ssa.TypeI64) })
	case operators.I64TruncUF32, operators.I64TruncUF64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtToUint(x, ssa.TypeI64) })
	case operators.F32ConvertSI32, operators.F32ConvertSI64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtFromSint(x, ssa.TypeF32) })
	case operators.F32ConvertUI32, operators.F32ConvertUI64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtFromUint(x, ssa.TypeF32) })
	case operators.F64ConvertSI32, operators.F64ConvertSI64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtFromSint(x, ssa.TypeF64) })
	case operators.F64ConvertUI32, operators.F64ConvertUI64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFcvtFromUint(x, ssa.TypeF64) })
	case operators.F32DemoteF64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFdemote(x) })
	case operators.F64PromoteF32:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsFpromote(x) })
	case operators.I32ReinterpretF32:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsBitcast(x, ssa.TypeI32) })
	case operators.I64ReinterpretF64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsBitcast(x, ssa.TypeI64) })
	case operators.F32ReinterpretI32:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsBitcast(x, ssa.TypeF32) })
	case operators.F64ReinterpretI64:
		c.unOp(func(i *ssa.Instruction, x ssa.Value) { i.AsBitcast(x, ssa.TypeF64) })

	// ---- memory ----
	case operators.I32Load:
		c.lowerLoadOp(imms, 4, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsLoad(ptr, off, fl, ssa.TypeI32)
		})
	case operators.I64Load:
		c.lowerLoadOp(imms, 8, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsLoad(ptr, off, fl, ssa.TypeI64)
		})
	case operators.F32Load:
		c.lowerLoadOp(imms, 4, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsLoad(ptr, off, fl, ssa.TypeF32)
		})
	case operators.F64Load:
		c.lowerLoadOp(imms, 8, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsLoad(ptr, off, fl, ssa.TypeF64)
		})
	case operators.I32Load8s:
		c.lowerLoadOp(imms, 1, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsSload8(ptr, off, fl, ssa.TypeI32)
		})
	case operators.I32Load8u:
		c.lowerLoadOp(imms, 1, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsUload8(ptr, off, fl, ssa.TypeI32)
		})
	case operators.I32Load16s:
		c.lowerLoadOp(imms, 2, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsSload16(ptr, off, fl, ssa.TypeI32)
		})
	case operators.I32Load16u:
		c.lowerLoadOp(imms, 2, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsUload16(ptr, off, fl, ssa.TypeI32)
		})
	case operators.I64Load8s:
		c.lowerLoadOp(imms, 1, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsSload8(ptr, off, fl, ssa.TypeI64)
		})
	case operators.I64Load8u:
		c.lowerLoadOp(imms, 1, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsUload8(ptr, off, fl, ssa.TypeI64)
		})
	case operators.I64Load16s:
		c.lowerLoadOp(imms, 2, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsSload16(ptr, off, fl, ssa.TypeI64)
		})
	case operators.I64Load16u:
		c.lowerLoadOp(imms, 2, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsUload16(ptr, off, fl, ssa.TypeI64)
		})
	case operators.I64Load32s:
		c.lowerLoadOp(imms, 4, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsSload32(ptr, off, fl, ssa.TypeI64)
		})
	case operators.I64Load32u:
		c.lowerLoadOp(imms, 4, func(i *ssa.Instruction, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsUload32(ptr, off, fl, ssa.TypeI64)
		})
	case operators.I32Store:
		c.lowerStoreOp(imms, 4, func(i *ssa.Instruction, x, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsStore(x, ptr, off, fl)
		})
	case operators.I64Store, operators.F32Store, operators.F64Store:
		size := uint32(8)
		if op == operators.F32Store {
			size = 4
		}
		c.lowerStoreOp(imms, size, func(i *ssa.Instruction, x, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsStore(x, ptr, off, fl)
		})
	case operators.I32Store8, operators.I64Store8:
		c.lowerStoreOp(imms, 1, func(i *ssa.Instruction, x, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsIstore8(x, ptr, off, fl)
		})
	case operators.I32Store16, operators.I64Store16:
		c.lowerStoreOp(imms, 2, func(i *ssa.Instruction, x, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsIstore16(x, ptr, off, fl)
		})
	case operators.I64Store32:
		c.lowerStoreOp(imms, 4, func(i *ssa.Instruction, x, ptr ssa.Value, off uint32, fl ssa.MemFlags) {
			i.AsIstore32(x, ptr, off, fl)
		})

	default:
		return fmt.Errorf("unsupported opcode %#x", op)
	}
	return nil
}
