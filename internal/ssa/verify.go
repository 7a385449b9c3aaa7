package ssa

import "fmt"

// VerifyError is returned by Builder.Verify and identifies the offending
// entity of the first violation found.
type VerifyError struct {
	// Block is the name of the block the violation was found in.
	Block string
	// Instr is the formatted offending instruction, if any.
	Instr string
	// Msg describes the violation.
	Msg string
}

// Error implements error.
func (e *VerifyError) Error() string {
	if e.Instr != "" {
		return fmt.Sprintf("invalid SSA: %s: %q: %s", e.Block, e.Instr, e.Msg)
	}
	return fmt.Sprintf("invalid SSA: %s: %s", e.Block, e.Msg)
}

// Verify implements Builder.Verify.
//
// This checks the SSA dominance property, type agreement, the terminator
// discipline and the well-formedness of branch arguments, jump tables and
// call signatures. It never panics on a well-formed function; internal
// inconsistencies of the builder itself still panic.
func (b *builder) Verify() error {
	// The dominance check needs the dominator tree; the pass is pure
	// analysis, so running it here never perturbs the function.
	passCalculateImmediateDominators(b)

	// definedIn maps each ValueID to the block defining it.
	definedIn := make(map[ValueID]*basicBlock)
	for blk := b.BlockIteratorBegin(); blk != nil; blk = b.BlockIteratorNext() {
		bb := blk.(*basicBlock)
		for _, p := range bb.params {
			if prev, ok := definedIn[p.value.ID()]; ok {
				return &VerifyError{Block: bb.Name(),
					Msg: fmt.Sprintf("value v%d defined twice (also in %s)", p.value.ID(), prev.Name())}
			}
			definedIn[p.value.ID()] = bb
		}
		for cur := bb.rootInstr; cur != nil; cur = cur.next {
			r, rs := cur.Returns()
			for i := -1; i < len(rs); i++ {
				v := r
				if i >= 0 {
					v = rs[i]
				}
				if !v.Valid() {
					continue
				}
				if prev, ok := definedIn[v.ID()]; ok {
					return &VerifyError{Block: bb.Name(), Instr: cur.Format(b),
						Msg: fmt.Sprintf("value v%d defined twice (also in %s)", v.ID(), prev.Name())}
				}
				definedIn[v.ID()] = bb
			}
		}
	}

	for blk := b.BlockIteratorBegin(); blk != nil; blk = b.BlockIteratorNext() {
		bb := blk.(*basicBlock)
		if b.dominators[bb.id] == nil {
			// Unreachable; dead-block elimination has not run yet and the
			// dominance property is vacuous here.
			continue
		}

		if err := b.verifyTerminators(bb); err != nil {
			return err
		}

		// seen tracks the values defined so far inside this block for the
		// same-block ordering part of the dominance check.
		seen := make(map[ValueID]struct{})
		for _, p := range bb.params {
			seen[p.value.ID()] = struct{}{}
		}

		for cur := bb.rootInstr; cur != nil; cur = cur.next {
			if err := b.verifyOperands(bb, cur, definedIn, seen); err != nil {
				return err
			}
			if err := b.verifyTypes(bb, cur); err != nil {
				return err
			}
			r, rs := cur.Returns()
			if r.Valid() {
				seen[r.ID()] = struct{}{}
			}
			for _, v := range rs {
				seen[v.ID()] = struct{}{}
			}
		}
	}
	return nil
}

func (b *builder) verifyTerminators(bb *basicBlock) error {
	tail := bb.currentInstr
	if tail == nil {
		return &VerifyError{Block: bb.Name(), Msg: "empty block"}
	}
	if !tail.IsTerminator() {
		return &VerifyError{Block: bb.Name(), Instr: tail.Format(b),
			Msg: "block does not end with a terminator"}
	}
	// Walking backwards: conditional branches may appear as a consecutive
	// run immediately before the terminator; anything before that run must
	// be a plain instruction.
	inCondRun := true
	for cur := tail.prev; cur != nil; cur = cur.prev {
		switch {
		case cur.IsTerminator():
			return &VerifyError{Block: bb.Name(), Instr: cur.Format(b),
				Msg: "terminator in the middle of a block"}
		case cur.IsBranching():
			if !inCondRun {
				return &VerifyError{Block: bb.Name(), Instr: cur.Format(b),
					Msg: "conditional branch not at the end of a block"}
			}
		default:
			inCondRun = false
		}
	}
	return nil
}

func (b *builder) verifyOperands(bb *basicBlock, cur *Instruction, definedIn map[ValueID]*basicBlock, seen map[ValueID]struct{}) error {
	v1, v2, v3, vs := cur.Args()
	check := func(v Value) error {
		v = b.ResolveAlias(v)
		def, ok := definedIn[v.ID()]
		if !ok {
			return &VerifyError{Block: bb.Name(), Instr: cur.Format(b),
				Msg: fmt.Sprintf("operand v%d has no definition", v.ID())}
		}
		if def == bb {
			if _, ok := seen[v.ID()]; !ok {
				return &VerifyError{Block: bb.Name(), Instr: cur.Format(b),
					Msg: fmt.Sprintf("operand v%d used before its definition", v.ID())}
			}
			return nil
		}
		if !b.isDominatedBy(bb, def) {
			return &VerifyError{Block: bb.Name(), Instr: cur.Format(b),
				Msg: fmt.Sprintf("operand v%d is not dominated by its definition in %s", v.ID(), def.Name())}
		}
		return nil
	}
	for _, v := range []Value{v1, v2, v3} {
		if v.Valid() {
			if err := check(v); err != nil {
				return err
			}
		}
	}
	for _, v := range vs {
		if err := check(v); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) verifyTypes(bb *basicBlock, cur *Instruction) error {
	mismatch := func(msg string) error {
		return &VerifyError{Block: bb.Name(), Instr: cur.Format(b), Msg: msg}
	}
	rv := func(v Value) Value { return b.ResolveAlias(v) }

	switch cur.opcode {
	case OpcodeIadd, OpcodeIsub, OpcodeImul, OpcodeUmulhi, OpcodeSmulhi,
		OpcodeUdiv, OpcodeSdiv, OpcodeUrem, OpcodeSrem,
		OpcodeBand, OpcodeBor, OpcodeBxor, OpcodeBandNot,
		OpcodeFadd, OpcodeFsub, OpcodeFmul, OpcodeFdiv,
		OpcodeFcopysign, OpcodeFmin, OpcodeFmax,
		OpcodeIcmp, OpcodeFcmp, OpcodeIaddCout, OpcodeIsubBout:
		x, y := rv(cur.v), rv(cur.v2)
		if x.Type() != y.Type() {
			return mismatch(fmt.Sprintf("operand types disagree: %s vs %s", x.Type(), y.Type()))
		}
		if x.Type().IsVector() && y.Type().LaneType() != x.Type().LaneType() {
			return mismatch("vector lane types disagree")
		}
	case OpcodeSelect, OpcodeBitselect:
		x, y := rv(cur.v2), rv(cur.v3)
		if x.Type() != y.Type() {
			return mismatch(fmt.Sprintf("select arms disagree: %s vs %s", x.Type(), y.Type()))
		}
	case OpcodeUextend, OpcodeSextend:
		if from, to := rv(cur.v).Type(), cur.typ; from.Bits() >= to.Bits() {
			return mismatch(fmt.Sprintf("extend must widen: %s -> %s", from, to))
		}
	case OpcodeIreduce:
		if from, to := rv(cur.v).Type(), cur.typ; from.Bits() <= to.Bits() {
			return mismatch(fmt.Sprintf("ireduce must narrow: %s -> %s", from, to))
		}
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		_, args, target := cur.BranchData()
		tb := target.(*basicBlock)
		if tb.ReturnBlock() {
			results := b.currentSignature.Results
			if len(args) != len(results) {
				return mismatch(fmt.Sprintf("branch to return carries %d values, signature has %d", len(args), len(results)))
			}
			break
		}
		if len(args) != len(tb.params) {
			return mismatch(fmt.Sprintf("branch carries %d arguments, target %s has %d params", len(args), tb.Name(), len(tb.params)))
		}
		for i, a := range args {
			if rv(a).Type() != tb.params[i].typ {
				return mismatch(fmt.Sprintf("branch argument %d has type %s, target param has %s",
					i, rv(a).Type(), tb.params[i].typ))
			}
		}
	case OpcodeBrTable:
		jt := b.jumpTables.Get(cur.JumpTable())
		if jt.Default == nil {
			return mismatch("jump table has no default target")
		}
	case OpcodeReturn:
		results := b.currentSignature.Results
		if len(cur.vs) != len(results) {
			return mismatch(fmt.Sprintf("return carries %d values, signature has %d", len(cur.vs), len(results)))
		}
		for i, a := range cur.vs {
			if rv(a).Type() != results[i] {
				return mismatch(fmt.Sprintf("return value %d has type %s, signature has %s",
					i, rv(a).Type(), results[i]))
			}
		}
	case OpcodeCall, OpcodeCallIndirect:
		sig, ok := b.signatures[SignatureID(cur.u2)]
		if !ok {
			return mismatch("call references an undeclared signature")
		}
		if len(cur.vs) != len(sig.Params) {
			return mismatch(fmt.Sprintf("call passes %d arguments, signature has %d", len(cur.vs), len(sig.Params)))
		}
		for i, a := range cur.vs {
			if rv(a).Type() != sig.Params[i] {
				return mismatch(fmt.Sprintf("call argument %d has type %s, signature has %s",
					i, rv(a).Type(), sig.Params[i]))
			}
		}
	}
	return nil
}
