// Package ssa is used to construct SSA function. By nature this is free of
// Wasm specific thing and ISA.
//
// We use the "block argument" variant of SSA: the block parameters replace
// the traditional PHI functions, which is equivalent but more convenient
// during optimizations. However, in this package's source code comment, we
// might use PHI whenever it seems necessary in order to be aligned with
// existing literatures.
package ssa

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bytecodealliance/wasmtime-sub017/internal/entity"
)

// Builder is used to builds SSA consisting of Basic Blocks per function.
type Builder interface {
	// Reset must be called to reuse this builder for the next function.
	Reset()

	// SetSignature sets the signature of the function being built.
	SetSignature(sig *Signature)

	// Signature returns the signature of the function being built.
	Signature() *Signature

	// AllocateBasicBlock creates a basic block in SSA function.
	AllocateBasicBlock() BasicBlock

	// CurrentBlock returns the currently handled BasicBlock which is set by
	// the latest call to SetCurrentBlock.
	CurrentBlock() BasicBlock

	// SetCurrentBlock sets the instruction insertion target to the
	// BasicBlock `b`.
	SetCurrentBlock(b BasicBlock)

	// EntryBlock returns the entry block of the function.
	EntryBlock() BasicBlock

	// ReturnBlock returns the virtual block which represents the function
	// return.
	ReturnBlock() BasicBlock

	// DeclareVariable declares a Variable of the given Type.
	DeclareVariable(Type) Variable

	// DefineVariable defines a variable in the `block` with value.
	DefineVariable(variable Variable, value Value, block BasicBlock)

	// DefineVariableInCurrentBB is an alias to
	// DefineVariable(x, y, CurrentBlock()).
	DefineVariableInCurrentBB(variable Variable, value Value)

	// AllocateInstruction returns a new Instruction.
	AllocateInstruction() *Instruction

	// InsertInstruction executes BasicBlock.InsertInstruction for the
	// currently handled basic block.
	InsertInstruction(raw *Instruction)

	// FindValue searches the latest definition of the given Variable and
	// returns the result.
	FindValue(variable Variable) Value

	// Seal declares that we've known all the predecessors to this block and
	// were added via AddPred. After calling this, AddPred will be forbidden.
	Seal(blk BasicBlock)

	// AnnotateValue is for debugging purpose.
	AnnotateValue(value Value, annotation string)

	// DeclareSignature appends the *Signature to be referenced by various
	// instructions (e.g. OpcodeCall).
	DeclareSignature(signature *Signature)

	// ResolveSignature returns the Signature which was declared with the ID.
	ResolveSignature(id SignatureID) *Signature

	// UsedSignatures returns the slice of Signatures which are
	// used/referenced by the currently-compiled function.
	UsedSignatures() []*Signature

	// AllocateStackSlot declares a stack slot and returns its handle.
	AllocateStackSlot(data StackSlotData) StackSlot

	// StackSlotData returns the data of the declared stack slot.
	StackSlotData(StackSlot) *StackSlotData

	// StackSlots calls f for each declared stack slot in declaration order.
	StackSlots(f func(StackSlot, *StackSlotData))

	// DeclareJumpTable declares a jump table and returns its handle.
	DeclareJumpTable(data JumpTableData) JumpTable

	// JumpTableData returns the data of the declared jump table.
	JumpTableData(JumpTable) *JumpTableData

	// DeclareGlobalValue declares a symbolic address and returns its handle.
	DeclareGlobalValue(data GlobalValueData) GlobalValue

	// GlobalValueData returns the data of the declared global value.
	GlobalValueData(GlobalValue) *GlobalValueData

	// DeclareExtFunc declares an external function reference.
	DeclareExtFunc(data ExtFuncData) FuncRef

	// ExtFuncData returns the data of the declared external function.
	ExtFuncData(FuncRef) *ExtFuncData

	// SetCurrentSourceOffset sets the source offset stamped onto
	// instructions inserted from now on.
	SetCurrentSourceOffset(SourceOffset)

	// InstructionOfValue returns the instruction defining the value, or nil
	// if the value is a block parameter. Only valid after RunPasses.
	InstructionOfValue(Value) *Instruction

	// ValueRefCounts returns the reference counts of each Value indexed by
	// ValueID. Only valid after RunPasses.
	ValueRefCounts() []int

	// Idom returns the immediate dominator of the block. Only valid after
	// RunPasses.
	Idom(BasicBlock) BasicBlock

	// ResolveAlias resolves the alias of the given value, returning the
	// value it stands for.
	ResolveAlias(Value) Value

	// BlockIteratorBegin initializes the state to iterate over all the valid
	// BasicBlock(s) in insertion order, and returns the first one.
	BlockIteratorBegin() BasicBlock

	// BlockIteratorNext advances the iterator and returns the next block, or
	// nil.
	BlockIteratorNext() BasicBlock

	// BlockIteratorReversePostOrderBegin is like BlockIteratorBegin but in
	// reverse post-order. Only valid after RunPasses.
	BlockIteratorReversePostOrderBegin() BasicBlock

	// BlockIteratorReversePostOrderNext advances the reverse post-order
	// iterator.
	BlockIteratorReversePostOrderNext() BasicBlock

	// InsertInstructionBefore links the initialized instruction immediately
	// before pos inside blk, allocating its result values. Intended for the
	// middle end; the instruction must not be a branch.
	InsertInstructionBefore(instr, pos *Instruction, blk BasicBlock)

	// RemoveInstruction unlinks the instruction from blk. The values it
	// defined must no longer be referenced, or be rerouted via Alias.
	RemoveInstruction(instr *Instruction, blk BasicBlock)

	// Alias records that every use of `from` reads the value of `to`.
	Alias(from, to Value)

	// Dominates reports whether a dominates b. Only valid after RunPasses.
	Dominates(a, b BasicBlock) bool

	// RunPasses runs the SSA-level optimization and analysis passes.
	RunPasses()

	// RunPostOptimizationPasses re-runs dead-code elimination and refreshes
	// the value reference counts after the middle end rewrote the function.
	RunPostOptimizationPasses()

	// Verify checks the well-formedness of the function, returning a
	// structured error for the first violation found.
	Verify() error

	// Format returns the debugging string of the SSA function.
	Format() string
}

// NewBuilder returns a new Builder implementation.
func NewBuilder() Builder {
	b := &builder{
		instructionsPool:               entity.NewPool[Instruction](),
		basicBlocksPool:                entity.NewPool[basicBlock](),
		valueAnnotations:               make(map[ValueID]string),
		signatures:                     make(map[SignatureID]*Signature),
		blkVisited:                     make(map[*basicBlock]int),
		valueIDAliases:                 make(map[ValueID]Value),
		redundantParameterIndexToValue: make(map[int]Value),
		constCache:                     make(map[constKey]Value),
		returnBlk:                      &basicBlock{id: basicBlockIDReturnBlock},
		currentSourceOffset:            SourceOffsetInvalid,
	}
	return b
}

type constKey struct {
	opcode Opcode
	typ    Type
	lo, hi uint64
}

// builder implements Builder interface.
type builder struct {
	basicBlocksPool  entity.Pool[basicBlock]
	instructionsPool entity.Pool[Instruction]
	signatures       map[SignatureID]*Signature
	currentSignature *Signature

	basicBlocksView []BasicBlock
	currentBB       *basicBlock
	returnBlk       *basicBlock

	// variables track the types for Variable with the index regarded Variable.
	variables []Type
	// nextValueID is used by builder.allocateValue.
	nextValueID ValueID
	// nextVariable is used by builder.allocateVariable.
	nextVariable Variable

	valueAnnotations map[ValueID]string

	// valueIDAliases maps a value to another value, used to reroute
	// references after optimizations.
	valueIDAliases map[ValueID]Value

	// constCache interns constant instructions per (opcode, type, bits).
	constCache map[constKey]Value

	sideTables

	currentSourceOffset SourceOffset

	// The followings are used for optimization passes/analysis.
	blkVisited                     map[*basicBlock]int
	blkStack                       []*basicBlock
	blkStack2                      []*basicBlock
	ints                           []int
	instStack                      []*Instruction
	redundantParameterIndexToValue map[int]Value
	valueRefCounts                 []int
	valueIDToInstruction           []*Instruction
	dominators                     []*basicBlock
	reversePostOrderedBasicBlocks  []*basicBlock
	donePasses                     bool

	blockIterCur int
}

// Reset implements Builder.Reset.
func (b *builder) Reset() {
	b.instructionsPool.Reset()
	for _, sig := range b.signatures {
		sig.used = false
	}
	b.currentSignature = nil

	b.blkStack = b.blkStack[:0]
	b.blkStack2 = b.blkStack2[:0]

	for i := 0; i < b.basicBlocksPool.Allocated(); i++ {
		blk := b.basicBlocksPool.View(i)
		blk.reset()
		delete(b.blkVisited, blk)
	}
	b.basicBlocksPool.Reset()
	b.returnBlk.reset()
	b.returnBlk.id = basicBlockIDReturnBlock

	for i := Variable(0); i < b.nextVariable; i++ {
		b.variables[i] = TypeInvalid
	}
	b.nextVariable = 0

	for v := ValueID(0); v < b.nextValueID; v++ {
		delete(b.valueAnnotations, v)
		delete(b.valueIDAliases, v)
		if int(v) < len(b.valueRefCounts) {
			b.valueRefCounts[v] = 0
		}
		if int(v) < len(b.valueIDToInstruction) {
			b.valueIDToInstruction[v] = nil
		}
	}
	b.nextValueID = 0

	for k := range b.constCache {
		delete(b.constCache, k)
	}

	b.sideTables.reset()
	b.reversePostOrderedBasicBlocks = b.reversePostOrderedBasicBlocks[:0]
	b.donePasses = false
	b.currentSourceOffset = SourceOffsetInvalid
}

// SetSignature implements Builder.SetSignature.
func (b *builder) SetSignature(sig *Signature) {
	b.currentSignature = sig
	b.returnBlk.params = b.returnBlk.params[:0]
	// The return block's parameters carry only the result types; no value
	// ids are allocated for them.
	for _, t := range sig.Results {
		b.returnBlk.addParamOn(t, ValueInvalid.setType(t))
	}
}

// Signature implements Builder.Signature.
func (b *builder) Signature() *Signature {
	return b.currentSignature
}

// AnnotateValue implements Builder.AnnotateValue.
func (b *builder) AnnotateValue(value Value, a string) {
	b.valueAnnotations[value.ID()] = a
}

// AllocateInstruction implements Builder.AllocateInstruction.
func (b *builder) AllocateInstruction() *Instruction {
	instr := b.instructionsPool.Allocate()
	*instr = Instruction{v: ValueInvalid, v2: ValueInvalid, v3: ValueInvalid, rValue: ValueInvalid, sourceOffset: SourceOffsetInvalid}
	return instr
}

// DeclareSignature implements Builder.DeclareSignature.
func (b *builder) DeclareSignature(s *Signature) {
	b.signatures[s.ID] = s
	s.used = false
}

// ResolveSignature implements Builder.ResolveSignature.
func (b *builder) ResolveSignature(id SignatureID) *Signature {
	sig, ok := b.signatures[id]
	if !ok {
		panic("BUG: signature not declared: " + id.String())
	}
	return sig
}

// UsedSignatures implements Builder.UsedSignatures.
func (b *builder) UsedSignatures() (ret []*Signature) {
	for _, sig := range b.signatures {
		if sig.used {
			ret = append(ret, sig)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return
}

// AllocateStackSlot implements Builder.AllocateStackSlot.
func (b *builder) AllocateStackSlot(data StackSlotData) StackSlot {
	if data.Align == 0 {
		data.Align = 8
	}
	return b.stackSlots.Insert(data)
}

// StackSlotData implements Builder.StackSlotData.
func (b *builder) StackSlotData(s StackSlot) *StackSlotData {
	return b.stackSlots.Get(s)
}

// StackSlots implements Builder.StackSlots.
func (b *builder) StackSlots(f func(StackSlot, *StackSlotData)) {
	b.stackSlots.Iter(func(s StackSlot, d *StackSlotData) bool {
		f(s, d)
		return true
	})
}

// DeclareJumpTable implements Builder.DeclareJumpTable.
func (b *builder) DeclareJumpTable(data JumpTableData) JumpTable {
	return b.jumpTables.Insert(data)
}

// JumpTableData implements Builder.JumpTableData.
func (b *builder) JumpTableData(j JumpTable) *JumpTableData {
	return b.jumpTables.Get(j)
}

// DeclareGlobalValue implements Builder.DeclareGlobalValue.
func (b *builder) DeclareGlobalValue(data GlobalValueData) GlobalValue {
	return b.globalValues.Insert(data)
}

// GlobalValueData implements Builder.GlobalValueData.
func (b *builder) GlobalValueData(g GlobalValue) *GlobalValueData {
	return b.globalValues.Get(g)
}

// DeclareExtFunc implements Builder.DeclareExtFunc.
func (b *builder) DeclareExtFunc(data ExtFuncData) FuncRef {
	return b.extFuncs.Insert(data)
}

// ExtFuncData implements Builder.ExtFuncData.
func (b *builder) ExtFuncData(r FuncRef) *ExtFuncData {
	return b.extFuncs.Get(r)
}

// SetCurrentSourceOffset implements Builder.SetCurrentSourceOffset.
func (b *builder) SetCurrentSourceOffset(off SourceOffset) {
	b.currentSourceOffset = off
}

// AllocateBasicBlock implements Builder.AllocateBasicBlock.
func (b *builder) AllocateBasicBlock() BasicBlock {
	id := BasicBlockID(b.basicBlocksPool.Allocated())
	blk := b.basicBlocksPool.Allocate()
	blk.id = id
	blk.lastDefinitions = make(map[Variable]Value)
	blk.unknownValues = make(map[Variable]Value)
	return blk
}

// InsertInstruction implements Builder.InsertInstruction.
func (b *builder) InsertInstruction(instr *Instruction) {
	instr.sourceOffset = b.currentSourceOffset

	if instr.IsConst() {
		// Identical constant bit-patterns in a function share one Value.
		key := constKey{opcode: instr.opcode, typ: instr.typ, lo: instr.u1, hi: instr.u2}
		if cached, ok := b.constCache[key]; ok {
			instr.rValue = cached
			return
		}
		b.currentBB.insertInstruction(b, instr)
		v := b.allocateValue(instr.typ)
		instr.rValue = v
		b.constCache[key] = v
		return
	}

	b.currentBB.insertInstruction(b, instr)

	t1, ts := instr.returnTypes(b)
	if t1.invalid() {
		return
	}

	instr.rValue = b.allocateValue(t1)

	tsl := len(ts)
	if tsl == 0 {
		return
	}
	instr.rValues = make([]Value, tsl)
	for i := 0; i < tsl; i++ {
		instr.rValues[i] = b.allocateValue(ts[i])
	}
}

// InsertInstructionBefore implements Builder.InsertInstructionBefore.
func (b *builder) InsertInstructionBefore(instr, pos *Instruction, blk BasicBlock) {
	if instr.IsBranching() {
		panic("BUG: InsertInstructionBefore cannot insert branches")
	}
	bb := blk.(*basicBlock)
	prev := pos.prev
	instr.prev, instr.next = prev, pos
	pos.prev = instr
	if prev != nil {
		prev.next = instr
	} else {
		bb.rootInstr = instr
	}

	t1, ts := instr.returnTypes(b)
	if t1.invalid() {
		return
	}
	instr.rValue = b.allocateValue(t1)
	if len(ts) > 0 {
		instr.rValues = make([]Value, len(ts))
		for i := range ts {
			instr.rValues[i] = b.allocateValue(ts[i])
		}
	}
}

// RemoveInstruction implements Builder.RemoveInstruction.
func (b *builder) RemoveInstruction(instr *Instruction, blk BasicBlock) {
	bb := blk.(*basicBlock)
	if prev := instr.prev; prev != nil {
		prev.next = instr.next
	} else {
		bb.rootInstr = instr.next
	}
	if next := instr.next; next != nil {
		next.prev = instr.prev
	} else {
		bb.currentInstr = instr.prev
	}
	instr.prev, instr.next = nil, nil
}

// Alias implements Builder.Alias.
func (b *builder) Alias(from, to Value) {
	b.alias(from, to)
}

// Dominates implements Builder.Dominates.
func (b *builder) Dominates(a, blk BasicBlock) bool {
	return b.isDominatedBy(blk.(*basicBlock), a.(*basicBlock))
}

// RunPostOptimizationPasses implements Builder.RunPostOptimizationPasses.
func (b *builder) RunPostOptimizationPasses() {
	for i := range b.valueRefCounts {
		b.valueRefCounts[i] = 0
	}
	// The liveness flags of the surviving instructions must be cleared so
	// that the pass re-derives them from scratch.
	for blk := b.BlockIteratorBegin(); blk != nil; blk = b.BlockIteratorNext() {
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			cur.live = false
		}
	}
	passDeadCodeEliminationOpt(b)
	// The middle end may have emptied blocks into pure fallthroughs; the
	// dominator tree and reverse post-order stay valid because the CFG
	// shape is unchanged.
}

// EntryBlock implements Builder.EntryBlock.
func (b *builder) EntryBlock() BasicBlock {
	return b.entryBlk()
}

// ReturnBlock implements Builder.ReturnBlock.
func (b *builder) ReturnBlock() BasicBlock {
	return b.returnBlk
}

// DefineVariable implements Builder.DefineVariable.
func (b *builder) DefineVariable(variable Variable, value Value, block BasicBlock) {
	if b.variables[variable] == TypeInvalid {
		panic("BUG: trying to define variable " + variable.String() + " but is not declared yet")
	}
	if b.variables[variable] != value.Type() {
		panic(fmt.Sprintf("BUG: inconsistent type for variable %d: expected %s but got %s",
			variable, b.variables[variable], value.Type()))
	}
	bb := block.(*basicBlock)
	bb.lastDefinitions[variable] = value
}

// DefineVariableInCurrentBB implements Builder.DefineVariableInCurrentBB.
func (b *builder) DefineVariableInCurrentBB(variable Variable, value Value) {
	b.DefineVariable(variable, value, b.currentBB)
}

// SetCurrentBlock implements Builder.SetCurrentBlock.
func (b *builder) SetCurrentBlock(bb BasicBlock) {
	b.currentBB = bb.(*basicBlock)
}

// CurrentBlock implements Builder.CurrentBlock.
func (b *builder) CurrentBlock() BasicBlock {
	return b.currentBB
}

// DeclareVariable implements Builder.DeclareVariable.
func (b *builder) DeclareVariable(typ Type) Variable {
	v := b.allocateVariable()
	iv := int(v)
	if l := len(b.variables); l <= iv {
		b.variables = append(b.variables, make([]Type, 2*(l+1))...)
	}
	b.variables[v] = typ
	return v
}

func (b *builder) allocateVariable() (ret Variable) {
	ret = b.nextVariable
	b.nextVariable++
	return
}

func (b *builder) allocateValue(typ Type) (v Value) {
	v = Value(b.nextValueID)
	v = v.setType(typ)
	b.nextValueID++
	return
}

// FindValue implements Builder.FindValue.
func (b *builder) FindValue(variable Variable) Value {
	typ := b.definedVariableType(variable)
	return b.findValue(typ, variable, b.currentBB)
}

// findValue recursively tries to find the latest definition of a `variable`.
// The algorithm is described in the section 2 of the paper
// https://link.springer.com/content/pdf/10.1007/978-3-642-37051-9_6.pdf.
//
// TODO: reimplement this in iterative, not recursive, to avoid stack
// overflow on deeply nested CFGs.
func (b *builder) findValue(typ Type, variable Variable, blk *basicBlock) Value {
	if val, ok := blk.lastDefinitions[variable]; ok {
		// The value is already defined in this block!
		return val
	} else if !blk.sealed { // Incomplete CFG as in the paper.
		// If this is not sealed, that means it might have additional
		// unknown predecessor later on. So we temporarily define the
		// placeholder value here (not add as a parameter yet!), and record
		// it as unknown. The unknown values are resolved at Seal.
		value := b.allocateValue(typ)
		blk.lastDefinitions[variable] = value
		blk.unknownValues[variable] = value
		return value
	}

	if pred := blk.singlePred; pred != nil {
		// If this block is sealed and have only one predecessor, we can use
		// the value in that block without ambiguity on definition.
		return b.findValue(typ, variable, pred)
	}
	if len(blk.preds) == 0 {
		panic("BUG: value is not defined for variable " + variable.String())
	}

	// If this block has multiple predecessors, we have to gather the
	// definitions, and treat them as an argument to this block. The first
	// thing we do now is define a new parameter to this block which may or
	// may not be redundant, but later we eliminate trivial params in an
	// optimization pass.
	paramValue := b.allocateValue(typ)
	blk.addParamOn(typ, paramValue)
	blk.lastDefinitions[variable] = paramValue
	// After the new PHI param is added, we have to manipulate the original
	// branching instructions in predecessors so that they would pass the
	// definition of `variable` as the argument to the newly added PHI.
	for i := range blk.preds {
		pred := &blk.preds[i]
		value := b.findValue(typ, variable, pred.blk)
		pred.branch.addArgument(value)
	}
	return paramValue
}

// Seal implements Builder.Seal.
func (b *builder) Seal(raw BasicBlock) {
	blk := raw.(*basicBlock)
	if len(blk.preds) == 1 {
		blk.singlePred = blk.preds[0].blk
	}
	blk.sealed = true

	for variable, phiValue := range blk.unknownValues {
		typ := b.definedVariableType(variable)
		blk.addParamOn(typ, phiValue)
		for i := range blk.preds {
			pred := &blk.preds[i]
			predValue := b.findValue(typ, variable, pred.blk)
			pred.branch.addArgument(predValue)
		}
	}
	for variable := range blk.unknownValues {
		delete(blk.unknownValues, variable)
	}
}

// definedVariableType returns the type of the given variable, which must be
// already defined.
func (b *builder) definedVariableType(variable Variable) Type {
	typ := b.variables[variable]
	if typ == TypeInvalid {
		panic(fmt.Sprintf("%s is not defined yet", variable))
	}
	return typ
}

// alias records the fact that `from` can be replaced by `to` everywhere.
func (b *builder) alias(from, to Value) {
	b.valueIDAliases[from.ID()] = to
}

// ResolveAlias implements Builder.ResolveAlias.
func (b *builder) ResolveAlias(v Value) Value {
	// Some aliases can be chained, so we need to resolve them recursively.
	for {
		if next, ok := b.valueIDAliases[v.ID()]; ok {
			v = next
		} else {
			break
		}
	}
	return v
}

// resolveArgumentAlias resolves the alias of the arguments of the given
// instruction.
func (b *builder) resolveArgumentAlias(instr *Instruction) {
	if instr.v.Valid() {
		instr.v = b.ResolveAlias(instr.v)
	}
	if instr.v2.Valid() {
		instr.v2 = b.ResolveAlias(instr.v2)
	}
	if instr.v3.Valid() {
		instr.v3 = b.ResolveAlias(instr.v3)
	}
	for i, v := range instr.vs {
		instr.vs[i] = b.ResolveAlias(v)
	}
}

// InstructionOfValue implements Builder.InstructionOfValue.
func (b *builder) InstructionOfValue(v Value) *Instruction {
	id := int(v.ID())
	if id >= len(b.valueIDToInstruction) {
		return nil
	}
	return b.valueIDToInstruction[id]
}

// ValueRefCounts implements Builder.ValueRefCounts.
func (b *builder) ValueRefCounts() []int {
	return b.valueRefCounts
}

// Idom implements Builder.Idom.
func (b *builder) Idom(blk BasicBlock) BasicBlock {
	if !b.donePasses {
		panic("BUG: Idom before RunPasses")
	}
	dom := b.dominators[blk.ID()]
	if dom == nil {
		return nil
	}
	return dom
}

// entryBlk returns the entry block of the function.
func (b *builder) entryBlk() *basicBlock {
	return b.basicBlocksPool.View(0)
}

// BlockIteratorBegin implements Builder.BlockIteratorBegin.
func (b *builder) BlockIteratorBegin() BasicBlock {
	b.blockIterCur = 0
	return b.BlockIteratorNext()
}

// BlockIteratorNext implements Builder.BlockIteratorNext.
func (b *builder) BlockIteratorNext() BasicBlock {
	for {
		if b.blockIterCur >= b.basicBlocksPool.Allocated() {
			return nil
		}
		blk := b.basicBlocksPool.View(b.blockIterCur)
		b.blockIterCur++
		if !blk.invalid {
			return blk
		}
	}
}

// BlockIteratorReversePostOrderBegin implements
// Builder.BlockIteratorReversePostOrderBegin.
func (b *builder) BlockIteratorReversePostOrderBegin() BasicBlock {
	if !b.donePasses {
		panic("BUG: reverse post-order iteration before RunPasses")
	}
	b.blockIterCur = 0
	return b.BlockIteratorReversePostOrderNext()
}

// BlockIteratorReversePostOrderNext implements
// Builder.BlockIteratorReversePostOrderNext.
func (b *builder) BlockIteratorReversePostOrderNext() BasicBlock {
	if b.blockIterCur >= len(b.reversePostOrderedBasicBlocks) {
		return nil
	}
	blk := b.reversePostOrderedBasicBlocks[b.blockIterCur]
	b.blockIterCur++
	return blk
}

// Format implements Builder.Format.
func (b *builder) Format() string {
	str := strings.Builder{}
	usedSigs := b.UsedSignatures()
	if len(usedSigs) > 0 {
		str.WriteByte('\n')
		str.WriteString("signatures:\n")
		for _, sig := range usedSigs {
			str.WriteByte('\t')
			str.WriteString(sig.String())
			str.WriteByte('\n')
		}
	}

	for blk := b.BlockIteratorBegin(); blk != nil; blk = b.BlockIteratorNext() {
		bb := blk.(*basicBlock)
		str.WriteByte('\n')
		str.WriteString(bb.FormatHeader(b))
		str.WriteByte('\n')

		for cur := bb.Root(); cur != nil; cur = cur.Next() {
			str.WriteByte('\t')
			str.WriteString(cur.Format(b))
			str.WriteByte('\n')
		}
	}
	return str.String()
}
