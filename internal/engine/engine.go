// Package engine drives whole-module compilation: it fans the functions of
// a module out over worker goroutines (function compilation is the unit of
// parallelism), concatenates the resulting code buffers into the final
// image, and rebases the per-function side tables.
package engine

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/go-interpreter/wagon/disasm"
	"github.com/go-interpreter/wagon/wasm"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/isa/amd64"
	"github.com/bytecodealliance/wasmtime-sub017/internal/backend/isa/arm64"
	"github.com/bytecodealliance/wasmtime-sub017/internal/egraph"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engineapi"
	"github.com/bytecodealliance/wasmtime-sub017/internal/frontend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/legalize"
	"github.com/bytecodealliance/wasmtime-sub017/internal/ssa"
)

// Config is the compilation session configuration; the CLI flags of the
// driver map onto it one to one.
type Config struct {
	// Target selects the ISA: "aarch64" or "x86_64".
	Target string
	// Bounds is the heap bounds-check policy.
	Bounds frontend.BoundsCheckPolicy
	// EpochInterruption inserts deadline checks in entries and loop
	// headers.
	EpochInterruption bool
	// Probe is the stack probing policy.
	Probe backend.StackProbeStrategy
	// SaturationBudget caps the middle end's equality saturation.
	SaturationBudget egraph.Budget
	// Logger receives leveled progress logging; nil disables it.
	Logger log.Logger
}

// ErrUnsupported is wrapped into errors for valid features the selected
// target cannot encode.
type ErrUnsupported struct {
	Feature, Target string
}

// Error implements error.
func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("unsupported: %s on %s", e.Feature, e.Target)
}

// CompileError identifies the function and stage an error came from;
// collaborator errors are wrapped unchanged.
type CompileError struct {
	FuncIndex uint32
	Stage     string
	Err       error
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("function[%d] %s: %v", e.FuncIndex, e.Stage, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *CompileError) Unwrap() error { return e.Err }

// FunctionInfo is one entry of the function index table: wasm function
// index to the start offset in .text.
type FunctionInfo struct {
	Index  uint32
	Offset uint32
	Size   uint32
}

// CompiledModule is the object image of §6.
type CompiledModule struct {
	// Text is the concatenated function bodies, each 16-byte aligned.
	Text []byte
	// Functions is the function index table in index order.
	Functions []FunctionInfo
	// Relocations, Traps, SourceLocs and Unwind are rebased to Text
	// offsets.
	Relocations []backend.RelocEntry
	Traps       []backend.TrapEntry
	SourceLocs  []backend.SourceLocEntry
	Unwind      []backend.UnwindDirective
	// Offsets is the vmctx layout the code was compiled against.
	Offsets engineapi.OffsetData
}

// nameInterner is the shared append-with-dedup pool for external names; it
// is the only cross-function mutable state of a session.
type nameInterner struct {
	mu sync.Mutex
	m  map[string]string
}

func (n *nameInterner) intern(s string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.m[s]; ok {
		return v
	}
	n.m[s] = s
	return s
}

func newMachine(cfg *Config) (backend.Machine, error) {
	var m backend.Machine
	switch cfg.Target {
	case "aarch64", "arm64":
		m = arm64.NewBackend()
	case "x86_64", "amd64":
		m = amd64.NewBackend()
	default:
		return nil, &ErrUnsupported{Feature: "target", Target: cfg.Target}
	}
	if p, ok := m.(interface{ SetStackProbe(backend.StackProbeStrategy) }); ok {
		p.SetStackProbe(cfg.Probe)
	}
	return m, nil
}

func targetTraits(cfg *Config) legalize.TargetTraits {
	switch cfg.Target {
	case "aarch64", "arm64":
		return legalize.TargetTraits{HasSatFcvt: true}
	default:
		return legalize.TargetTraits{}
	}
}

// CompileModule compiles every local function of the module. The module
// context (signatures, layouts) is shared read-only; each worker owns its
// builder, e-graph and machine.
func CompileModule(m *wasm.Module, cfg Config) (*CompiledModule, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.SaturationBudget == (egraph.Budget{}) {
		cfg.SaturationBudget = egraph.DefaultBudget()
	}

	nFuncs := len(m.FunctionIndexSpace)
	offsets := offsetDataOf(m)
	out := &CompiledModule{Offsets: offsets}
	if nFuncs == 0 {
		return out, nil
	}

	interner := &nameInterner{m: map[string]string{}}
	results := make([]*backend.CompiledFunction, nFuncs)
	errs := make([]error, nFuncs)

	workers := runtime.GOMAXPROCS(0)
	if workers > nFuncs {
		workers = nFuncs
	}
	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mach, err := newMachine(&cfg)
			if err != nil {
				for i := range indexes {
					errs[i] = err
				}
				return
			}
			if od, ok := mach.(interface{ SetOffsetData(engineapi.OffsetData) }); ok {
				od.SetOffsetData(offsets)
			}
			builder := ssa.NewBuilder()
			buf := backendBufferFor(cfg.Target)
			comp := backend.NewCompiler(mach, builder, buf)
			fe := frontend.NewFrontendCompiler(offsets, m, builder, frontend.Config{
				Bounds:            cfg.Bounds,
				EpochInterruption: cfg.EpochInterruption,
			})
			for i := range indexes {
				results[i], errs[i] = compileOne(uint32(i), m, fe, builder, comp, &cfg)
			}
		}()
	}
	for i := 0; i < nFuncs; i++ {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, &CompileError{FuncIndex: uint32(i), Stage: "compile", Err: err}
		}
	}

	// Concatenate the per-function buffers; each one is already 16-byte
	// aligned.
	for i, cf := range results {
		base := uint32(len(out.Text))
		out.Text = append(out.Text, cf.Code...)
		out.Functions = append(out.Functions, FunctionInfo{
			Index: uint32(i), Offset: base, Size: uint32(len(cf.Code)),
		})
		for _, r := range cf.Relocations {
			r.Offset += base
			r.Name = interner.intern(r.Name)
			out.Relocations = append(out.Relocations, r)
		}
		for _, t := range cf.Traps {
			t.Offset += base
			out.Traps = append(out.Traps, t)
		}
		for _, s := range cf.SourceLocs {
			s.Start += base
			s.End += base
			out.SourceLocs = append(out.SourceLocs, s)
		}
		for _, u := range cf.Unwind {
			u.Offset += base
			out.Unwind = append(out.Unwind, u)
		}
		level.Debug(logger).Log("msg", "compiled", "func", i, "size", len(cf.Code))
	}

	sort.Slice(out.Traps, func(i, j int) bool { return out.Traps[i].Offset < out.Traps[j].Offset })

	level.Info(logger).Log("msg", "module compiled",
		"functions", nFuncs, "text_bytes", len(out.Text), "traps", len(out.Traps))
	return out, nil
}

// compileOne runs the full per-function pipeline on one worker.
func compileOne(idx uint32, m *wasm.Module, fe *frontend.Compiler, builder ssa.Builder,
	comp backend.Compiler, cfg *Config) (cf *backend.CompiledFunction, err error) {
	defer func() {
		builder.Reset()
		comp.Reset()
	}()

	fn := &m.FunctionIndexSpace[idx]
	code, err := disasm.NewDisassembly(*fn, m)
	if err != nil {
		// Invalid input: the decoder's error is surfaced unchanged.
		return nil, err
	}

	fe.Init(idx, code.Code)
	if err := fe.LowerToSSA(); err != nil {
		return nil, fmt.Errorf("wasm->ssa: %w", err)
	}

	builder.RunPasses()
	if err := builder.Verify(); err != nil {
		return nil, fmt.Errorf("ssa verify: %w", err)
	}

	g := egraph.Build(builder)
	g.Saturate(egraph.DefaultRules(), cfg.SaturationBudget)
	g.Extract()
	if err := builder.Verify(); err != nil {
		return nil, fmt.Errorf("ssa verify after middle end: %w", err)
	}

	legalize.Run(builder, targetTraits(cfg))
	legalize.ExtendCallArgs(builder)
	builder.RunPostOptimizationPasses()

	cf, err = comp.Compile()
	if err != nil {
		return nil, err
	}
	// The result aliases the worker's reusable code buffer; detach it
	// before the next function overwrites the storage.
	return &backend.CompiledFunction{
		Code:        append([]byte(nil), cf.Code...),
		Relocations: append([]backend.RelocEntry(nil), cf.Relocations...),
		Traps:       append([]backend.TrapEntry(nil), cf.Traps...),
		SourceLocs:  append([]backend.SourceLocEntry(nil), cf.SourceLocs...),
		Unwind:      append([]backend.UnwindDirective(nil), cf.Unwind...),
	}, nil
}

func backendBufferFor(target string) *backend.CodeBuffer {
	switch target {
	case "aarch64", "arm64":
		return arm64.NewCodeBuffer()
	default:
		return amd64.NewCodeBuffer()
	}
}

// offsetDataOf derives the vmctx layout from the module shape.
func offsetDataOf(m *wasm.Module) engineapi.OffsetData {
	var nMem, nTables, nGlobals, nImports uint32 = 1, 1, 0, 0
	if m.Memory != nil && len(m.Memory.Entries) > 0 {
		nMem = uint32(len(m.Memory.Entries))
	}
	if m.Table != nil && len(m.Table.Entries) > 0 {
		nTables = uint32(len(m.Table.Entries))
	}
	nGlobals = uint32(len(m.GlobalIndexSpace))
	if m.Import != nil {
		for _, e := range m.Import.Entries {
			if _, ok := e.Type.(wasm.FuncImport); ok {
				nImports++
			}
		}
	}
	return engineapi.NewOffsetData(nMem, nTables, nGlobals, nImports)
}
