// Command wasmjit is the compiler driver: it maps a WebAssembly module,
// compiles every function for the selected target, and writes or summarizes
// the resulting object image.
package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-interpreter/wagon/wasm"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/bytecodealliance/wasmtime-sub017/internal/backend"
	"github.com/bytecodealliance/wasmtime-sub017/internal/engine"
)

var (
	target        string
	optFlags      []string
	wFlags        []string
	outPath       string
	verbose       bool
	probeEnabled  bool
	probeStrategy string
	probeSizeLog2 uint32
)

func main() {
	root := &cobra.Command{
		Use:   "wasmjit <module.wasm>",
		Short: "Compile a WebAssembly module to native code",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().StringVar(&target, "target", "aarch64", "target triple (aarch64, x86_64)")
	root.Flags().StringArrayVarP(&optFlags, "opt", "O", nil,
		"optimization settings, e.g. -O static-memory-maximum-size=65536")
	root.Flags().StringArrayVarP(&wFlags, "wasm", "W", nil,
		"wasm settings, e.g. -W epoch-interruption=y")
	root.Flags().StringVarP(&outPath, "output", "o", "", "write the .text bytes to this file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.Flags().BoolVar(&probeEnabled, "enable-probestack", true, "probe large stack frames")
	root.Flags().StringVar(&probeStrategy, "probestack-strategy", "inline", "inline|unroll")
	root.Flags().Uint32Var(&probeSizeLog2, "probestack-size-log2", 12, "probe step, log2 bytes")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

func parseConfig(logger log.Logger) (engine.Config, error) {
	cfg := engine.Config{
		Target: target,
		Logger: logger,
		Probe: backend.StackProbeStrategy{
			Enabled:          probeEnabled,
			UnrollLimitPages: 3,
			PageSizeLog2:     probeSizeLog2,
		},
	}
	if probeStrategy != "inline" && probeStrategy != "unroll" {
		return cfg, fmt.Errorf("invalid --probestack-strategy %q", probeStrategy)
	}

	for _, f := range optFlags {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return cfg, fmt.Errorf("invalid -O flag %q", f)
		}
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid -O value %q: %w", f, err)
		}
		switch k {
		case "static-memory-maximum-size":
			cfg.Bounds.StaticMemoryMaximumSize = n
		case "dynamic-memory-guard-size":
			cfg.Bounds.DynamicMemoryGuardSize = n
		default:
			return cfg, fmt.Errorf("unknown -O setting %q", k)
		}
	}
	for _, f := range wFlags {
		k, v, _ := strings.Cut(f, "=")
		switch k {
		case "epoch-interruption":
			cfg.EpochInterruption = v == "y" || v == "yes" || v == "true"
		default:
			return cfg, fmt.Errorf("unknown -W setting %q", k)
		}
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := parseConfig(logger)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	// The input module is mapped read-only rather than read into the heap.
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", args[0], err)
	}
	defer mapped.Unmap()

	m, err := wasm.ReadModule(bytes.NewReader(mapped), nil)
	if err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}

	out, err := engine.CompileModule(m, cfg)
	if err != nil {
		return err
	}

	for _, fn := range out.Functions {
		level.Debug(logger).Log("func", fn.Index, "offset", fmt.Sprintf("%#x", fn.Offset), "size", fn.Size)
	}
	level.Info(logger).Log(
		"msg", "ok",
		"target", cfg.Target,
		"functions", len(out.Functions),
		"text_bytes", len(out.Text),
		"relocations", len(out.Relocations),
		"trap_sites", len(out.Traps),
	)

	if outPath != "" {
		if err := os.WriteFile(outPath, out.Text, 0o644); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "wrote text section", "path", outPath)
	}
	return nil
}
