// Package wasm runs an untrusted WebAssembly module under hard resource
// bounds using wazero, capturing its standard output as the sole result.
// Every invocation gets a fresh runtime, store, and instance; nothing is
// shared across calls.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Kind classifies why an execution did not produce a result.
type Kind int

const (
	// KindNone indicates success.
	KindNone Kind = iota
	KindInvalidGuest
	KindMemoryExceeded
	KindFuelExceeded
	KindTimeout
	KindGuestTrap
)

// Error reports why a guest failed to run to completion.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func invalidGuest(msg string) *Error   { return &Error{Kind: KindInvalidGuest, msg: msg} }
func memoryExceeded(msg string) *Error { return &Error{Kind: KindMemoryExceeded, msg: msg} }
func fuelExceeded(msg string) *Error   { return &Error{Kind: KindFuelExceeded, msg: msg} }
func timeoutErr(msg string) *Error     { return &Error{Kind: KindTimeout, msg: msg} }
func guestTrap(msg string) *Error      { return &Error{Kind: KindGuestTrap, msg: msg} }

// Limits bound a single execution. wazero has no wasmtime-style fuel
// counter, so FuelOrCPUBound is enforced as a call-step budget: every
// guest or host function entry spends one unit, and the budget is
// enforced by cancelling the run's context the moment it is exhausted,
// the same mechanism wall-clock timeout uses.
type Limits struct {
	MemoryMaxBytes   uint32
	FuelOrCPUBound   uint64
	WallClockTimeout time.Duration
}

// DefaultLimits applied when a caller leaves a field unset.
var DefaultLimits = Limits{
	MemoryMaxBytes:   64 * 1024 * 1024,
	FuelOrCPUBound:   50_000_000,
	WallClockTimeout: 10 * time.Second,
}

func (l Limits) withDefaults() Limits {
	if l.MemoryMaxBytes == 0 {
		l.MemoryMaxBytes = DefaultLimits.MemoryMaxBytes
	}
	if l.FuelOrCPUBound == 0 {
		l.FuelOrCPUBound = DefaultLimits.FuelOrCPUBound
	}
	if l.WallClockTimeout == 0 {
		l.WallClockTimeout = DefaultLimits.WallClockTimeout
	}
	return l
}

// fuelMeter is an experimental.FunctionListenerFactory that charges one
// fuel unit per function entry (guest or host) and cancels the run the
// instant the budget is exhausted, standing in for hardware-cycle fuel
// metering that wazero does not expose.
type fuelMeter struct {
	bound    uint64
	spent    atomic.Uint64
	exceeded atomic.Bool
	cancel   context.CancelFunc
}

func (m *fuelMeter) NewListener(api.FunctionDefinition) experimental.FunctionListener { return m }

func (m *fuelMeter) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) {
	if m.spent.Add(1) > m.bound && !m.exceeded.Swap(true) {
		m.cancel()
	}
}

func (m *fuelMeter) After(context.Context, api.Module, api.FunctionDefinition, error, []uint64) {}

const wasmPageSize = 65536

// Executor runs compiled WASM modules. It holds no module-specific state;
// every call to Run starts from a clean runtime.
type Executor struct{}

// New constructs a WASM executor.
func New() *Executor { return &Executor{} }

// Run validates, compiles, instantiates, and invokes moduleBytes with argv,
// enforcing limits. It returns the captured stdout with at most one
// trailing line terminator stripped.
func (e *Executor) Run(ctx context.Context, moduleBytes []byte, argv []string, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()

	if !isWasmMagic(moduleBytes) {
		return nil, invalidGuest("wasm executor: not a valid WebAssembly binary")
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClockTimeout)
	defer cancel()

	meter := &fuelMeter{bound: limits.FuelOrCPUBound, cancel: cancel}
	runCtx = experimental.WithFunctionListenerFactory(runCtx, meter)

	memPages := (uint32(limits.MemoryMaxBytes) + wasmPageSize - 1) / wasmPageSize

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(memPages)

	runtime := wazero.NewRuntimeWithConfig(runCtx, runtimeConfig)
	defer runtime.Close(runCtx)

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, runtime); err != nil {
		return nil, fmt.Errorf("wasm executor: instantiate wasi: %w", err)
	}

	compiled, err := runtime.CompileModule(runCtx, moduleBytes)
	if err != nil {
		// wazero refuses to compile a memory whose declared minimum exceeds
		// WithMemoryLimitPages; compiling again without that ceiling tells
		// such a module apart from a malformed one.
		probe := wazero.NewRuntime(runCtx)
		defer probe.Close(runCtx)
		if probed, probeErr := probe.CompileModule(runCtx, moduleBytes); probeErr == nil {
			for name, mem := range probed.ExportedMemories() {
				if mem.Min() > memPages {
					return nil, memoryExceeded(fmt.Sprintf("wasm executor: memory %q declares %d pages, exceeding the %d page bound", name, mem.Min(), memPages))
				}
			}
		}
		return nil, invalidGuest(fmt.Sprintf("wasm executor: compile: %v", err))
	}

	if err := validateImportSurface(compiled); err != nil {
		return nil, err
	}

	for name, mem := range compiled.ExportedMemories() {
		if mem.Min() > memPages {
			return nil, memoryExceeded(fmt.Sprintf("wasm executor: memory %q declares %d pages, exceeding the %d page bound", name, mem.Min(), memPages))
		}
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithArgs(append([]string{"guest"}, argv...)...).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStdin(strings.NewReader("")).
		WithStartFunctions("_start")

	_, instErr := runtime.InstantiateModule(runCtx, compiled, moduleConfig)

	if runCtx.Err() != nil {
		if meter.exceeded.Load() {
			return nil, fuelExceeded("wasm executor: fuel/CPU-step bound exceeded")
		}
		return nil, timeoutErr("wasm executor: wall-clock timeout exceeded")
	}

	if instErr != nil {
		var exitErr *sys.ExitError
		if errors.As(instErr, &exitErr) {
			if exitErr.ExitCode() == 0 {
				return trimTrailingNewline(stdout.Bytes()), nil
			}
			return nil, guestTrap(fmt.Sprintf("wasm executor: guest exited with code %d", exitErr.ExitCode()))
		}
		if strings.Contains(instErr.Error(), "out of memory") || strings.Contains(instErr.Error(), "memory.grow") {
			return nil, memoryExceeded("wasm executor: guest exceeded memory bound")
		}
		return nil, guestTrap(fmt.Sprintf("wasm executor: trap: %v", instErr))
	}

	return trimTrailingNewline(stdout.Bytes()), nil
}

// validateImportSurface rejects any module importing anything outside the
// WASI preview1 namespace; the guest gets no other ambient capability.
func validateImportSurface(compiled wazero.CompiledModule) error {
	for _, fn := range compiled.ImportedFunctions() {
		moduleName, _, ok := fn.Import()
		if !ok {
			continue
		}
		if moduleName != wasi_snapshot_preview1.ModuleName {
			return invalidGuest(fmt.Sprintf("wasm executor: disallowed import module %q", moduleName))
		}
	}
	return nil
}

func isWasmMagic(b []byte) bool {
	return len(b) >= 8 &&
		b[0] == 0x00 && b[1] == 0x61 && b[2] == 0x73 && b[3] == 0x6d
}

func trimTrailingNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}
