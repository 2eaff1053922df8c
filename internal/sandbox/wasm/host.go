// Package wasm implements the WASM runtime holder (spec C9): one engine,
// one store-with-limiter, one instance, and cached export handles, scoped
// to a single component. Adapted from the teacher's internal/sandbox/wasm
// Host, which owned many modules behind one shared runtime; C9 instead owns
// exactly one module per instance, matching spec §4.9's "runtime holder"
// framing and the actor (C10) lifecycle that drives it one stage at a time.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/wasmguard/internal/capability"
	"github.com/basket/wasmguard/internal/reslimit"
)

// Stage identifies which lifecycle phase a fatal error occurred in, per
// spec §4.9 ("an error classified by stage (engine init / compile /
// instantiate / start)").
type Stage string

const (
	StageEngineInit  Stage = "engine_init"
	StageCompile     Stage = "compile"
	StageInstantiate Stage = "instantiate"
	StageStart       Stage = "start"
)

// LifecycleError wraps a fatal failure at one of the four startup stages.
// The actor (C10) maps this directly onto `Failed(reason)`.
type LifecycleError struct {
	Stage Stage
	Cause error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("wasm runtime: %s failed: %v", e.Stage, e.Cause)
}
func (e *LifecycleError) Unwrap() error { return e.Cause }

// ComponentTrappedError reports a guest trap during execution (spec's
// `ComponentTrapped{reason, fuel_consumed?}`).
type ComponentTrappedError struct {
	Reason       string
	FuelConsumed *uint64
}

func (e *ComponentTrappedError) Error() string {
	return fmt.Sprintf("component trapped: %s", e.Reason)
}

// ExecutionTimeoutError reports a wall-clock or context-driven timeout
// during dispatch (spec's `ExecutionTimeout{max_ms, fuel_consumed?}`). The
// same type is used whether the timeout came from `handle-message`,
// `_cleanup`, or `_health` — upstream recovery logic is uniform across all
// three per spec §9.
type ExecutionTimeoutError struct {
	MaxMs        int64
	FuelConsumed *uint64
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution timeout: exceeded %dms", e.MaxMs)
}

var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6d}

func validateMagicNumber(b []byte) error {
	if len(b) < 4 || !bytes.Equal(b[:4], wasmMagic[:]) {
		return errors.New("not a valid wasm binary: missing \\0asm magic number")
	}
	return nil
}

// exportHandles caches the four conventional optional exports, resolved
// once at instantiation time and never re-resolved on the message hot path
// (spec §4.9).
type exportHandles struct {
	start         api.Function
	cleanup       api.Function
	health        api.Function
	handleMessage api.Function
}

// Runtime is the C9 holder: it owns the engine, the compiled module, the
// instance, and the cached export handles for exactly one component.
// Destruction (Close) releases all WASM memory and caches.
type Runtime struct {
	mu sync.Mutex

	componentId capability.ComponentId
	limits      capability.ResourceLimits
	limiter     *reslimit.ResourceLimiter
	logger      *slog.Logger

	engine   wazero.Runtime
	compiled wazero.CompiledModule
	module   api.Module
	exports  exportHandles

	hostModule wazero.HostModuleBuilder

	startedAt time.Time
	closed    bool
}

// New constructs the engine and store-with-limiter for one component, per
// spec §4.9's engine configuration contract: async support and fuel
// metering on (modeled here as Go's native context-cancellable, goroutine-
// driven call semantics — wazero's calls are synchronous-with-context, the
// idiomatic Go equivalent of "yields at host-function boundaries"); bulk-
// memory, reference-types, threads, SIMD, and relaxed-SIMD off, achieved by
// requesting api.CoreFeaturesV1 — wazero's baseline WebAssembly 1.0 MVP
// feature set, which does not include any of those five proposals.
// WithMemoryLimitPages is the hard backstop matching limits.MaxMemoryBytes;
// the ResourceLimiter additionally tracks peak usage and denial counts for
// telemetry, since wazero's stable API does not expose a pre-growth veto
// hook — growth is accounted for after the fact, from observed page counts,
// the same way the teacher's LoadModuleFromBytes queries Memory().Grow(0).
func New(id capability.ComponentId, limits capability.ResourceLimits, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	limiter, err := reslimit.New(limits.MaxMemoryBytes)
	if err != nil {
		return nil, &LifecycleError{Stage: StageEngineInit, Cause: err}
	}

	memPages := uint32((limits.MaxMemoryBytes + reslimit.WasmPageSize - 1) / reslimit.WasmPageSize)

	cfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV1).
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	engine := wazero.NewRuntimeWithConfig(context.Background(), cfg)

	return &Runtime{
		componentId: id,
		limits:      limits,
		limiter:     limiter,
		logger:      logger,
		engine:      engine,
	}, nil
}

// HostModuleBuilder exposes the runtime's host-module builder so host
// functions can be registered at "a later integration point" (spec §4.9),
// separately from engine construction. Package hostapi (C12) uses this.
func (r *Runtime) HostModuleBuilder(moduleName string) wazero.HostModuleBuilder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostModule == nil {
		r.hostModule = r.engine.NewHostModuleBuilder(moduleName)
	}
	return r.hostModule
}

// InstantiateHostModule finalizes and instantiates the host module
// previously built via HostModuleBuilder. Must be called before Load if any
// host functions are registered.
func (r *Runtime) InstantiateHostModule(ctx context.Context) error {
	r.mu.Lock()
	builder := r.hostModule
	r.mu.Unlock()
	if builder == nil {
		return nil
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return &LifecycleError{Stage: StageEngineInit, Cause: err}
	}
	return nil
}

// Load validates the magic number and compiles the component's WASM bytes.
func (r *Runtime) Load(ctx context.Context, wasmBytes []byte) error {
	if err := validateMagicNumber(wasmBytes); err != nil {
		return &LifecycleError{Stage: StageCompile, Cause: err}
	}
	compiled, err := r.engine.CompileModule(ctx, wasmBytes)
	if err != nil {
		return &LifecycleError{Stage: StageCompile, Cause: err}
	}
	r.mu.Lock()
	r.compiled = compiled
	r.mu.Unlock()
	return nil
}

// Instantiate instantiates the compiled module with an empty guest-facing
// linker config and extracts the four conventional export handles. Host
// functions, if any, must already be instantiated via InstantiateHostModule.
func (r *Runtime) Instantiate(ctx context.Context) error {
	r.mu.Lock()
	compiled := r.compiled
	r.mu.Unlock()
	if compiled == nil {
		return &LifecycleError{Stage: StageInstantiate, Cause: errors.New("no compiled module loaded")}
	}

	modCfg := wazero.NewModuleConfig().WithName(string(r.componentId))
	module, err := r.engine.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return &LifecycleError{Stage: StageInstantiate, Cause: err}
	}

	r.mu.Lock()
	r.module = module
	r.exports = exportHandles{
		start:         module.ExportedFunction("_start"),
		cleanup:       module.ExportedFunction("_cleanup"),
		health:        module.ExportedFunction("_health"),
		handleMessage: module.ExportedFunction("handle-message"),
	}
	r.mu.Unlock()
	return nil
}

// CallStart invokes the optional `_start` export once, after instantiation.
// Absence of the export is not an error.
func (r *Runtime) CallStart(ctx context.Context) error {
	r.mu.Lock()
	fn := r.exports.start
	r.mu.Unlock()
	if fn == nil {
		r.startedAt = time.Now()
		return nil
	}
	if _, err := fn.Call(ctx); err != nil {
		return &LifecycleError{Stage: StageStart, Cause: r.classify(ctx, err)}
	}
	r.startedAt = time.Now()
	return nil
}

// HandleMessage dispatches payload to the `handle-message` export under a
// per-invocation timeout, returning the guest's response bytes. If the
// component declares no `handle-message` export, this is a caller error
// (the actor should not have reached dispatch).
func (r *Runtime) HandleMessage(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	fn := r.exports.handleMessage
	module := r.module
	r.mu.Unlock()
	if fn == nil {
		return nil, errors.New("wasm runtime: component exports no handle-message function")
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ptr, length, err := writeGuestBytes(cctx, module, payload)
	if err != nil {
		return nil, fmt.Errorf("wasm runtime: writing message into guest memory: %w", err)
	}

	results, err := fn.Call(cctx, uint64(ptr), uint64(length))
	r.recordMemoryGrowth(module)
	if err != nil {
		return nil, r.classify(cctx, err)
	}
	if len(results) < 2 {
		return nil, nil
	}
	respPtr, respLen := uint32(results[0]), uint32(results[1])
	data, ok := module.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, errors.New("wasm runtime: failed reading handle-message response from guest memory")
	}
	return append([]byte(nil), data...), nil
}

// HealthStatus is C9's view of component health, reported by an optional
// `_health` export call. The actor (C10) is responsible for folding its own
// ActorState into the final health_check() result per spec §4.9; this type
// covers only the WASM-side signal.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthOK
	HealthDegraded
)

// CallHealth invokes the optional `_health` export, bounded by 1 second
// (spec §4.9's hard cap). Absence of the export is not an error — it
// reports HealthUnknown so the actor falls back to its own state mapping.
func (r *Runtime) CallHealth(ctx context.Context) (HealthStatus, []byte, error) {
	r.mu.Lock()
	fn := r.exports.health
	module := r.module
	r.mu.Unlock()
	if fn == nil {
		return HealthUnknown, nil, nil
	}

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	results, err := fn.Call(cctx)
	if err != nil {
		return HealthDegraded, nil, r.classify(cctx, err)
	}
	if len(results) < 2 {
		return HealthOK, nil, nil
	}
	ptr, length := uint32(results[0]), uint32(results[1])
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return HealthDegraded, nil, errors.New("wasm runtime: failed reading _health output from guest memory")
	}
	return HealthOK, append([]byte(nil), data...), nil
}

// Stop calls the optional `_cleanup` export under timeout. A timeout or
// error is logged and treated as non-fatal: resources are released by
// Close regardless.
func (r *Runtime) Stop(ctx context.Context, timeout time.Duration) {
	r.mu.Lock()
	fn := r.exports.cleanup
	r.mu.Unlock()
	if fn == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := fn.Call(cctx); err != nil {
		r.logger.Warn("wasm runtime: _cleanup non-fatal failure", "component", r.componentId, "error", err)
	}
}

// Close drops the runtime: closes the instance (if any) and the engine,
// releasing all WASM memory and caches. Safe to call more than once.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.module != nil {
		_ = r.module.Close(ctx)
		r.module = nil
	}
	uptime := time.Since(r.startedAt)
	r.logger.Info("wasm runtime closed", "component", r.componentId, "uptime", uptime)
	return r.engine.Close(ctx)
}

// Metrics returns the component's current resource-limiter accounting.
func (r *Runtime) Metrics() reslimit.Metrics { return r.limiter.Metrics() }

func (r *Runtime) recordMemoryGrowth(module api.Module) {
	if module == nil {
		return
	}
	mem := module.Memory()
	if mem == nil {
		return
	}
	defer func() { _ = recover() }() // guard against a nil memory interface mid-teardown
	pages, ok := mem.Grow(0)
	if !ok {
		return
	}
	_ = r.limiter.MemoryGrowing(0, pages)
}

// classify maps a wazero call error onto the spec's error taxonomy:
// context deadline/cancellation and wazero's sys.ExitError (raised by
// WithCloseOnContextDone) both surface as ExecutionTimeoutError; a
// memory-shaped message surfaces as the resource limiter's OutOfMemoryError;
// everything else is a ComponentTrappedError.
func (r *Runtime) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if deadline, ok := ctx.Deadline(); ok {
			return &ExecutionTimeoutError{MaxMs: time.Until(deadline).Milliseconds()}
		}
		return &ExecutionTimeoutError{}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &ExecutionTimeoutError{}
	}
	if classified := reslimit.ClassifyFault(err); classified != err {
		return classified
	}
	return &ComponentTrappedError{Reason: err.Error()}
}

// writeGuestBytes writes data into the guest's linear memory via its
// exported `alloc` function, returning the destination pointer and length.
// Mirrors the teacher's hostHTTPGet alloc/write idiom.
func writeGuestBytes(ctx context.Context, module api.Module, data []byte) (uint32, uint32, error) {
	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, 0, errors.New("component exports no alloc function")
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("calling guest alloc: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, errors.New("guest alloc returned no pointer")
	}
	destPtr := uint32(results[0])
	if !module.Memory().Write(destPtr, data) {
		return 0, 0, errors.New("writing to guest memory failed")
	}
	return destPtr, uint32(len(data)), nil
}
