// Package policyvm runs lease migration policies compiled to WebAssembly.
//
// A policy module exports
//
//	should_migrate(holder_latency_us i64, target_latency_us i64, target_share_pct i32) i32
//
// returning non-zero to migrate. Modules may import env.gas(cost i32) to
// meter themselves; a call that exceeds its fuel is aborted.
package policyvm

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
)

// ExportName is the function every policy module exports.
const ExportName = "should_migrate"

var (
	// ErrModuleNotFound is returned for an unknown module id.
	ErrModuleNotFound = errors.New("policy module not found")

	// ErrFuelExhausted is returned when a call meters past its fuel.
	ErrFuelExhausted = errors.New("policy fuel exhausted")

	// ErrBadExport is returned when a module lacks a well-typed export.
	ErrBadExport = errors.New("policy export missing or mistyped")
)

// ModuleID is the blake3 hash of a module's bytes.
type ModuleID [32]byte

// Pool compiles policy modules once and instantiates them per call.
type Pool struct {
	runtime wazero.Runtime

	mu      sync.RWMutex
	modules map[ModuleID]wazero.CompiledModule
}

// meterKey carries the per-call meter through the context.
type meterKey struct{}

type meter struct {
	limit     uint64
	used      uint64
	exhausted bool
}

// NewPool creates a runtime with the env host module. Calls are aborted
// when their context ends.
func NewPool(ctx context.Context) (*Pool, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(ctx, cost)
		}).
		Export("gas").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(err, "instantiate host module")
	}

	return &Pool{runtime: rt, modules: make(map[ModuleID]wazero.CompiledModule)}, nil
}

// hostGas charges cost against the call's meter and aborts past the limit.
func hostGas(ctx context.Context, cost uint32) {
	m, ok := ctx.Value(meterKey{}).(*meter)
	if !ok || m.limit == 0 {
		return
	}

	m.used += uint64(cost)
	if m.used > m.limit {
		m.exhausted = true
		panic(ErrFuelExhausted)
	}
}

// Load compiles wasm and checks its export. Loading the same bytes twice
// returns the same id.
func (p *Pool) Load(ctx context.Context, wasm []byte) (ModuleID, error) {
	id := ModuleID(blake3.Sum256(wasm))

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.modules[id]; ok {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return ModuleID{}, errors.Wrap(err, "compile policy module")
	}

	if err := checkExport(compiled); err != nil {
		_ = compiled.Close(ctx)
		return ModuleID{}, err
	}

	p.modules[id] = compiled

	return id, nil
}

func checkExport(compiled wazero.CompiledModule) error {
	fn, ok := compiled.ExportedFunctions()[ExportName]
	if !ok {
		return errors.Wrapf(ErrBadExport, "%s not exported", ExportName)
	}

	params, results := fn.ParamTypes(), fn.ResultTypes()
	want := []api.ValueType{api.ValueTypeI64, api.ValueTypeI64, api.ValueTypeI32}

	if len(params) != len(want) || len(results) != 1 || results[0] != api.ValueTypeI32 {
		return errors.Wrapf(ErrBadExport, "%s has signature %v -> %v", ExportName, params, results)
	}

	for i := range want {
		if params[i] != want[i] {
			return errors.Wrapf(ErrBadExport, "%s param %d is %s", ExportName, i, api.ValueTypeName(params[i]))
		}
	}

	return nil
}

// Call runs the module's export with the given arguments and fuel. Zero
// fuel disables metering.
func (p *Pool) Call(ctx context.Context, id ModuleID, holderUS, targetUS int64, sharePct int32, fuel uint64) (bool, uint64, error) {
	p.mu.RLock()
	compiled, ok := p.modules[id]
	p.mu.RUnlock()

	if !ok {
		return false, 0, ErrModuleNotFound
	}

	m := &meter{limit: fuel}
	ctx = context.WithValue(ctx, meterKey{}, m)

	inst, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return false, m.used, errors.Wrap(err, "instantiate policy module")
	}
	defer inst.Close(ctx)

	out, err := inst.ExportedFunction(ExportName).Call(ctx,
		api.EncodeI64(holderUS), api.EncodeI64(targetUS), api.EncodeI32(sharePct))
	if err != nil {
		if m.exhausted {
			return false, m.used, ErrFuelExhausted
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, m.used, errors.Wrap(ctxErr, "policy call")
		}

		return false, m.used, errors.Wrap(err, "policy call")
	}

	return api.DecodeI32(out[0]) != 0, m.used, nil
}

// Unload removes a module.
func (p *Pool) Unload(ctx context.Context, id ModuleID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if compiled, ok := p.modules[id]; ok {
		_ = compiled.Close(ctx)
		delete(p.modules, id)
	}
}

// Close releases the runtime and every module.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.modules = make(map[ModuleID]wazero.CompiledModule)
	p.mu.Unlock()

	return p.runtime.Close(ctx)
}
