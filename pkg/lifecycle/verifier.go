package lifecycle

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
)

// WasmVerifier is the optional ModuleVerifier: it confirms a sealed blob
// compiles and instantiates as a WebAssembly module in a deny-by-default
// runtime (no filesystem, no network, no WASI imports wired beyond what
// the module itself declares) before Seal accepts it. Exported start
// functions such as _start are not called; a start section declared in
// the module binary itself is still run by wazero during instantiation.
type WasmVerifier struct {
	runtime wazero.Runtime
}

// NewWasmVerifier creates a verifier backed by a single shared wazero
// runtime, reused across every VerifyModule call.
func NewWasmVerifier(ctx context.Context) *WasmVerifier {
	return &WasmVerifier{runtime: wazero.NewRuntime(ctx)}
}

// VerifyModule compiles wasmBytes and instantiates it with no imports
// satisfied beyond the runtime's built-ins, immediately closing the
// instance. A module that fails to compile or that declares imports this
// deny-by-default environment does not provide is rejected.
func (v *WasmVerifier) VerifyModule(ctx context.Context, wasmBytes []byte) error {
	compiled, err := v.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("lifecycle: sealed blob does not compile as wasm: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	cfg := wazero.NewModuleConfig().WithStartFunctions()
	mod, err := v.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return fmt.Errorf("lifecycle: sealed blob failed to instantiate: %w", err)
	}
	return mod.Close(ctx)
}

// Close releases the underlying wazero runtime.
func (v *WasmVerifier) Close(ctx context.Context) error {
	return v.runtime.Close(ctx)
}
