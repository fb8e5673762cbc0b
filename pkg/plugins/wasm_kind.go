package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/animus/pkg/engine"
)

// Exports a WebAssembly kind must provide. Every hook takes a JSON request
// as (ptr, len) and returns (ptr << 32) | len of a JSON response allocated
// with its own malloc; kind_metadata takes no input.
const (
	exportMalloc   = "malloc"
	exportFree     = "free"
	exportMetadata = "kind_metadata"
	exportApply    = "kind_apply"
	exportDelete   = "kind_delete"
	exportDiffers  = "kind_differs"
)

var hookExports = map[Hook]string{
	HookApply:   exportApply,
	HookDelete:  exportDelete,
	HookDiffers: exportDiffers,
}

// wasmRequest is the JSON document passed to a hook.
type wasmRequest struct {
	Hook            Hook                              `json:"hook"`
	Name            string                            `json:"name"`
	Kind            string                            `json:"kind"`
	Version         string                            `json:"version"`
	IngestedVersion string                            `json:"ingested_version"`
	Checksum        string                            `json:"checksum"`
	Environment     string                            `json:"environment"`
	Metadata        map[string]interface{}            `json:"metadata"`
	Spec            interface{}                       `json:"spec"`
	Variables       map[string]interface{}            `json:"variables"`
	Values          map[string]interface{}            `json:"values"`
	Dependencies    map[string]map[string]interface{} `json:"dependencies"`
}

// wasmResponse is the JSON document a hook returns. Variable changes are
// applied to the cache only when Error is empty.
type wasmResponse struct {
	Error           string         `json:"error,omitempty"`
	Differs         *bool          `json:"differs,omitempty"`
	SetVariables    []wasmVariable `json:"set_variables,omitempty"`
	DeleteVariables []string       `json:"delete_variables,omitempty"`
	Logs            []wasmLog      `json:"logs,omitempty"`
}

type wasmVariable struct {
	Name       string      `json:"name"`
	Value      interface{} `json:"value"`
	TTL        *int        `json:"ttl,omitempty"`
	MaskInLogs bool        `json:"mask_in_logs,omitempty"`
	Overwrite  bool        `json:"overwrite,omitempty"`
}

type wasmLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// guest is the call surface of an instantiated module.
type guest interface {
	has(export string) bool
	call(ctx context.Context, export string, input []byte) ([]byte, error)
}

// wasmRuntime runs the hooks of one WebAssembly kind. A module instance is
// not safe for concurrent use, so calls are serialised.
type wasmRuntime struct {
	mu     sync.Mutex
	source string
	guest  guest
	host   *hostServices
}

// loadWasmFile instantiates a .wasm file and reads its kind definition.
func loadWasmFile(ctx context.Context, path string, host *hostServices) (engine.Factory, error) {
	wasmModule, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(host.memoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := host.hostModule(runtime, path).Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(filepath.Base(path)).
		WithStartFunctions("_initialize")
	module, err := runtime.InstantiateWithConfig(ctx, wasmModule, moduleConfig)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module %s: %w", path, err)
	}

	bridge, err := newWasmBridge(module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	host.track(runtime)

	rt := &wasmRuntime{source: path, guest: bridge, host: host}
	def, err := rt.definition(ctx)
	if err != nil {
		return nil, err
	}
	if err := host.registerSpecSchema(def); err != nil {
		return nil, err
	}
	return newFactory(def, rt, host), nil
}

// definition calls kind_metadata and validates the result.
func (r *wasmRuntime) definition(ctx context.Context) (*Definition, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.host.timeout)
	defer cancel()

	r.mu.Lock()
	out, err := r.guest.call(callCtx, exportMetadata, nil)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: %s failed: %w", r.source, exportMetadata, err)
	}

	def := &Definition{}
	if err := json.Unmarshal(out, def); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal kind metadata: %w", r.source, err)
	}
	def.Source = r.source
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (r *wasmRuntime) Has(h Hook) bool {
	export, ok := hookExports[h]
	return ok && r.guest.has(export)
}

func (r *wasmRuntime) Call(ctx context.Context, h Hook, inv *invocation) (bool, error) {
	export, ok := hookExports[h]
	if !ok || !r.guest.has(export) {
		return false, fmt.Errorf("hook %s is not exported", h)
	}

	req := buildWasmRequest(h, inv)
	input, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.host.timeout)
	defer cancel()

	r.mu.Lock()
	out, err := r.guest.call(callCtx, export, input)
	r.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("%s failed: %w", export, err)
	}

	resp, err := decodeWasmResponse(out)
	if err != nil {
		return false, err
	}
	r.emitLogs(inv.Manifest, resp.Logs)
	if resp.Error != "" {
		return false, fmt.Errorf("%s", resp.Error)
	}
	applyVariableChanges(inv.Action, resp, r.host)

	if h != HookDiffers {
		return false, nil
	}
	if resp.Differs == nil {
		return false, fmt.Errorf("%s returned no differs field", export)
	}
	return *resp.Differs, nil
}

func (r *wasmRuntime) emitLogs(b *engine.ManifestBase, logs []wasmLog) {
	logger := b.Logger()
	for _, l := range logs {
		switch l.Level {
		case "debug":
			logger.Debug().Str("manifest", b.Name()).Msg(l.Message)
		case "warn", "warning":
			logger.Warn().Str("manifest", b.Name()).Msg(l.Message)
		case "error":
			logger.Error().Str("manifest", b.Name()).Msg(l.Message)
		default:
			logger.Info().Str("manifest", b.Name()).Msg(l.Message)
		}
	}
}

// buildWasmRequest snapshots everything a guest may read: live variables,
// values for the target environment and the dependencies of the action.
func buildWasmRequest(h Hook, inv *invocation) *wasmRequest {
	b := inv.Manifest
	actx := inv.Action
	req := &wasmRequest{
		Hook:            h,
		Name:            b.Name(),
		Kind:            b.Kind,
		Version:         b.Version,
		IngestedVersion: b.IngestedManifestVersion,
		Checksum:        b.Checksum,
		Environment:     actx.TargetEnvironment,
		Metadata:        b.Metadata,
		Spec:            b.Spec,
		Variables:       map[string]interface{}{},
		Values:          map[string]interface{}{},
		Dependencies:    map[string]map[string]interface{}{},
	}

	if actx.Cache != nil {
		for _, name := range actx.Cache.Names() {
			v, ok := actx.Cache.Get(name)
			if !ok || v.Expired() {
				continue
			}
			value, err := v.Value()
			if err == nil {
				req.Variables[name] = value
			}
		}
	}

	if actx.Values != nil {
		for _, name := range actx.Values.Names() {
			p, err := actx.Values.Placeholder(name, false)
			if err != nil || !p.HasEnvironment(actx.TargetEnvironment) {
				continue
			}
			if value, err := p.EnvironmentValue(actx.TargetEnvironment); err == nil {
				req.Values[name] = value
			}
		}
	}

	action := engine.ActionApply
	if h == HookDelete {
		action = engine.ActionDelete
	}
	if actx.Lookup != nil {
		for _, dep := range b.Dependencies(action) {
			m, err := actx.Lookup(dep)
			if err != nil {
				continue
			}
			if data, err := m.Base().ToMap(); err == nil {
				req.Dependencies[dep] = data
			}
		}
	}
	return req
}

// decodeWasmResponse decodes JSON numbers as int when they are integral.
func decodeWasmResponse(out []byte) (*wasmResponse, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	resp := &wasmResponse{}
	if err := dec.Decode(resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for i := range resp.SetVariables {
		resp.SetVariables[i].Value = fromJSONNumbers(resp.SetVariables[i].Value)
	}
	return resp, nil
}

func fromJSONNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case []interface{}:
		for i := range val {
			val[i] = fromJSONNumbers(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = fromJSONNumbers(val[k])
		}
		return val
	default:
		return v
	}
}

func applyVariableChanges(actx *engine.ActionContext, resp *wasmResponse, host *hostServices) {
	if actx.Cache == nil {
		return
	}
	for _, name := range resp.DeleteVariables {
		actx.Cache.DeleteVariable(name)
	}
	for _, sv := range resp.SetVariables {
		opts := []engine.VariableOption{engine.WithVariableLogger(host.logger)}
		if sv.TTL != nil {
			opts = append(opts, engine.WithTTL(*sv.TTL))
		}
		if sv.MaskInLogs {
			opts = append(opts, engine.WithMaskInLogs())
		}
		actx.Cache.StoreVariable(engine.NewVariable(sv.Name, sv.Value, opts...), sv.Overwrite)
	}
}

// hostModule exports animus_log(level, ptr, len) to guests. Levels are
// 0 debug, 1 info, 2 warn and 3 error.
func (h *hostServices) hostModule(runtime wazero.Runtime, source string) wazero.HostModuleBuilder {
	builder := runtime.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				h.logger.Warn().Str("source", source).Msg("animus_log: message out of range")
				return
			}
			event := h.logger.Info()
			switch level {
			case 0:
				event = h.logger.Debug()
			case 2:
				event = h.logger.Warn()
			case 3:
				event = h.logger.Error()
			}
			event.Str("source", source).Msg(string(msg))
		}).
		Export("animus_log")
	return builder
}

// wasmBridge moves JSON between Go and guest memory.
type wasmBridge struct {
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	exports map[string]api.Function
}

func newWasmBridge(module api.Module) (*wasmBridge, error) {
	b := &wasmBridge{module: module, exports: make(map[string]api.Function)}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	b.malloc = module.ExportedFunction(exportMalloc)
	if b.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}
	b.free = module.ExportedFunction(exportFree)
	if b.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}

	required := []string{exportMetadata, exportApply, exportDelete}
	for _, name := range append(required, exportDiffers) {
		if fn := module.ExportedFunction(name); fn != nil {
			b.exports[name] = fn
		}
	}
	var missing []string
	for _, name := range required {
		if _, ok := b.exports[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("WASM module does not export %v", missing)
	}
	return b, nil
}

func (b *wasmBridge) has(export string) bool {
	_, ok := b.exports[export]
	return ok
}

// call invokes an export with JSON input and returns its JSON output.
func (b *wasmBridge) call(ctx context.Context, export string, input []byte) ([]byte, error) {
	fn, ok := b.exports[export]
	if !ok {
		return nil, fmt.Errorf("export %s not found", export)
	}

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	var results []uint64
	var err error
	if export == exportMetadata {
		results, err = fn.Call(ctx)
	} else {
		results, err = fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	}
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outputPtr, outputLen := unpackPointer(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view of guest memory; copy before freeing it.
	output = append([]byte(nil), output...)
	_ = b.deallocate(ctx, outputPtr)

	return output, nil
}

func unpackPointer(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

func (b *wasmBridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *wasmBridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
