package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/animus/pkg/engine"
)

// A Starlark plugin declares one kind with top level globals:
//
//	kind = "Bucket"
//	version = "v1"
//	supported_versions = ["v0"]
//	api_version = "^1.0"
//	spec_schema = "{ region: string }"
//
//	def apply(ctx): ...
//	def delete(ctx): ...
//	def differs(ctx): return True
//
// or several with a kinds list of manifest_kind(...) values. differs,
// supported_versions, api_version and spec_schema are optional.

const manifestKindConstructor = starlark.String("manifest_kind")

// loadStarlarkFile executes a .star file and returns a factory per kind.
func loadStarlarkFile(ctx context.Context, path string, host *hostServices) ([]engine.Factory, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	thread := host.starlarkThread(path)
	predeclared := starlark.StringDict{
		"struct":        starlark.NewBuiltin("struct", starlarkstruct.Make),
		"manifest_kind": starlark.NewBuiltin("manifest_kind", builtinManifestKind),
		"json":          json.Module,
		"math":          math.Module,
		"time":          starlarktime.Module,
	}

	var globals starlark.StringDict
	_, err = host.runStarlark(ctx, thread, func() (starlark.Value, error) {
		var execErr error
		globals, execErr = starlark.ExecFile(thread, filepath.Base(path), script, predeclared)
		return starlark.None, execErr
	})
	if err != nil {
		return nil, fmt.Errorf("starlark execution of %s failed: %w", path, err)
	}

	var attrs []attrSource
	if kinds, ok := globals["kinds"]; ok {
		list, ok := kinds.(starlark.Indexable)
		if !ok {
			return nil, fmt.Errorf("%s: kinds must be a list, got %s", path, kinds.Type())
		}
		for i := 0; i < list.Len(); i++ {
			s, ok := list.Index(i).(*starlarkstruct.Struct)
			if !ok || s.Constructor() != manifestKindConstructor {
				return nil, fmt.Errorf("%s: kinds[%d] must be created with manifest_kind()", path, i)
			}
			attrs = append(attrs, structAttrs(s))
		}
	} else if _, ok := globals["kind"]; ok {
		attrs = append(attrs, dictAttrs(globals))
	} else {
		host.logger.Debug().Str("source", path).Msg("No manifest kinds defined")
		return nil, nil
	}

	factories := make([]engine.Factory, 0, len(attrs))
	for _, a := range attrs {
		def, rt, err := starlarkDefinition(a, path, host)
		if err != nil {
			return nil, err
		}
		if err := host.registerSpecSchema(def); err != nil {
			return nil, err
		}
		factories = append(factories, newFactory(def, rt, host))
	}
	return factories, nil
}

// attrSource reads named values from module globals or a manifest_kind struct.
type attrSource func(name string) (starlark.Value, bool)

func dictAttrs(d starlark.StringDict) attrSource {
	return func(name string) (starlark.Value, bool) {
		v, ok := d[name]
		return v, ok && v != starlark.None
	}
}

func structAttrs(s *starlarkstruct.Struct) attrSource {
	return func(name string) (starlark.Value, bool) {
		v, err := s.Attr(name)
		return v, err == nil && v != nil && v != starlark.None
	}
}

func starlarkDefinition(get attrSource, path string, host *hostServices) (*Definition, *starlarkRuntime, error) {
	def := &Definition{Source: path}

	for name, dst := range map[string]*string{
		"kind":        &def.Kind,
		"version":     &def.Version,
		"api_version": &def.APIVersion,
		"spec_schema": &def.SpecSchema,
	} {
		v, ok := get(name)
		if !ok {
			continue
		}
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, nil, fmt.Errorf("%s: %s must be a string, got %s", path, name, v.Type())
		}
		*dst = s
	}
	if v, ok := get("supported_versions"); ok {
		versions, err := stringList(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: supported_versions: %w", path, err)
		}
		def.SupportedVersions = versions
	}
	if err := def.Validate(); err != nil {
		return nil, nil, err
	}

	rt := &starlarkRuntime{source: path, hooks: make(map[Hook]starlark.Callable), host: host}
	for _, h := range []Hook{HookApply, HookDelete, HookDiffers} {
		v, ok := get(string(h))
		if !ok {
			if h == HookDiffers {
				continue
			}
			return nil, nil, fmt.Errorf("%s: kind %s does not define %s", path, def.Kind, h)
		}
		fn, ok := v.(starlark.Callable)
		if !ok {
			return nil, nil, fmt.Errorf("%s: %s must be a function, got %s", path, h, v.Type())
		}
		rt.hooks[h] = fn
	}
	return def, rt, nil
}

// builtinManifestKind implements manifest_kind(kind, version, apply, delete,
// differs=None, supported_versions=[], api_version="", spec_schema="").
func builtinManifestKind(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind, version, apiVersion, specSchema starlark.String
	var apply, del starlark.Callable
	var differs starlark.Value = starlark.None
	var supported starlark.Value = starlark.NewList(nil)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"kind", &kind,
		"version", &version,
		"apply", &apply,
		"delete", &del,
		"differs?", &differs,
		"supported_versions?", &supported,
		"api_version?", &apiVersion,
		"spec_schema?", &specSchema,
	); err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(manifestKindConstructor, starlark.StringDict{
		"kind":               kind,
		"version":            version,
		"apply":              apply,
		"delete":             del,
		"differs":            differs,
		"supported_versions": supported,
		"api_version":        apiVersion,
		"spec_schema":        specSchema,
	}), nil
}

// starlarkRuntime calls the hook functions of one Starlark kind. Module
// globals are frozen after loading, so calls share them safely.
type starlarkRuntime struct {
	source string
	hooks  map[Hook]starlark.Callable
	host   *hostServices
}

func (r *starlarkRuntime) Has(h Hook) bool {
	_, ok := r.hooks[h]
	return ok
}

func (r *starlarkRuntime) Call(ctx context.Context, h Hook, inv *invocation) (bool, error) {
	fn, ok := r.hooks[h]
	if !ok {
		return false, fmt.Errorf("hook %s is not defined", h)
	}

	thread := r.host.starlarkThread(r.source)
	arg, err := r.contextValue(inv)
	if err != nil {
		return false, err
	}

	result, err := r.host.runStarlark(ctx, thread, func() (starlark.Value, error) {
		return starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	})
	if err != nil {
		return false, err
	}
	if h != HookDiffers {
		return false, nil
	}
	b, ok := result.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("differs must return a bool, got %s", result.Type())
	}
	return bool(b), nil
}

// contextValue builds the ctx argument handed to every hook.
func (r *starlarkRuntime) contextValue(inv *invocation) (starlark.Value, error) {
	b := inv.Manifest
	actx := inv.Action

	metadata, err := toStarlark(b.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to convert metadata: %w", err)
	}
	spec, err := toStarlark(b.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to convert spec: %w", err)
	}

	fields := starlark.StringDict{
		"name":             starlark.String(b.Name()),
		"kind":             starlark.String(b.Kind),
		"version":          starlark.String(b.Version),
		"ingested_version": starlark.String(b.IngestedManifestVersion),
		"checksum":         starlark.String(b.Checksum),
		"environment":      starlark.String(actx.TargetEnvironment),
		"metadata":         metadata,
		"spec":             spec,
		"get_variable":     starlark.NewBuiltin("get_variable", r.getVariable(actx)),
		"set_variable":     starlark.NewBuiltin("set_variable", r.setVariable(actx)),
		"has_variable":     starlark.NewBuiltin("has_variable", r.hasVariable(actx)),
		"delete_variable":  starlark.NewBuiltin("delete_variable", r.deleteVariable(actx)),
		"lookup":           starlark.NewBuiltin("lookup", r.lookup(actx)),
		"value":            starlark.NewBuiltin("value", r.value(actx)),
		"log":              starlark.NewBuiltin("log", r.log(b)),
	}
	return starlarkstruct.FromStringDict(starlark.String("context"), fields), nil
}

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// get_variable(name, default=None) returns the cached value, or default
// when the variable is missing or expired.
func (r *starlarkRuntime) getVariable(actx *engine.ActionContext) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
			return nil, err
		}
		if actx.Cache == nil {
			return def, nil
		}
		value, err := actx.Cache.Value(name, engine.NotFoundFallback(nil), engine.ExpiredFallback(nil))
		if err != nil {
			return nil, err
		}
		if value == nil {
			return def, nil
		}
		return toStarlark(value)
	}
}

// set_variable(name, value, ttl=-1, mask_in_logs=False, overwrite=False)
func (r *starlarkRuntime) setVariable(actx *engine.ActionContext) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var value starlark.Value
		var mask, overwrite bool
		ttl := -1
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"name", &name, "value", &value, "ttl?", &ttl, "mask_in_logs?", &mask, "overwrite?", &overwrite); err != nil {
			return nil, err
		}
		if actx.Cache == nil {
			return nil, fmt.Errorf("%s: no variable cache", b.Name())
		}
		goValue, err := fromStarlark(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		opts := []engine.VariableOption{engine.WithTTL(ttl), engine.WithVariableLogger(r.host.logger)}
		if mask {
			opts = append(opts, engine.WithMaskInLogs())
		}
		actx.Cache.StoreVariable(engine.NewVariable(name, goValue, opts...), overwrite)
		return starlark.None, nil
	}
}

func (r *starlarkRuntime) hasVariable(actx *engine.ActionContext) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		return starlark.Bool(actx.Cache != nil && actx.Cache.Has(name)), nil
	}
}

func (r *starlarkRuntime) deleteVariable(actx *engine.ActionContext) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		if actx.Cache != nil {
			actx.Cache.DeleteVariable(name)
		}
		return starlark.None, nil
	}
}

// lookup(name) returns the dictionary form of another parsed manifest.
func (r *starlarkRuntime) lookup(actx *engine.ActionContext) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		if actx.Lookup == nil {
			return nil, fmt.Errorf("%s: no manifest lookup", b.Name())
		}
		m, err := actx.Lookup(name)
		if err != nil {
			return nil, err
		}
		data, err := m.Base().ToMap()
		if err != nil {
			return nil, err
		}
		return toStarlark(data)
	}
}

// value(name, default=None) resolves a value placeholder for the target
// environment.
func (r *starlarkRuntime) value(actx *engine.ActionContext) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
			return nil, err
		}
		if actx.Values == nil || !actx.Values.Exists(name) {
			return def, nil
		}
		p, err := actx.Values.Placeholder(name, false)
		if err != nil {
			return def, nil
		}
		v, err := p.EnvironmentValue(actx.TargetEnvironment)
		if err != nil {
			return def, nil
		}
		return toStarlark(v)
	}
}

// log(msg, level="info")
func (r *starlarkRuntime) log(mb *engine.ManifestBase) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		level := "info"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "level?", &level); err != nil {
			return nil, err
		}
		logger := mb.Logger()
		switch level {
		case "debug":
			logger.Debug().Str("manifest", mb.Name()).Msg(msg)
		case "warn", "warning":
			logger.Warn().Str("manifest", mb.Name()).Msg(msg)
		case "error":
			logger.Error().Str("manifest", mb.Name()).Msg(msg)
		default:
			logger.Info().Str("manifest", mb.Name()).Msg(msg)
		}
		return starlark.None, nil
	}
}

// starlarkThread creates a thread whose print output goes to the debug log.
func (h *hostServices) starlarkThread(source string) *starlark.Thread {
	return &starlark.Thread{
		Name: "animus:" + filepath.Base(source),
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Debug().Str("source", source).Msg(msg)
		},
	}
}

// runStarlark runs fn on its own goroutine and cancels the thread when ctx
// is done or the host timeout passes.
func (h *hostServices) runStarlark(ctx context.Context, thread *starlark.Thread, fn func() (starlark.Value, error)) (starlark.Value, error) {
	evalCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type result struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan result, 1)
	start := time.Now()

	go func() {
		v, err := fn()
		resultCh <- result{value: v, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-resultCh
		if ctx.Err() != nil {
			return nil, fmt.Errorf("starlark execution cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("starlark execution timeout after %v", h.timeout)
	case r := <-resultCh:
		h.logger.Trace().Str("thread", thread.Name).Dur("elapsed", time.Since(start)).Msg("Starlark call finished")
		return r.value, r.err
	}
}
