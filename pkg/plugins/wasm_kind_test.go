package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/animus/pkg/engine"
)

// fakeGuest stands in for an instantiated module.
type fakeGuest struct {
	exports  map[string]func(input []byte) ([]byte, error)
	requests map[string][]byte
}

func newFakeGuest() *fakeGuest {
	return &fakeGuest{
		exports:  map[string]func([]byte) ([]byte, error){},
		requests: map[string][]byte{},
	}
}

func (g *fakeGuest) respond(export, response string) {
	g.exports[export] = func([]byte) ([]byte, error) { return []byte(response), nil }
}

func (g *fakeGuest) has(export string) bool {
	_, ok := g.exports[export]
	return ok
}

func (g *fakeGuest) call(_ context.Context, export string, input []byte) ([]byte, error) {
	fn, ok := g.exports[export]
	if !ok {
		return nil, errors.New("export not found")
	}
	g.requests[export] = input
	return fn(input)
}

func newWasmTestRuntime(g *fakeGuest) *wasmRuntime {
	return &wasmRuntime{source: "bucket.wasm", guest: g, host: NewLoader().host}
}

func TestWasmRuntime_Definition(t *testing.T) {
	g := newFakeGuest()
	g.respond(exportMetadata, `{"kind":"Bucket","version":"v1","supported_versions":["v0"],"api_version":"^1"}`)

	def, err := newWasmTestRuntime(g).definition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bucket", def.Kind)
	assert.Equal(t, []string{"v0"}, def.SupportedVersions)
	assert.Equal(t, "bucket.wasm", def.Source)

	g.respond(exportMetadata, `{"kind":"Bucket"}`)
	_, err = newWasmTestRuntime(g).definition(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Version: required")

	g.respond(exportMetadata, `not json`)
	_, err = newWasmTestRuntime(g).definition(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal kind metadata")
}

func TestWasmRuntime_ApplyRequestAndVariables(t *testing.T) {
	g := newFakeGuest()
	g.respond(exportApply, `{
		"set_variables": [
			{"name": "Bucket:logs:size", "value": 3, "overwrite": true},
			{"name": "Bucket:logs:ratio", "value": 0.5, "overwrite": true},
			{"name": "Bucket:logs:tags", "value": {"count": 2, "names": ["a"]}, "ttl": 60, "mask_in_logs": true}
		],
		"delete_variables": ["stale"],
		"logs": [{"level": "info", "message": "applied"}]
	}`)
	rt := newWasmTestRuntime(g)

	cache := engine.NewVariableCache()
	cache.StoreVariable(engine.NewVariable("stale", "x"), true)
	cache.StoreVariable(engine.NewVariable("kept", "y"), true)
	values := engine.NewValuePlaceHolders(zerolog.Nop())
	values.AddEnvironmentValue("region", "prod", "eu-west-1")
	values.AddEnvironmentValue("zone", "dev", "a")

	parent := parsedBase(t, bucketDoc("parent", nil))
	child := parsedBase(t, map[string]interface{}{
		"kind":     "Bucket",
		"version":  "v1",
		"metadata": map[string]interface{}{"name": "logs", "dependencies": map[string]interface{}{"apply": []interface{}{"parent"}}},
		"spec":     map[string]interface{}{"size": 3},
	})
	actx := &engine.ActionContext{
		Cache:             cache,
		Values:            values,
		TargetEnvironment: "prod",
		Lookup: func(name string) (engine.Manifest, error) {
			if name == "parent" {
				return &pluginManifest{ManifestBase: parent}, nil
			}
			return nil, errors.New("not found")
		},
	}

	_, err := rt.Call(context.Background(), HookApply, &invocation{Manifest: child, Action: actx})
	require.NoError(t, err)

	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(g.requests[exportApply], &req))
	assert.Equal(t, "apply", req["hook"])
	assert.Equal(t, "logs", req["name"])
	assert.Equal(t, "prod", req["environment"])
	assert.Equal(t, child.Checksum, req["checksum"])
	assert.Equal(t, map[string]interface{}{"stale": "x", "kept": "y"}, req["variables"])
	assert.Equal(t, map[string]interface{}{"region": "eu-west-1"}, req["values"])
	deps := req["dependencies"].(map[string]interface{})
	require.Contains(t, deps, "parent")
	assert.Equal(t, "Bucket", deps["parent"].(map[string]interface{})["kind"])

	assert.False(t, cache.Has("stale"))
	size, err := cache.Value("Bucket:logs:size")
	require.NoError(t, err)
	assert.Equal(t, 3, size)
	ratio, _ := cache.Value("Bucket:logs:ratio")
	assert.Equal(t, 0.5, ratio)

	tags, ok := cache.Get("Bucket:logs:tags")
	require.True(t, ok)
	assert.Equal(t, 60, tags.TTL)
	assert.True(t, tags.MaskInLogs)
	v, err := tags.Value()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"count": 2, "names": []interface{}{"a"}}, v)
}

func TestWasmRuntime_ErrorResponseLeavesCache(t *testing.T) {
	g := newFakeGuest()
	g.respond(exportDelete, `{"error": "bucket not empty", "delete_variables": ["kept"]}`)
	rt := newWasmTestRuntime(g)

	cache := engine.NewVariableCache()
	cache.StoreVariable(engine.NewVariable("kept", "y"), true)
	b := parsedBase(t, bucketDoc("logs", nil))

	_, err := rt.Call(context.Background(), HookDelete, &invocation{Manifest: b, Action: &engine.ActionContext{Cache: cache}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket not empty")
	assert.True(t, cache.Has("kept"))
}

func TestWasmRuntime_Differs(t *testing.T) {
	b := parsedBase(t, bucketDoc("logs", nil))
	inv := &invocation{Manifest: b, Action: &engine.ActionContext{}}

	g := newFakeGuest()
	rt := newWasmTestRuntime(g)
	assert.False(t, rt.Has(HookDiffers))
	_, err := rt.Call(context.Background(), HookDiffers, inv)
	require.Error(t, err)

	g.respond(exportDiffers, `{"differs": true}`)
	assert.True(t, rt.Has(HookDiffers))
	differs, err := rt.Call(context.Background(), HookDiffers, inv)
	require.NoError(t, err)
	assert.True(t, differs)

	g.respond(exportDiffers, `{}`)
	_, err = rt.Call(context.Background(), HookDiffers, inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no differs field")
}

func TestWasmKind_ThroughManager(t *testing.T) {
	g := newFakeGuest()
	g.respond(exportApply, `{"set_variables": [{"name": "applied", "value": true, "overwrite": true}]}`)
	g.respond(exportDelete, `{"delete_variables": ["applied"]}`)

	host := NewLoader().host
	rt := &wasmRuntime{source: "bucket.wasm", guest: g, host: host}
	def := &Definition{Kind: "Bucket", Version: "v1", Source: "bucket.wasm"}

	m := engine.NewManager(engine.NewVariableCache(), engine.WithValuesFiles())
	require.NoError(t, m.RegisterManifestClass(newFactory(def, rt, host)))
	_, err := m.ParseManifest(bucketDoc("logs", nil))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.ApplyManifest(ctx, "logs", false, "default"))
	assert.Equal(t, true, cacheValue(t, m, "applied"))
	require.NoError(t, m.DeleteManifest(ctx, "logs", false, "default"))
	assert.False(t, m.Cache().Has("applied"))
}

func TestUnpackPointer(t *testing.T) {
	ptr, length := unpackPointer(uint64(1024)<<32 | 17)
	assert.Equal(t, uint32(1024), ptr)
	assert.Equal(t, uint32(17), length)

	ptr, length = unpackPointer(0)
	assert.Zero(t, ptr)
	assert.Zero(t, length)
}
