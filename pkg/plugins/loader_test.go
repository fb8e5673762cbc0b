package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPluginFile(t *testing.T) {
	tests := map[string]bool{
		"bucket.star":  true,
		"bucket.STAR":  true,
		"bucket.wasm":  true,
		"bucket.py":    false,
		"notes.txt":    false,
		"_helper.star": false,
		".hidden.star": false,
		"star":         false,
	}
	for name, want := range tests {
		assert.Equal(t, want, IsPluginFile(name), name)
	}
}

func TestLoader_LoadClasses(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "b.star", "kind = \"B\"\nversion = \"v1\"\ndef apply(ctx):\n    pass\ndef delete(ctx):\n    pass\n")
	writePlugin(t, dir, "a.star", "kind = \"A\"\nversion = \"v1\"\ndef apply(ctx):\n    pass\ndef delete(ctx):\n    pass\n")
	writePlugin(t, dir, "_broken.star", "this is not starlark")
	writePlugin(t, dir, ".hidden.star", "this is not starlark")
	writePlugin(t, dir, "README.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.star"), 0o755))

	factories, err := NewLoader().LoadClasses(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, factories, 2)
	assert.Equal(t, "A", factories[0]().Base().Kind)
	assert.Equal(t, "B", factories[1]().Base().Kind)
}

func TestLoader_LoadClassesErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewLoader().LoadClasses(ctx, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read directory")

	dir := t.TempDir()
	writePlugin(t, dir, "a.star", "kind = \"A\"\nversion = \"v1\"\ndef apply(ctx):\n    pass\ndef delete(ctx):\n    pass\n")
	writePlugin(t, dir, "b.star", "kind = \"B\"\n")
	_, err = NewLoader().LoadClasses(ctx, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.star")
}

func TestLoader_LoadFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := NewLoader().LoadFile(ctx, writePlugin(t, dir, "kind.py", "pass"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported plugin file")

	loader := NewLoader()
	t.Cleanup(func() { _ = loader.Close(ctx) })
	_, err = loader.LoadFile(ctx, writePlugin(t, dir, "kind.wasm", "not a module"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to instantiate WASM module")
}

func TestLoader_Options(t *testing.T) {
	l := NewLoader(WithTimeout(0), WithMemoryLimitPages(0))
	assert.Equal(t, DefaultTimeout, l.host.timeout)
	assert.Equal(t, uint32(DefaultMemoryLimitPages), l.host.memoryLimitPages)

	l.SetRunID("run-1")
	assert.Equal(t, "run-1", l.host.RunID())
	assert.NoError(t, l.Close(context.Background()))
}
