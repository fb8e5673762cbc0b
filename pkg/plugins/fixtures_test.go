package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/animus/pkg/engine"
)

const bucketPlugin = `
kind = "Bucket"
version = "v1"
supported_versions = ["v0"]
api_version = "^1.0"

def apply(ctx):
    region = ctx.value("region", default = "us-east-1")
    ctx.set_variable("Bucket:%s:region" % ctx.name, region, overwrite = True)
    ctx.set_variable("Bucket:%s:size" % ctx.name, ctx.spec["size"], overwrite = True)
    if "parent" in ctx.spec:
        parent = ctx.lookup(ctx.spec["parent"])
        ctx.set_variable("Bucket:%s:parent-kind" % ctx.name, parent["kind"], overwrite = True)
    ctx.log("applied " + ctx.name)

def delete(ctx):
    ctx.delete_variable("Bucket:%s:region" % ctx.name)
    ctx.set_variable("Bucket:%s:deleted" % ctx.name, True, overwrite = True)
`

func writePlugin(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newPluginManager(t *testing.T, loader *Loader, dir string, opts ...engine.ManagerOption) *engine.Manager {
	t.Helper()
	opts = append([]engine.ManagerOption{engine.WithClassLoader(loader), engine.WithValuesFiles()}, opts...)
	m := engine.NewManager(engine.NewVariableCache(), opts...)
	require.NoError(t, m.LoadManifestClassDefinitions(context.Background(), dir))
	return m
}

func bucketDoc(name string, spec map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"kind":     "Bucket",
		"version":  "v1",
		"metadata": map[string]interface{}{"name": name},
		"spec":     spec,
	}
}

func cacheValue(t *testing.T, m *engine.Manager, name string) interface{} {
	t.Helper()
	v, err := m.Cache().Value(name)
	require.NoError(t, err, "variable %s", name)
	return v
}

// parsedBase returns an initialised ManifestBase for direct runtime calls.
func parsedBase(t *testing.T, data map[string]interface{}) *engine.ManifestBase {
	t.Helper()
	b := engine.NewManifestBase("Bucket", "v1", nil)
	require.NoError(t, b.ParseManifest(data, nil))
	return b
}
