package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// myManifest1 stores its outcome in the cache under "MyManifest1:<name>...".
type myManifest1 struct {
	*ManifestBase
}

func newMyManifest1() Manifest {
	return &myManifest1{NewManifestBase("MyManifest1", "v0.1", []string{"v0.1"})}
}

func (m *myManifest1) Base() *ManifestBase { return m.ManifestBase }

func (m *myManifest1) ImplementedManifestDiffers(context.Context, *ActionContext) (bool, error) {
	return true, nil
}

func (m *myManifest1) specValue() interface{} {
	spec, _ := m.Spec.(map[string]interface{})
	return spec["val"]
}

func (m *myManifest1) ApplyManifest(_ context.Context, a *ActionContext) error {
	prefix := fmt.Sprintf("%s:%s", m.Kind, m.Name())
	a.Cache.StoreVariable(NewVariable(prefix, "Some Result Worth Saving"), false)
	a.Cache.StoreVariable(NewVariable(prefix+"-val", m.specValue()), true)
	a.Cache.StoreVariable(NewVariable(prefix+"-applied", true), true)
	a.Cache.StoreVariable(NewVariable(prefix+"-deleted", false), true)
	return nil
}

func (m *myManifest1) DeleteManifest(_ context.Context, a *ActionContext) error {
	prefix := fmt.Sprintf("%s:%s", m.Kind, m.Name())
	a.Cache.StoreVariable(NewVariable(prefix+"-val", nil), true)
	a.Cache.StoreVariable(NewVariable(prefix+"-applied", false), true)
	a.Cache.StoreVariable(NewVariable(prefix+"-deleted", true), true)
	return nil
}

// myManifest2 applies the manifest named in spec.parent before itself.
type myManifest2 struct {
	*ManifestBase
}

func newMyManifest2() Manifest {
	return &myManifest2{NewManifestBase("MyManifest2", "v0.2", []string{"v0.2"})}
}

func (m *myManifest2) Base() *ManifestBase { return m.ManifestBase }

func (m *myManifest2) ImplementedManifestDiffers(context.Context, *ActionContext) (bool, error) {
	return true, nil
}

func (m *myManifest2) ApplyManifest(ctx context.Context, a *ActionContext) error {
	spec, _ := m.Spec.(map[string]interface{})
	parent, err := a.Lookup(fmt.Sprint(spec["parent"]))
	if err != nil {
		return err
	}
	if err := parent.ApplyManifest(ctx, a); err != nil {
		return err
	}
	prefix := fmt.Sprintf("%s:%s", m.Kind, m.Name())
	a.Cache.StoreVariable(NewVariable(prefix, "Another value worth storing"), false)
	a.Cache.StoreVariable(NewVariable(prefix+"-val", spec["val"]), true)
	a.Cache.StoreVariable(NewVariable(prefix+"-applied", true), true)
	a.Cache.StoreVariable(NewVariable(prefix+"-deleted", false), true)
	return nil
}

func (m *myManifest2) DeleteManifest(_ context.Context, a *ActionContext) error {
	prefix := fmt.Sprintf("%s:%s", m.Kind, m.Name())
	a.Cache.DeleteVariable(prefix)
	return nil
}

// recorder appends "<action>:<name>" to a shared journal.
type recorder struct {
	*ManifestBase
	journal *[]string
	differs bool
	failOn  Action
}

func recorderFactory(journal *[]string) Factory {
	return func() Manifest {
		return &recorder{
			ManifestBase: NewManifestBase("Recorder", "v1", nil),
			journal:      journal,
			differs:      true,
		}
	}
}

func (r *recorder) Base() *ManifestBase { return r.ManifestBase }

func (r *recorder) ImplementedManifestDiffers(context.Context, *ActionContext) (bool, error) {
	return r.differs, nil
}

func (r *recorder) ApplyManifest(context.Context, *ActionContext) error {
	if r.failOn == ActionApply {
		return errBoom
	}
	*r.journal = append(*r.journal, "apply:"+r.Name())
	return nil
}

func (r *recorder) DeleteManifest(context.Context, *ActionContext) error {
	if r.failOn == ActionDelete {
		return errBoom
	}
	*r.journal = append(*r.journal, "delete:"+r.Name())
	return nil
}

var errBoom = fmt.Errorf("boom")

func mustYAML(t *testing.T, doc string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(doc), &out))
	return out
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	opts = append([]ManagerOption{WithValuesFiles(), WithMaxCalls(DefaultMaxCallsToManifest)}, opts...)
	m := NewManager(NewVariableCache(), opts...)
	require.NoError(t, m.RegisterManifestClass(newMyManifest1))
	require.NoError(t, m.RegisterManifestClass(newMyManifest2))
	return m
}

func cacheValue(t *testing.T, c *VariableCache, name string) interface{} {
	t.Helper()
	v, err := c.Value(name)
	require.NoError(t, err, "variable %s", name)
	return v
}

// stubManifest does nothing; it only carries a kind and versions.
type stubManifest struct {
	*ManifestBase
}

func stubFactory(kind, version string, supported ...string) Factory {
	return func() Manifest {
		return &stubManifest{NewManifestBase(kind, version, supported)}
	}
}

func (s *stubManifest) Base() *ManifestBase { return s.ManifestBase }

func (s *stubManifest) ImplementedManifestDiffers(context.Context, *ActionContext) (bool, error) {
	return true, nil
}

func (s *stubManifest) ApplyManifest(context.Context, *ActionContext) error { return nil }

func (s *stubManifest) DeleteManifest(context.Context, *ActionContext) error { return nil }

func mustClass(t *testing.T, f Factory) *Class {
	t.Helper()
	c, err := NewClass(f)
	require.NoError(t, err)
	return c
}
