package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/animus/pkg/engine"
	"github.com/openfroyo/animus/pkg/policy"
	"github.com/openfroyo/animus/pkg/stores"
)

const notePlugin = `
kind = "Note"
version = "v1"
supported_versions = ["v0"]

def apply(ctx):
    text = ctx.spec.get("text", "")
    if text == "explode":
        fail("note refused to apply")
    ctx.set_variable("Note:%s:text" % ctx.name, text, overwrite = True)
    ctx.set_variable("Note:%s:region" % ctx.name, ctx.value("region", default = "none"), overwrite = True)

def delete(ctx):
    ctx.delete_variable("Note:%s:text" % ctx.name)
`

const noteManifests = `kind: Note
version: v1
metadata:
  name: base
spec:
  text: first
---
kind: Note
version: v1
metadata:
  name: logs
  dependencies:
    apply:
      - base
    delete:
      - base
spec:
  text: second
---
kind: Note
version: v1
metadata:
  name: prod-only
  environments:
    - prod
spec:
  text: third
`

const noteValues = `values:
  - name: region
    environments:
      - environmentName: default
        value: us-east-1
      - environmentName: prod
        value: eu-west-1
`

// workspace is a directory with a plugin, manifests, values and a config
// file pointing at them.
type workspace struct {
	dir       string
	config    string
	manifests string
}

func newWorkspace(t *testing.T, manifests string) *workspace {
	t.Helper()
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "plugins")
	require.NoError(t, os.Mkdir(pluginDir, 0o755))

	write := func(path, content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write(filepath.Join(pluginDir, "note.star"), notePlugin)
	ws := &workspace{
		dir:       dir,
		config:    filepath.Join(dir, "animus.yaml"),
		manifests: filepath.Join(dir, "manifests.yaml"),
	}
	write(ws.manifests, manifests)
	write(filepath.Join(dir, "values.yaml"), noteValues)
	write(ws.config, strings.Join([]string{
		"environments: [default, prod]",
		"plugin_dirs: [" + pluginDir + "]",
		"manifest_files: [" + ws.manifests + "]",
		"values_files: [" + filepath.Join(dir, "values.yaml") + "]",
		"ledger_path: " + filepath.Join(dir, "ledger.db"),
		"logging:",
		"  level: error",
		"",
	}, "\n"))
	return ws
}

// run executes the CLI with the workspace config and returns stdout.
func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, context.Background(), append([]string{"--config", ws.config}, args...)...)
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("1.2.3", "abc123", "2026-01-01")
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func stepNames(steps []stepResult) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name+":"+s.Outcome)
	}
	return names
}

func TestApply_AllManifests(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "apply", "--json")
	require.NoError(t, err)

	summary := decode[runSummary](t, out)
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, engine.ActionApply, summary.Action)
	assert.Equal(t, engine.DefaultEnvironment, summary.Environment)
	assert.Equal(t, []string{"base", "logs", "prod-only"}, summary.Manifests)
	assert.NotEmpty(t, summary.RunID)

	// base runs once on its own and once more as a dependency of logs.
	require.Len(t, summary.Steps, 4)
	assert.Equal(t, []string{
		"base:succeeded",
		"base:succeeded",
		"logs:succeeded",
		"prod-only:skipped",
	}, stepNames(summary.Steps))
	assert.Equal(t, engine.SkipReasonEnvironment, summary.Steps[3].Reason)
}

func TestApply_NamedManifestInProd(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "apply", "--json", "--env", "prod", "prod-only")
	require.NoError(t, err)

	summary := decode[runSummary](t, out)
	assert.Equal(t, "prod", summary.Environment)
	assert.Equal(t, []string{"prod-only:succeeded"}, stepNames(summary.Steps))
}

func TestApply_SkipDependencies(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "apply", "--json", "--skip-dependencies", "logs")
	require.NoError(t, err)

	summary := decode[runSummary](t, out)
	assert.Equal(t, []string{"logs:succeeded"}, stepNames(summary.Steps))
}

func TestApply_TextSummary(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "apply", "logs")
	require.NoError(t, err)
	assert.Contains(t, out, "MANIFEST")
	assert.Contains(t, out, "logs")
	assert.Contains(t, out, "completed")
}

func TestApply_FailureStopsRun(t *testing.T) {
	ws := newWorkspace(t, noteManifests+`---
kind: Note
version: v1
metadata:
  name: broken
  dependencies:
    apply:
      - base
spec:
  text: explode
`)

	out, err := ws.run(t, "apply", "--json", "broken", "logs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "note refused to apply")

	summary := decode[runSummary](t, out)
	assert.Equal(t, "failed", summary.Status)
	assert.Contains(t, summary.Error, "note refused to apply")
	assert.Equal(t, []string{"base:succeeded", "broken:failed"}, stepNames(summary.Steps))
}

func TestApply_UnknownManifest(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	_, err := ws.run(t, "apply", "--json", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrManifestInstanceNotFound)
}

func TestDelete_ReverseFileOrder(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "delete", "--json")
	require.NoError(t, err)

	summary := decode[runSummary](t, out)
	assert.Equal(t, engine.ActionDelete, summary.Action)
	assert.Equal(t, []string{"prod-only", "logs", "base"}, summary.Manifests)
	assert.Equal(t, []string{
		"prod-only:skipped",
		"base:succeeded",
		"logs:succeeded",
		"base:succeeded",
	}, stepNames(summary.Steps))
}

func TestRuns_ListsLedgerRuns(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	_, err := ws.run(t, "apply", "--json", "base")
	require.NoError(t, err)
	_, err = ws.run(t, "delete", "--json", "base")
	require.NoError(t, err)

	out, err := ws.run(t, "runs", "--json")
	require.NoError(t, err)

	runs := decode[[]stores.Run](t, out)
	require.Len(t, runs, 2)
	actions := []string{runs[0].Action, runs[1].Action}
	assert.ElementsMatch(t, []string{"apply", "delete"}, actions)
	for _, run := range runs {
		assert.Equal(t, stores.RunStatusCompleted, run.Status)
		assert.Equal(t, "base", run.Manifests)
		assert.NotNil(t, run.CompletedAt)
	}
}

func TestRuns_RequiresLedger(t *testing.T) {
	ws := newWorkspace(t, noteManifests)
	require.NoError(t, os.WriteFile(ws.config, []byte("logging:\n  level: error\n"), 0o600))

	_, err := ws.run(t, "runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ledger configured")
}

func TestPlan(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "plan", "--json", "logs")
	require.NoError(t, err)

	steps := decode[[]engine.PlanStep](t, out)
	require.Len(t, steps, 2)
	assert.Equal(t, "base", steps[0].Name)
	assert.Equal(t, "logs", steps[0].Parent)
	assert.Equal(t, "logs", steps[1].Name)
	assert.False(t, steps[1].Skipped)

	out, err = ws.run(t, "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan: 2 to apply, 1 skipped")
}

func TestPlan_RejectsUnknownAction(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	_, err := ws.run(t, "plan", "--action", "destroy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "destroy"`)
}

func TestKinds(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "kinds", "--json")
	require.NoError(t, err)

	kinds := decode[map[string]map[string][]string](t, out)
	assert.Equal(t, map[string]map[string][]string{
		"Note": {"versions": {"v0", "v1"}},
	}, kinds)

	out, err = ws.run(t, "kinds")
	require.NoError(t, err)
	assert.Contains(t, out, "Note")
	assert.Contains(t, out, "v0")
}

func TestValues(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "values", "--resolve", "--env", "prod", "--json")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"region": "eu-west-1"}, decode[map[string]interface{}](t, out))

	out, err = ws.run(t, "values")
	require.NoError(t, err)
	assert.Contains(t, out, "us-east-1")
	assert.Contains(t, out, "eu-west-1")
}

func TestValidate_Clean(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	out, err := ws.run(t, "validate", "--json")
	require.NoError(t, err)

	report := decode[validationReport](t, out)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Documents)
	assert.Equal(t, 3, report.Parsed)
	assert.Empty(t, report.Issues)
}

func TestValidate_ReportsProblems(t *testing.T) {
	ws := newWorkspace(t, noteManifests+`---
kind: Note
version: v1
metadata:
  name: orphan
  dependencies:
    apply:
      - nowhere
spec: {}
---
kind: Unknown
version: v1
metadata:
  name: stray
spec: {}
`)

	out, err := ws.run(t, "validate", "--json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	report := decode[validationReport](t, out)
	assert.False(t, report.Valid)
	assert.Equal(t, 5, report.Documents)
	assert.Equal(t, 4, report.Parsed)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0].Document, "part_5")

	var found bool
	for _, v := range report.Violations {
		if v.Policy == "dependency-references" && v.Manifest == "orphan" {
			found = true
			assert.Equal(t, policy.SeverityError, v.Severity)
		}
	}
	assert.True(t, found, "expected a dependency-references violation for orphan: %+v", report.Violations)
}

func TestSchedule_RequiresExpression(t *testing.T) {
	ws := newWorkspace(t, noteManifests)

	_, err := ws.run(t, "schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schedule configured")

	_, err = ws.run(t, "schedule", "--cron", "not a schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestSchedule_RunsUntilCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}
	ws := newWorkspace(t, noteManifests)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	out, err := execute(t, ctx, "--config", ws.config, "schedule", "--cron", "@every 1s", "--json", "base")
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var runs int
	for dec.More() {
		var summary runSummary
		require.NoError(t, dec.Decode(&summary))
		assert.Equal(t, "completed", summary.Status)
		// Counters are reset per run, so base succeeds every time.
		assert.Equal(t, []string{"base:succeeded"}, stepNames(summary.Steps))
		runs++
	}
	assert.GreaterOrEqual(t, runs, 1)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, context.Background(), "version", "--json")
	require.NoError(t, err)

	info := decode[map[string]string](t, out)
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "abc123", info["commit"])
}

func TestSettingsErrorsSurface(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "animus.yaml")
	require.NoError(t, os.WriteFile(config, []byte("max_calls_to_manifest: 0\n"), 0o600))

	_, err := execute(t, context.Background(), "--config", config, "kinds")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load settings")
}
