package engine

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/animus/pkg/config"
)

// DefaultMaxCallsToManifest caps how often the manager may start an action
// for the same manifest name.
const DefaultMaxCallsToManifest = 10

// DefaultValuesFile is loaded when no values files are configured.
const DefaultValuesFile = "values.yaml"

// ClassLoader discovers manifest implementations in a directory.
type ClassLoader interface {
	LoadClasses(ctx context.Context, dir string) ([]Factory, error)
}

// Manager owns the parsed manifests of a run and drives apply and delete
// through their dependencies.
//
// A Manager is not safe for concurrent actions. Manifests are processed
// serially in the order the caller asks for them.
type Manager struct {
	cache    *VariableCache
	register *VersionedClassRegister
	values   *ValuePlaceHolders

	instanceKeys []string
	instances    map[string]Manifest
	dataByName   map[string]map[string]interface{}

	environments []string
	applyRefs    *DependencyReferences
	deleteRefs   *DependencyReferences
	executions   map[string]int
	maxCalls     int

	valuesFiles []string
	loader      ClassLoader
	observer    Observer
	logger      zerolog.Logger
	debug       bool
	now         func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger. It is shared with the register, the
// placeholder table and every parsed manifest.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMaxCalls overrides the execution cap per manifest name.
func WithMaxCalls(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxCalls = n
		}
	}
}

// WithEnvironments sets the environments the manager runs for.
func WithEnvironments(envs ...string) ManagerOption {
	return func(m *Manager) {
		if len(envs) > 0 {
			m.environments = append([]string(nil), envs...)
		}
	}
}

// WithValuesFiles sets the values files loaded at construction.
func WithValuesFiles(files ...string) ManagerOption {
	return func(m *Manager) {
		m.valuesFiles = append([]string(nil), files...)
	}
}

// WithClassLoader sets the loader used by LoadManifestClassDefinitions.
func WithClassLoader(loader ClassLoader) ManagerOption {
	return func(m *Manager) {
		m.loader = loader
	}
}

// WithObserver receives parse and action notifications.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithManagerDebug enables verbose logging in the cache and manifests.
func WithManagerDebug(debug bool) ManagerOption {
	return func(m *Manager) {
		m.debug = debug
	}
}

// NewManager creates a manager around cache. DEBUG and MAX_CALLS_TO_MANIFEST
// are read from the environment here and nowhere else; options override them.
func NewManager(cache *VariableCache, opts ...ManagerOption) *Manager {
	m := &Manager{
		cache:        cache,
		instances:    make(map[string]Manifest),
		dataByName:   make(map[string]map[string]interface{}),
		environments: []string{DefaultEnvironment},
		applyRefs:    NewDependencyReferences(),
		deleteRefs:   NewDependencyReferences(),
		executions:   make(map[string]int),
		maxCalls:     maxCallsFromEnvironment(),
		valuesFiles:  []string{DefaultValuesFile},
		observer:     nopObserver{},
		logger:       zerolog.Nop(),
		debug:        os.Getenv("DEBUG") == "1",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "manifest-manager").Logger()
	if m.cache == nil {
		m.cache = NewVariableCache(WithCacheLogger(m.logger), WithCacheDebug(m.debug))
	}
	m.register = NewVersionedClassRegister(m.logger)
	m.values = NewValuePlaceHolders(m.logger)

	m.LoadValues(m.valuesFiles...)
	if m.debug {
		m.logger.Debug().Interface("values", m.values.ToMap()).Msg("Loaded environment values")
	}
	return m
}

func maxCallsFromEnvironment() int {
	raw := os.Getenv("MAX_CALLS_TO_MANIFEST")
	if raw == "" {
		return DefaultMaxCallsToManifest
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return DefaultMaxCallsToManifest
	}
	return n
}

// Cache returns the run's variable cache.
func (m *Manager) Cache() *VariableCache { return m.cache }

// Values returns the placeholder table.
func (m *Manager) Values() *ValuePlaceHolders { return m.values }

// Register returns the class register.
func (m *Manager) Register() *VersionedClassRegister { return m.register }

// Environments returns the environments the manager runs for.
func (m *Manager) Environments() []string { return append([]string(nil), m.environments...) }

// MaxCalls returns the execution cap per manifest name.
func (m *Manager) MaxCalls() int { return m.maxCalls }

// ApplyReferences returns the apply dependency edges recorded at parse time.
func (m *Manager) ApplyReferences() *DependencyReferences { return m.applyRefs }

// DeleteReferences returns the delete dependency edges recorded at parse time.
func (m *Manager) DeleteReferences() *DependencyReferences { return m.deleteRefs }

// ExecutionCount returns how often an action was started for the name.
func (m *Manager) ExecutionCount(name string) int { return m.executions[name] }

// ResetExecutions zeroes every execution counter so that a new top level run
// can start with the same parsed manifests.
func (m *Manager) ResetExecutions() {
	for name := range m.executions {
		m.executions[name] = 0
	}
}

// LoadValues loads values files into the placeholder table. Files that cannot
// be read or decoded are logged and skipped.
func (m *Manager) LoadValues(files ...string) {
	for _, file := range files {
		m.logger.Info().Str("file", file).Msg("Attempting to load values from file")
		docs, err := config.LoadDocumentFile(file)
		if err != nil {
			m.logger.Error().Err(err).Str("file", file).Msg("Failed to load values from file")
			continue
		}
		for _, doc := range docs {
			m.LoadValuesDocument(doc.Data)
		}
		m.logger.Info().Str("file", file).Msg("Loaded values from file")
	}
}

// LoadValuesDocument adds the entries of one decoded values document:
//
//	values:
//	  - name: NAME
//	    environments:
//	      - environmentName: ENV
//	        value: VALUE
//
// Entries without environments, and environment entries without a name or
// value, are ignored.
func (m *Manager) LoadValuesDocument(doc map[string]interface{}) {
	entries, ok := doc["values"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range entries {
		entry, ok := asMap(raw)
		if !ok {
			continue
		}
		envs, ok := entry["environments"].([]interface{})
		if !ok {
			continue
		}
		name := fmt.Sprint(entry["name"])
		for _, rawEnv := range envs {
			env, ok := asMap(rawEnv)
			if !ok {
				continue
			}
			envName, hasName := env["environmentName"]
			value, hasValue := env["value"]
			if !hasName || !hasValue {
				continue
			}
			m.values.AddEnvironmentValue(name, fmt.Sprint(envName), value)
		}
	}
}

// RegisterManifestClass makes a manifest implementation available for parsing.
func (m *Manager) RegisterManifestClass(factory Factory) error {
	class, err := NewClass(factory)
	if err != nil {
		return err
	}
	m.register.AddClass(class)
	return nil
}

// LoadManifestClassDefinitions registers every implementation the class
// loader finds in dir.
func (m *Manager) LoadManifestClassDefinitions(ctx context.Context, dir string) error {
	if m.loader == nil {
		return NewParseError("No class loader configured", nil).
			WithCode(ErrCodePluginLoad).
			WithDetail("dir", dir)
	}
	factories, err := m.loader.LoadClasses(ctx, dir)
	if err != nil {
		return NewParseError(fmt.Sprintf("Failed to load manifest classes from %q", dir), err).
			WithCode(ErrCodePluginLoad)
	}
	for _, f := range factories {
		if err := m.RegisterManifestClass(f); err != nil {
			return err
		}
	}
	m.logger.Info().Str("classes", m.register.String()).Msg("Registered classes")
	return nil
}

// ManifestClassByKind resolves the implementation for kind at version.
func (m *Manager) ManifestClassByKind(kind, version string) (*Class, error) {
	if version == "" {
		return nil, NewParseError("Version is required", nil).
			WithCode(ErrCodeMissingField).
			WithDetail("kind", kind)
	}
	return m.register.VersionOfClass(kind, version)
}

// ParseManifest parses one decoded manifest document and stores the instance
// under "name:version:checksum".
//
// Dependency edges are recorded for both actions; a direct cycle in either
// fails the parse.
func (m *Manager) ParseManifest(data map[string]interface{}) (Manifest, error) {
	converted := lowercaseKeys(deepCopyMap(data))

	rawKind, ok := converted["kind"]
	if !ok {
		return nil, NewParseError("Kind property not present in data", nil).
			WithCode(ErrCodeMissingField).
			WithOperation("parse_manifest")
	}
	kind := fmt.Sprint(rawKind)
	version := ""
	if v, ok := converted["version"]; ok && v != nil {
		version = fmt.Sprint(v)
	}

	class, err := m.ManifestClassByKind(kind, version)
	if err != nil {
		return nil, err
	}

	metadata, ok := asMap(converted["metadata"])
	if !ok {
		metadata = make(map[string]interface{})
	}
	if _, ok := metadata[MetaEnvironments]; !ok {
		metadata[MetaEnvironments] = []interface{}{DefaultEnvironment}
	}
	converted["metadata"] = metadata

	instance := class.New()
	b := instance.Base()
	b.SetLogger(m.logger)
	if m.debug {
		b.debug = true
	}
	if err := b.ParseManifest(converted, m.environments); err != nil {
		return nil, err
	}
	name := b.Name()

	if _, ok := m.executions[name]; !ok {
		m.executions[name] = 0
	}

	if b.HasDependencies() {
		for _, dst := range b.Dependencies(ActionApply) {
			m.applyRefs.AddDependency(name, dst)
		}
		if m.applyRefs.DirectCircularReferencesDetected() {
			return nil, m.cycleError(b, "apply")
		}
		for _, dst := range b.Dependencies(ActionDelete) {
			m.deleteRefs.AddDependency(name, dst)
		}
		if m.deleteRefs.DirectCircularReferencesDetected() {
			return nil, m.cycleError(b, "delete")
		}
	}
	m.logger.Info().Str("manifest", name).Msg("No direct dependency circular reference detected")

	key := b.Key()
	if _, exists := m.instances[key]; !exists {
		m.instanceKeys = append(m.instanceKeys, key)
	}
	m.instances[key] = instance
	m.dataByName[name] = converted
	m.logger.Info().Str("instance", key).Msg("Stored parsed manifest instance")
	m.observer.ManifestParsed(b.Kind, b.Version, name)
	return instance, nil
}

func (m *Manager) cycleError(b *ManifestBase, section string) error {
	return NewParseError(fmt.Sprintf(
		"Direct dependency violation detected in class %q when parsing manifest named %q (%s section)",
		b.Kind, b.Name(), section,
	), nil).
		WithCode(ErrCodeDirectDependencyCycle).
		WithManifest(b.Name()).
		WithOperation("parse_manifest")
}

// ManifestInstanceByName returns the first parsed instance whose name, or
// whose "name:version:checksum" key, equals name.
func (m *Manager) ManifestInstanceByName(name string) (Manifest, error) {
	for _, key := range m.instanceKeys {
		instance := m.instances[key]
		if instance.Base().Name() == name || key == name {
			return instance, nil
		}
	}
	return nil, NewLookupError(fmt.Sprintf("No manifest instance for %q found", name), nil).
		WithCode(ErrCodeManifestInstanceNotFound)
}

// Instances returns the parsed instances in parse order.
func (m *Manager) Instances() []Manifest {
	out := make([]Manifest, 0, len(m.instanceKeys))
	for _, key := range m.instanceKeys {
		out = append(out, m.instances[key])
	}
	return out
}

// ManifestData returns the lowercased document last parsed under name.
func (m *Manager) ManifestData(name string) (map[string]interface{}, bool) {
	data, ok := m.dataByName[name]
	if !ok {
		return nil, false
	}
	return deepCopyMap(data), true
}

// ApplyManifest applies the named manifest, its apply dependencies first.
// An empty environment means the default environment.
func (m *Manager) ApplyManifest(ctx context.Context, name string, skipDependencyProcessing bool, environment string) error {
	return m.run(ctx, ActionApply, name, skipDependencyProcessing, environment)
}

// DeleteManifest deletes the named manifest, its delete dependencies first.
// An empty environment means the default environment.
func (m *Manager) DeleteManifest(ctx context.Context, name string, skipDependencyProcessing bool, environment string) error {
	return m.run(ctx, ActionDelete, name, skipDependencyProcessing, environment)
}

func (m *Manager) actionContext(environment string) *ActionContext {
	return &ActionContext{
		Lookup:            m.ManifestInstanceByName,
		Cache:             m.cache,
		TargetEnvironment: environment,
		Values:            m.values,
	}
}

func (m *Manager) run(ctx context.Context, action Action, name string, skipDependencyProcessing bool, environment string) (err error) {
	if environment == "" {
		environment = DefaultEnvironment
	}
	op := string(action) + "_manifest"
	skipFlag, onceFlag := MetaSkipApplyAll, MetaExecuteOnlyOnceOnApply
	if action == ActionDelete {
		skipFlag, onceFlag = MetaSkipDeleteAll, MetaExecuteOnlyOnceOnDelete
	}

	instance, err := m.ManifestInstanceByName(name)
	if err != nil {
		return err
	}
	b := instance.Base()
	log := m.logger.With().Str("manifest", name).Str("action", string(action)).Str("environment", environment).Logger()

	if !slices.Contains(b.Environments(), environment) {
		log.Info().Msg("Manifest not targeted for environment - skipping")
		m.observer.ActionSkipped(ctx, action, name, environment, SkipReasonEnvironment)
		return nil
	}
	if !slices.Contains(m.environments, environment) {
		log.Warn().Strs("manager_environments", m.environments).Msg("Environment not targeted by this manager - skipping")
		m.observer.ActionSkipped(ctx, action, name, environment, SkipReasonManagerEnvironment)
		return nil
	}
	if b.Flag(skipFlag) {
		log.Info().Str("flag", skipFlag).Msg("Manifest skipped by flag")
		m.observer.ActionSkipped(ctx, action, name, environment, SkipReasonSkipFlag)
		return nil
	}

	start := m.now()
	ctx = m.observer.ActionStarted(ctx, action, name, environment)
	defer func() {
		outcome := OutcomeSucceeded
		if err != nil {
			outcome = OutcomeFailed
		}
		m.observer.ActionFinished(ctx, action, name, environment, outcome, m.now().Sub(start), err)
	}()

	actx := m.actionContext(environment)

	if skipDependencyProcessing {
		b.ProcessValuePlaceholders(m.values, environment, m.cache)
		if action == ActionApply {
			return instance.ApplyManifest(ctx, actx)
		}
		return instance.DeleteManifest(ctx, actx)
	}

	if b.Flag(onceFlag) && m.executions[name] > 0 {
		log.Info().Str("flag", onceFlag).Msg("Manifest already executed - skipping")
		m.observer.ActionSkipped(ctx, action, name, environment, SkipReasonExecuteOnce)
		return nil
	}

	m.executions[name]++
	if m.executions[name] > m.maxCalls {
		return NewExecutionError(fmt.Sprintf(
			"ManifestManager.%s(): Maximum executions reached when attempting to process manifest named %q", op, name,
		), nil).
			WithCode(ErrCodeMaxExecutionsExceeded).
			WithManifest(name).
			WithOperation(op).
			WithDetail("max_calls", m.maxCalls)
	}

	req := DependencyRequest{
		Action:        action,
		ProcessSelf:   true,
		Rounds:        make(map[string]int),
		ActionContext: actx,
	}
	if action == ActionApply {
		req.ProcessIfAlreadyApplied, req.ProcessIfNotAlreadyApplied = false, true
	} else {
		req.ProcessIfAlreadyApplied, req.ProcessIfNotAlreadyApplied = true, false
	}
	if hooks, ok := m.observer.(ProcessHooks); ok {
		req.Hooks = hooks
	}
	return ProcessDependencies(ctx, instance, req)
}
