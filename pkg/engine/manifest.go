package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Action is the operation a manifest is processed for.
type Action string

const (
	// ActionApply brings the external world in line with the manifest.
	ActionApply Action = "apply"
	// ActionDelete tears down what a previous apply created.
	ActionDelete Action = "delete"
)

// DefaultEnvironment is used when a manifest or manager names no environments.
const DefaultEnvironment = "default"

// Metadata keys recognised by the engine.
const (
	MetaName                    = "name"
	MetaEnvironments            = "environments"
	MetaDependencies            = "dependencies"
	MetaSkipApplyAll            = "skipApplyAll"
	MetaSkipDeleteAll           = "skipDeleteAll"
	MetaExecuteOnlyOnceOnApply  = "executeOnlyOnceOnApply"
	MetaExecuteOnlyOnceOnDelete = "executeOnlyOnceOnDelete"
)

// ManifestLookup resolves a manifest instance by name.
type ManifestLookup func(name string) (Manifest, error)

// ActionContext is handed to every implementation hook.
type ActionContext struct {
	// Lookup reaches other parsed manifests, typically dependencies.
	Lookup ManifestLookup
	// Cache is the run's variable cache.
	Cache *VariableCache
	// TargetEnvironment is the environment the action runs for.
	TargetEnvironment string
	// Values is the static placeholder table.
	Values *ValuePlaceHolders
}

// Manifest is implemented by every manifest kind. Implementations embed or
// hold a *ManifestBase and return it from Base.
type Manifest interface {
	// Base returns the parsed manifest state.
	Base() *ManifestBase

	// ImplementedManifestDiffers reports whether the manifest must be
	// (re)applied. The convention is to compare Base().Checksum with a
	// checksum recorded by a previous apply.
	ImplementedManifestDiffers(ctx context.Context, actx *ActionContext) (bool, error)

	// ApplyManifest brings the external world in line with the manifest.
	ApplyManifest(ctx context.Context, actx *ActionContext) error

	// DeleteManifest removes what ApplyManifest created.
	DeleteManifest(ctx context.Context, actx *ActionContext) error
}

// Factory creates a fresh, unparsed manifest instance of one kind and version.
type Factory func() Manifest

// ManifestBase carries the data of one parsed manifest document.
type ManifestBase struct {
	Kind                    string
	Version                 string
	SupportedVersions       []string
	IngestedManifestVersion string

	Metadata map[string]interface{}
	Spec     interface{}

	// OriginalManifest is the document as parsed, the source of every
	// placeholder substitution.
	OriginalManifest map[string]interface{}

	// TargetEnvironments are the environments the manager runs for.
	TargetEnvironments []string

	Initialized bool
	Checksum    string

	// PostParsing runs after a successful parse. Errors are logged only.
	PostParsing func(*ManifestBase) error

	logger zerolog.Logger
	debug  bool
}

// BaseOption configures a ManifestBase.
type BaseOption func(*ManifestBase)

// WithBaseLogger sets the manifest logger.
func WithBaseLogger(logger zerolog.Logger) BaseOption {
	return func(b *ManifestBase) {
		b.logger = logger
	}
}

// WithPostParsing sets the post parsing callback.
func WithPostParsing(fn func(*ManifestBase) error) BaseOption {
	return func(b *ManifestBase) {
		b.PostParsing = fn
	}
}

// WithBaseDebug enables debug level logging of parse and substitution results.
func WithBaseDebug(debug bool) BaseOption {
	return func(b *ManifestBase) {
		b.debug = debug
	}
}

// NewManifestBase creates an unparsed base for kind at version. The primary
// version is always accepted; supported lists additional versions.
func NewManifestBase(kind, version string, supported []string, opts ...BaseOption) *ManifestBase {
	b := &ManifestBase{
		Kind:               kind,
		Version:            version,
		SupportedVersions:  append([]string(nil), supported...),
		Metadata:           make(map[string]interface{}),
		TargetEnvironments: []string{DefaultEnvironment},
		OriginalManifest:   make(map[string]interface{}),
		logger:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetLogger replaces the manifest logger.
func (b *ManifestBase) SetLogger(logger zerolog.Logger) {
	b.logger = logger
}

// Logger returns a logger tagged with the manifest kind, name and version.
func (b *ManifestBase) Logger() *zerolog.Logger {
	name := "not-yet-known"
	if n, ok := b.Metadata[MetaName].(string); ok {
		name = n
	}
	l := b.logger.With().
		Str("kind", b.Kind).
		Str("manifest", name).
		Str("version", b.Version).
		Logger()
	return &l
}

// SupportsVersion reports whether version is the primary or a supported version.
func (b *ManifestBase) SupportsVersion(version string) bool {
	return version == b.Version || slices.Contains(b.SupportedVersions, version)
}

// ParseManifest loads a decoded manifest document into the base.
//
// Top level keys are matched case-insensitively. The kind must match and the
// version must be supported. The checksum covers the lowercased document.
func (b *ManifestBase) ParseManifest(data map[string]interface{}, targetEnvironments []string) error {
	if len(targetEnvironments) == 0 {
		targetEnvironments = []string{DefaultEnvironment}
	}
	b.TargetEnvironments = append([]string(nil), targetEnvironments...)
	b.OriginalManifest = deepCopyMap(data)
	log := b.Logger()

	converted := lowercaseKeys(data)

	kind, ok := converted["kind"]
	if !ok {
		log.Error().Msg("Kind property not present in data")
		return NewParseError("Kind property not present in data", nil).
			WithCode(ErrCodeMissingField).
			WithOperation("parse_manifest")
	}
	if fmt.Sprint(kind) != b.Kind {
		log.Error().Interface("got", kind).Msg("Kind mismatch")
		return NewParseError(fmt.Sprintf("Kind mismatch. Got %q and expected %q", fmt.Sprint(kind), b.Kind), nil).
			WithCode(ErrCodeKindMismatch).
			WithOperation("parse_manifest")
	}

	rawVersion, ok := converted["version"]
	if !ok {
		log.Error().Msg("Version property not present in data")
		return NewParseError("Version property not present in data", nil).
			WithCode(ErrCodeMissingField).
			WithOperation("parse_manifest")
	}
	version := fmt.Sprint(rawVersion)
	if !b.SupportsVersion(version) {
		log.Error().
			Str("manifest_version", version).
			Strs("supported_versions", b.SupportedVersions).
			Msg("Version not supported by this implementation")
		return NewParseError(fmt.Sprintf("Version %s not supported by this implementation", version), nil).
			WithCode(ErrCodeUnsupportedVersion).
			WithOperation("parse_manifest").
			WithDetail("kind", b.Kind)
	}
	b.IngestedManifestVersion = version

	if md, ok := asMap(converted["metadata"]); ok {
		b.Metadata = deepCopyMap(md)
	}
	if _, ok := b.Metadata[MetaName]; !ok {
		b.Metadata[MetaName] = b.Kind
		log.Warn().Msg("MetaData not supplied - using class Kind as name")
	}

	switch spec := converted["spec"].(type) {
	case map[string]interface{}, map[interface{}]interface{}, []interface{}, []string:
		b.Spec = deepCopy(spec)
	}

	b.Initialized = true

	if b.PostParsing != nil {
		if err := b.PostParsing(b); err != nil {
			b.Logger().Error().Err(err).Msg("post parsing method failed")
		}
	}

	checksum, err := Checksum(converted)
	if err != nil {
		return NewParseError("Unable to compute manifest checksum", err).
			WithManifest(b.Name())
	}
	b.Checksum = checksum

	if b.debug {
		b.Logger().Debug().
			Interface("metadata", b.Metadata).
			Interface("spec", b.Spec).
			Str("checksum", b.Checksum).
			Msg("Post parsing")
	}
	return nil
}

// ProcessValuePlaceholders rebuilds Metadata and Spec from OriginalManifest,
// substituting {{ .Values.NAME }} for environment and then
// {{ .Variables.NAME }} from cache in every string.
func (b *ManifestBase) ProcessValuePlaceholders(values *ValuePlaceHolders, environment string, cache *VariableCache) {
	processed, _ := substituteValue(b.OriginalManifest, values, environment, cache).(map[string]interface{})
	converted := lowercaseKeys(processed)

	if md, ok := asMap(converted["metadata"]); ok {
		b.Metadata = md
	} else {
		b.Metadata = make(map[string]interface{})
	}
	if _, ok := b.Metadata[MetaName]; !ok {
		b.Metadata[MetaName] = b.Kind
	}
	b.Spec = converted["spec"]

	if b.debug {
		b.Logger().Debug().
			Interface("metadata", b.Metadata).
			Interface("spec", b.Spec).
			Msg("Manifest data with parsed value placeholders")
	}
}

// Name returns metadata.name.
func (b *ManifestBase) Name() string {
	if n, ok := b.Metadata[MetaName]; ok {
		return fmt.Sprint(n)
	}
	return b.Kind
}

// Environments returns metadata.environments, or the default environment
// when none are listed.
func (b *ManifestBase) Environments() []string {
	if envs, ok := asStringSlice(b.Metadata[MetaEnvironments]); ok {
		return envs
	}
	return []string{DefaultEnvironment}
}

// HasEnvironments reports whether metadata lists environments at all.
func (b *ManifestBase) HasEnvironments() bool {
	_, ok := b.Metadata[MetaEnvironments]
	return ok
}

// HasDependencies reports whether metadata carries a dependencies section.
func (b *ManifestBase) HasDependencies() bool {
	_, ok := b.Metadata[MetaDependencies]
	return ok
}

// Dependencies returns the manifest names listed for action, in order.
func (b *ManifestBase) Dependencies(action Action) []string {
	deps, ok := asMap(b.Metadata[MetaDependencies])
	if !ok {
		return nil
	}
	names, _ := asStringSlice(deps[string(action)])
	return names
}

// Flag returns a boolean metadata field such as skipApplyAll.
func (b *ManifestBase) Flag(name string) bool {
	return asBool(b.Metadata[name])
}

// Key returns the instance key "name:version:checksum".
func (b *ManifestBase) Key() string {
	return fmt.Sprintf("%s:%s:%s", b.Name(), b.Version, b.Checksum)
}

// ToMap returns {kind, metadata, version, spec}. The spec is omitted when nil.
func (b *ManifestBase) ToMap() (map[string]interface{}, error) {
	if !b.Initialized {
		return nil, NewImplementationError("Class not yet fully initialized", nil).
			WithCode(ErrCodeNotYetInitialized).
			WithDetail("kind", b.Kind)
	}
	data := map[string]interface{}{
		"kind":     b.Kind,
		"metadata": deepCopyMap(b.Metadata),
		"version":  b.Version,
	}
	if b.Spec != nil {
		data["spec"] = deepCopy(b.Spec)
	}
	return data, nil
}

// String renders the manifest as YAML.
func (b *ManifestBase) String() string {
	data, err := b.ToMap()
	if err != nil {
		return err.Error()
	}
	out, err := yaml.Marshal(data)
	if err != nil {
		return err.Error()
	}
	return string(out)
}

func lowercaseKeys(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[strings.ToLower(k)] = v
	}
	return out
}
