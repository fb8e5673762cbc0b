package plugins

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/animus/pkg/engine"
	"github.com/openfroyo/animus/pkg/stores"
)

// HostAPIVersion is the version of the plugin contract this host offers.
// Plugins may constrain it with api_version, for example "^1.0".
const HostAPIVersion = "1.0.0"

// Hook names a plugin entry point.
type Hook string

const (
	HookApply   Hook = "apply"
	HookDelete  Hook = "delete"
	HookDiffers Hook = "differs"
)

// Definition describes one manifest kind provided by a plugin.
type Definition struct {
	Kind              string   `json:"kind" validate:"required"`
	Version           string   `json:"version" validate:"required"`
	SupportedVersions []string `json:"supported_versions,omitempty" validate:"dive,required"`
	APIVersion        string   `json:"api_version,omitempty"`
	SpecSchema        string   `json:"spec_schema,omitempty"`

	// Source is the file the kind was loaded from.
	Source string `json:"-"`
}

var validate = validator.New()

// Validate checks required fields and the api_version constraint.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid kind definition in %s: %s", d.Source, strings.Join(msgs, ", "))
		}
		return err
	}
	return checkAPIVersion(d.APIVersion)
}

// checkAPIVersion reports whether HostAPIVersion satisfies constraint. An
// empty constraint accepts any host.
func checkAPIVersion(constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid api_version constraint %q: %w", constraint, err)
	}
	host := semver.MustParse(HostAPIVersion)
	if ok, errs := c.Validate(host); !ok {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("host API %s does not satisfy %q: %s", HostAPIVersion, constraint, strings.Join(msgs, "; "))
	}
	return nil
}

// Ledger is the checksum history a plugin kind consults when it does not
// implement differs itself. *stores.SQLiteStore satisfies it.
type Ledger interface {
	RecordEntry(ctx context.Context, entry *stores.LedgerEntry) error
	LatestEntry(ctx context.Context, name, environment string) (*stores.LedgerEntry, error)
}

// SpecValidator validates a manifest spec against a schema registered for
// its kind. *config.SchemaRegistry satisfies it.
type SpecValidator interface {
	RegisterSpecSchema(kind, version, schema string) error
	ValidateSpec(ctx context.Context, kind, version string, spec interface{}) error
}

// invocation is what a runtime sees of one hook call.
type invocation struct {
	Manifest *engine.ManifestBase
	Action   *engine.ActionContext
}

// runtime executes the hooks of one loaded kind.
type runtime interface {
	Has(h Hook) bool
	// Call runs a hook. The boolean is only meaningful for HookDiffers.
	Call(ctx context.Context, h Hook, inv *invocation) (bool, error)
}

// pluginManifest adapts a runtime to engine.Manifest.
type pluginManifest struct {
	*engine.ManifestBase

	def    *Definition
	rt     runtime
	host   *hostServices
	logger zerolog.Logger
}

func newFactory(def *Definition, rt runtime, host *hostServices) engine.Factory {
	return func() engine.Manifest {
		logger := host.logger.With().
			Str("kind", def.Kind).
			Str("version", def.Version).
			Logger()
		return &pluginManifest{
			ManifestBase: engine.NewManifestBase(def.Kind, def.Version, def.SupportedVersions,
				engine.WithBaseLogger(logger)),
			def:    def,
			rt:     rt,
			host:   host,
			logger: logger,
		}
	}
}

func (m *pluginManifest) Base() *engine.ManifestBase { return m.ManifestBase }

// ImplementedManifestDiffers calls the plugin's differs hook when it has
// one. Otherwise the newest ledger entry decides: no entry, a delete or a
// different checksum all mean the manifest differs. Without a ledger every
// manifest differs.
func (m *pluginManifest) ImplementedManifestDiffers(ctx context.Context, actx *engine.ActionContext) (bool, error) {
	if m.rt.Has(HookDiffers) {
		differs, err := m.rt.Call(ctx, HookDiffers, m.invocation(actx))
		if err != nil {
			return false, m.hookError(HookDiffers, err)
		}
		return differs, nil
	}

	ledger := m.host.ledger
	if ledger == nil {
		return true, nil
	}
	entry, err := ledger.LatestEntry(ctx, m.Name(), actx.TargetEnvironment)
	if errors.Is(err, stores.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read ledger for %s: %w", m.Name(), err)
	}
	return entry.Action != stores.LedgerActionApply || entry.Checksum != m.Checksum, nil
}

// ApplyManifest validates the spec, runs the apply hook and records the
// checksum in the ledger.
func (m *pluginManifest) ApplyManifest(ctx context.Context, actx *engine.ActionContext) error {
	if err := m.validateSpec(ctx); err != nil {
		return err
	}
	if _, err := m.rt.Call(ctx, HookApply, m.invocation(actx)); err != nil {
		return m.hookError(HookApply, err)
	}
	return m.record(ctx, stores.LedgerActionApply, actx.TargetEnvironment)
}

// DeleteManifest runs the delete hook and records the deletion.
func (m *pluginManifest) DeleteManifest(ctx context.Context, actx *engine.ActionContext) error {
	if _, err := m.rt.Call(ctx, HookDelete, m.invocation(actx)); err != nil {
		return m.hookError(HookDelete, err)
	}
	return m.record(ctx, stores.LedgerActionDelete, actx.TargetEnvironment)
}

func (m *pluginManifest) invocation(actx *engine.ActionContext) *invocation {
	return &invocation{Manifest: m.ManifestBase, Action: actx}
}

// validateSpec checks the spec against the kind's schema. A kind registers
// one schema under its primary version; manifests ingested with an older
// supported version are held to the same schema.
func (m *pluginManifest) validateSpec(ctx context.Context) error {
	if m.def.SpecSchema == "" || m.host.schemas == nil {
		return nil
	}
	if err := m.host.schemas.ValidateSpec(ctx, m.Kind, m.Version, m.Spec); err != nil {
		return fmt.Errorf("spec of %s (%s %s) is invalid: %w", m.Name(), m.Kind, m.IngestedManifestVersion, err)
	}
	return nil
}

func (m *pluginManifest) record(ctx context.Context, action stores.LedgerAction, environment string) error {
	ledger := m.host.ledger
	if ledger == nil {
		return nil
	}
	entry := &stores.LedgerEntry{
		Name:        m.Name(),
		Kind:        m.Kind,
		Version:     m.Version,
		Environment: environment,
		Checksum:    m.Checksum,
		Action:      action,
	}
	if id := m.host.RunID(); id != "" {
		entry.RunID = &id
	}
	if err := ledger.RecordEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to record %s of %s: %w", action, m.Name(), err)
	}
	m.logger.Debug().
		Str("manifest", m.Name()).
		Str("environment", environment).
		Str("action", string(action)).
		Msg("Recorded ledger entry")
	return nil
}

func (m *pluginManifest) hookError(h Hook, err error) error {
	return fmt.Errorf("%s %s of %s failed: %w", m.def.Source, h, m.Name(), err)
}
