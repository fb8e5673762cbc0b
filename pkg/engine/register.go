package engine

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Class is a registered manifest implementation.
type Class struct {
	Kind              string
	Version           string
	SupportedVersions []string
	New               Factory
}

// Supports reports whether the class can ingest manifests of version.
func (c *Class) Supports(version string) bool {
	return c.Version == version || slices.Contains(c.SupportedVersions, version)
}

// VersionedClassRegister holds the manifest implementations available to a
// manager. A kind and primary version pair is registered at most once.
type VersionedClassRegister struct {
	mu      sync.RWMutex
	classes []*Class
	logger  zerolog.Logger
}

// NewVersionedClassRegister creates an empty register.
func NewVersionedClassRegister(logger zerolog.Logger) *VersionedClassRegister {
	return &VersionedClassRegister{
		logger: logger.With().Str("component", "class-register").Logger(),
	}
}

// NewClass builds a Class from a factory by inspecting one fresh instance.
func NewClass(factory Factory) (*Class, error) {
	if factory == nil {
		return nil, NewParseError("Incorrect Base Class", nil).WithCode(ErrCodeInvalidClass)
	}
	proto := factory()
	if proto == nil || proto.Base() == nil {
		return nil, NewParseError("Incorrect Base Class", nil).WithCode(ErrCodeInvalidClass)
	}
	b := proto.Base()
	if b.Kind == "" {
		return nil, NewParseError("Manifest class has no kind", nil).WithCode(ErrCodeInvalidClass)
	}
	return &Class{
		Kind:              b.Kind,
		Version:           b.Version,
		SupportedVersions: append([]string(nil), b.SupportedVersions...),
		New:               factory,
	}, nil
}

// IsClassRegistered reports whether kind is registered. A non-empty version
// must also match the primary version of one implementation.
func (r *VersionedClassRegister) IsClassRegistered(kind, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRegisteredLocked(kind, version)
}

func (r *VersionedClassRegister) isRegisteredLocked(kind, version string) bool {
	registered := false
	for _, c := range r.classes {
		if c.Kind != kind {
			continue
		}
		if version == "" {
			registered = true
			continue
		}
		if c.Version == version {
			return true
		}
	}
	return registered
}

// AddClass registers c unless its kind and primary version are already
// registered. Duplicates are logged and ignored.
func (r *VersionedClassRegister) AddClass(c *Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRegisteredLocked(c.Kind, c.Version) {
		r.logger.Info().
			Str("kind", c.Kind).
			Str("version", c.Version).
			Msg("Class already registered - ignoring")
		return
	}
	r.classes = append(r.classes, c)
	r.logger.Info().
		Str("kind", c.Kind).
		Str("version", c.Version).
		Strs("supported_versions", c.SupportedVersions).
		Msg("Registered class")
}

// VersionOfClass resolves the implementation of kind for a manifest version.
//
// An implementation whose primary version equals version wins. Otherwise the
// implementations listing version as supported are ranked by primary version
// in descending string order and the first is returned. Version strings are
// not parsed: "v0.10" sorts below "v0.2".
func (r *VersionedClassRegister) VersionOfClass(kind, version string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versionOfClass(kind, version, false)
}

func (r *VersionedClassRegister) versionOfClass(kind, version string, secondaryPass bool) (*Class, error) {
	kindFound := false
	supported := make(map[string][]string)
	for _, c := range r.classes {
		if c.Kind != kind {
			continue
		}
		kindFound = true
		if c.Version == version {
			return c, nil
		}
		for _, sv := range c.SupportedVersions {
			supported[sv] = append(supported[sv], c.Version)
		}
	}

	if !secondaryPass {
		if candidates := supported[version]; len(candidates) > 0 {
			ranked := append([]string(nil), candidates...)
			sort.Sort(sort.Reverse(sort.StringSlice(ranked)))
			if c, err := r.versionOfClass(kind, ranked[0], true); err == nil {
				return c, nil
			}
		}
	}

	msg := fmt.Sprintf("No supported implementation of %q for version %q found", kind, version)
	if !kindFound {
		return nil, NewParseError(msg, nil).
			WithCode(ErrCodeKindNotRegistered).
			WithDetail("kind", kind)
	}
	return nil, NewParseError(msg, nil).
		WithCode(ErrCodeUnsupportedVersion).
		WithDetail("kind", kind).
		WithDetail("version", version)
}

// Classes returns the registered classes in registration order.
func (r *VersionedClassRegister) Classes() []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, *c)
	}
	return out
}

// ToMap returns {kind: {versions: [...]}} listing primary and supported
// versions, sorted and without duplicates.
func (r *VersionedClassRegister) ToMap() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make(map[string][]string)
	for _, c := range r.classes {
		versions[c.Kind] = append(versions[c.Kind], c.Version)
		versions[c.Kind] = append(versions[c.Kind], c.SupportedVersions...)
	}
	out := make(map[string]interface{}, len(versions))
	for kind, vs := range versions {
		sort.Strings(vs)
		vs = slices.Compact(vs)
		list := make([]interface{}, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		out[kind] = map[string]interface{}{"versions": list}
	}
	return out
}

// String lists registered classes as kind:version.
func (r *VersionedClassRegister) String() string {
	classes := r.Classes()
	parts := make([]string, 0, len(classes))
	for _, c := range classes {
		parts = append(parts, c.Kind+":"+c.Version)
	}
	return strings.Join(parts, ", ")
}
