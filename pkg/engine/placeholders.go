package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// valuesPattern matches {{ .Values.NAME }} tokens.
var valuesPattern = regexp.MustCompile(`\{\{\s+\.Values\.([\w\s\-.:]+)\s+\}\}`)

// ValuePlaceholder holds one placeholder's value per environment.
type ValuePlaceholder struct {
	Name   string
	values map[string]interface{}
	order  []string
}

// NewValuePlaceholder creates a placeholder with no environment values.
func NewValuePlaceholder(name string) *ValuePlaceholder {
	return &ValuePlaceholder{
		Name:   name,
		values: make(map[string]interface{}),
	}
}

// AddEnvironmentValue sets the value for an environment. Line breaks are
// stripped from string values.
func (p *ValuePlaceholder) AddEnvironmentValue(environment string, value interface{}) {
	if s, ok := value.(string); ok {
		s = strings.ReplaceAll(s, "\n", "")
		value = strings.ReplaceAll(s, "\r", "")
	}
	if _, exists := p.values[environment]; !exists {
		p.order = append(p.order, environment)
	}
	p.values[environment] = deepCopy(value)
}

// HasEnvironment reports whether a value is set for the environment.
func (p *ValuePlaceholder) HasEnvironment(environment string) bool {
	_, ok := p.values[environment]
	return ok
}

// EnvironmentValue returns a deep copy of the value for the environment.
// Without NotFoundFallback a missing environment fails with ErrPlaceholderNotFound.
func (p *ValuePlaceholder) EnvironmentValue(environment string, opts ...ReadOption) (interface{}, error) {
	o := newReadOptions(opts)
	v, ok := p.values[environment]
	if !ok {
		if o.RaiseOnNotFound {
			return nil, NewLookupError(
				fmt.Sprintf("No value for environment %q for value placeholder %q found", environment, p.Name), nil,
			).WithCode(ErrCodePlaceholderNotFound)
		}
		return deepCopy(o.DefaultIfNotFound), nil
	}
	return deepCopy(v), nil
}

// ToMap returns {name, environments: [{environmentName, value}]}.
func (p *ValuePlaceholder) ToMap() map[string]interface{} {
	envs := make([]interface{}, 0, len(p.order))
	for _, env := range p.order {
		envs = append(envs, map[string]interface{}{
			"environmentName": env,
			"value":           deepCopy(p.values[env]),
		})
	}
	return map[string]interface{}{
		"name":         p.Name,
		"environments": envs,
	}
}

func (p *ValuePlaceholder) clone() *ValuePlaceholder {
	out := NewValuePlaceholder(p.Name)
	for _, env := range p.order {
		out.order = append(out.order, env)
		out.values[env] = deepCopy(p.values[env])
	}
	return out
}

// ValuePlaceHolders is the table of static per-environment values referenced
// by {{ .Values.NAME }} tokens.
type ValuePlaceHolders struct {
	mu     sync.RWMutex
	byName map[string]*ValuePlaceholder
	order  []string
	logger zerolog.Logger
}

// NewValuePlaceHolders creates an empty table.
func NewValuePlaceHolders(logger zerolog.Logger) *ValuePlaceHolders {
	return &ValuePlaceHolders{
		byName: make(map[string]*ValuePlaceholder),
		logger: logger.With().Str("component", "value-placeholders").Logger(),
	}
}

// Exists reports whether a placeholder with the name is defined.
func (h *ValuePlaceHolders) Exists(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byName[name]
	return ok
}

// Placeholder returns a copy of the named placeholder. When it does not exist
// it is created if createIfMissing is set, otherwise ErrPlaceholderNotFound
// is returned.
func (h *ValuePlaceHolders) Placeholder(name string, createIfMissing bool) (*ValuePlaceholder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.placeholderLocked(name, createIfMissing)
}

func (h *ValuePlaceHolders) placeholderLocked(name string, createIfMissing bool) (*ValuePlaceholder, error) {
	p, ok := h.byName[name]
	if !ok {
		if !createIfMissing {
			return nil, NewLookupError(fmt.Sprintf("ValuePlaceholder named %q not found", name), nil).
				WithCode(ErrCodePlaceholderNotFound)
		}
		p = NewValuePlaceholder(name)
		h.byName[name] = p
		h.order = append(h.order, name)
	}
	return p.clone(), nil
}

// CreatePlaceholder defines an empty placeholder, replacing any existing one.
func (h *ValuePlaceHolders) CreatePlaceholder(name string) *ValuePlaceholder {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := NewValuePlaceholder(name)
	if _, ok := h.byName[name]; !ok {
		h.order = append(h.order, name)
	}
	h.byName[name] = p
	return p.clone()
}

// AddEnvironmentValue sets the value of a placeholder for an environment,
// creating the placeholder when needed.
func (h *ValuePlaceHolders) AddEnvironmentValue(name, environment string, value interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, _ := h.placeholderLocked(name, true)
	p.AddEnvironmentValue(environment, value)
	h.byName[name] = p
}

// Names returns the placeholder names in definition order.
func (h *ValuePlaceHolders) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// ToMap returns {"values": [placeholder.ToMap()...]} which is also the
// shape of a values file.
func (h *ValuePlaceHolders) ToMap() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	values := make([]interface{}, 0, len(h.order))
	for _, name := range h.order {
		values = append(values, h.byName[name].ToMap())
	}
	return map[string]interface{}{"values": values}
}

// ReplaceInString substitutes every {{ .Values.NAME }} token in input with the
// placeholder's value for environment. Unknown placeholders and environments
// substitute an empty string and never fail.
func (h *ValuePlaceHolders) ReplaceInString(input, environment string) string {
	if !strings.Contains(input, "{{ .Values.") {
		return input
	}
	h.logger.Debug().Str("input", input).Msg("Parsing for placeholders")

	result := input
	for _, match := range valuesPattern.FindAllStringSubmatch(input, -1) {
		name := match[1]
		p, _ := h.Placeholder(name, true)
		value, _ := p.EnvironmentValue(environment, NotFoundFallback(""))
		result = strings.ReplaceAll(result, "{{ .Values."+name+" }}", stringify(value))
	}

	h.logger.Debug().Str("result", result).Msg("Placeholders replaced")
	return result
}
