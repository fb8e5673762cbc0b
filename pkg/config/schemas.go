package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaManifest = "manifest"
	SchemaValues   = "values"
)

// SchemaRegistry manages CUE schemas for document validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in manifest
// and values schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, schema := range map[string]string{
		SchemaManifest: builtinManifestSchema,
		SchemaValues:   builtinValuesSchema,
	} {
		if err := sr.RegisterSchema(name, schema); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// The context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", &IssuesError{Issues: ValidationErrors(err)})
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateManifest validates a decoded manifest document. Top level keys are
// matched case-insensitively, as the engine does when parsing.
func (sr *SchemaRegistry) ValidateManifest(ctx context.Context, doc map[string]interface{}) error {
	lowered := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		lowered[strings.ToLower(k)] = v
	}
	return sr.ValidateAgainstSchema(ctx, SchemaManifest, lowered)
}

// ValidateValues validates a decoded values document.
func (sr *SchemaRegistry) ValidateValues(ctx context.Context, doc map[string]interface{}) error {
	return sr.ValidateAgainstSchema(ctx, SchemaValues, doc)
}

// SpecSchemaName is the registry name of the spec schema for a kind version.
func SpecSchemaName(kind, version string) string {
	return "spec:" + kind + "@" + version
}

// RegisterSpecSchema registers the CUE schema a kind's spec must satisfy.
func (sr *SchemaRegistry) RegisterSpecSchema(kind, version, schema string) error {
	return sr.RegisterSchema(SpecSchemaName(kind, version), schema)
}

// ValidateSpec validates spec against the schema registered for kind and
// version. A kind without a schema accepts any spec.
func (sr *SchemaRegistry) ValidateSpec(ctx context.Context, kind, version string, spec interface{}) error {
	name := SpecSchemaName(kind, version)
	if _, ok := sr.GetSchema(name); !ok {
		return nil
	}
	if spec == nil {
		spec = map[string]interface{}{}
	}
	return sr.ValidateAgainstSchema(ctx, name, spec)
}

// Built-in schema definitions

const builtinManifestSchema = `
// Kind names the registered implementation.
kind: string & =~"^[A-Za-z][A-Za-z0-9_.-]*$"

// Version selects the implementation version. Versions are opaque strings.
version: string & !=""

metadata?: {
	name?:         string & !=""
	environments?: [...string & !=""]
	dependencies?: {
		apply?:  [...string]
		delete?: [...string]
	}
	skipApplyAll?:            bool
	skipDeleteAll?:           bool
	executeOnlyOnceOnApply?:  bool
	executeOnlyOnceOnDelete?: bool
	...
}

spec?: _
`

const builtinValuesSchema = `
values: [...{
	name: string & !=""
	environments?: [...{
		environmentName: string & !=""
		value:           _
	}]
	...
}]
`
