package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/animus/pkg/engine"
)

// Engine evaluates Rego policies against parsed manifests.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

var validate = validator.New()

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate evaluates every enabled policy against each input.
func (e *Engine) Evaluate(ctx context.Context, inputs []Input) (*Result, error) {
	startTime := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: startTime}

	for _, cp := range e.sortedPolicies() {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for i := range inputs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			violations, err := e.evaluatePolicy(ctx, cp, &inputs[i])
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("manifest", manifestName(&inputs[i])).
					Msg("Policy evaluation failed")
				result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
				continue
			}
			result.Violations = append(result.Violations, violations...)
		}
	}

	for i := range result.Violations {
		if result.Violations[i].Severity.Blocking() {
			result.Allowed = false
			break
		}
	}

	result.Duration = e.now().Sub(startTime)
	e.logger.Debug().
		Int("manifests", len(inputs)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// EvaluateManifest evaluates policies against a single input.
func (e *Engine) EvaluateManifest(ctx context.Context, input Input) (*Result, error) {
	return e.Evaluate(ctx, []Input{input})
}

// EvaluateManager evaluates policies against every manifest parsed by m,
// newest instance per name, in parse order.
func (e *Engine) EvaluateManager(ctx context.Context, m *engine.Manager, environment, operation string) (*Result, error) {
	inputs, err := ManagerInputs(m, environment, operation)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, inputs)
}

// ManagerInputs builds one Input per manifest name known to m.
func ManagerInputs(m *engine.Manager, environment, operation string) ([]Input, error) {
	if environment == "" {
		environment = engine.DefaultEnvironment
	}

	var names []string
	seen := make(map[string]bool)
	for _, instance := range m.Instances() {
		name := instance.Base().Name()
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	kinds := m.Register().ToMap()

	inputs := make([]Input, 0, len(names))
	for _, name := range names {
		instance, err := m.ManifestInstanceByName(name)
		if err != nil {
			return nil, err
		}
		data, err := instance.Base().ToMap()
		if err != nil {
			return nil, fmt.Errorf("failed to convert manifest %s: %w", name, err)
		}
		inputs = append(inputs, Input{
			Manifest:    data,
			Manifests:   names,
			Kinds:       kinds,
			Environment: environment,
			Operation:   operation,
		})
	}
	return inputs, nil
}

// LoadPolicies loads policy files and directories. A policy with the name
// of a loaded one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// AddPolicy compiles and adds a single policy.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &policy)
}

// evaluatePolicy evaluates a single compiled policy against one input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation builds a Violation from a deny entry. An entry is either a
// message string or an object with message and optional severity; any other
// fields become details.
func createViolation(policy *Policy, entry interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Manifest: manifestName(input),
		Severity: policy.Severity,
	}
	if kind, ok := input.Manifest["kind"].(string); ok {
		violation.Kind = kind
	}

	switch v := entry.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, value := range v {
			switch key {
			case "message":
				violation.Message = fmt.Sprint(value)
			case "severity":
				if sev, ok := value.(string); ok {
					violation.Severity = Severity(sev)
				}
			case "manifest":
				if name, ok := value.(string); ok {
					violation.Manifest = name
				}
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = value
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", entry)
	}

	return violation
}

func manifestName(input *Input) string {
	metadata, ok := input.Manifest["metadata"].(map[string]interface{})
	if !ok {
		return ""
	}
	name, _ := metadata["name"].(string)
	return name
}

// compileAndStorePolicy compiles a policy's deny query and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if err := validate.Struct(policy); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid policy: %s", strings.Join(msgs, ", "))
		}
		return err
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedPolicies() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sorted := e.sortedPolicies()
	policies := make([]Policy, 0, len(sorted))
	for _, cp := range sorted {
		policies = append(policies, *cp.policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
