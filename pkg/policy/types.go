package policy

import (
	"time"
)

// Severity of a violation. Error and critical block a run.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity make a result
// disallowed.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Each entry of its deny set is a violation;
// Severity applies when the entry names none.
type Policy struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Rego        string   `json:"rego" validate:"required"`
	Severity    Severity `json:"severity" validate:"omitempty,oneof=info warning error critical"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Metadata carries the source file under "source".
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is one deny entry raised against a manifest.
type Violation struct {
	Policy   string   `json:"policy"`
	Manifest string   `json:"manifest,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Details holds the remaining fields of the deny entry.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Result of evaluating the enabled policies against a set of manifests.
// Allowed is false when any violation is blocking. Warnings are evaluation
// failures of individual policies and never block.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Summary counts violations by severity.
func (r *Result) Summary() map[Severity]int {
	counts := make(map[Severity]int)
	for _, v := range r.Violations {
		counts[v.Severity]++
	}
	return counts
}

// Input is what a Rego rule sees as input.
type Input struct {
	// Manifest is the dictionary form: kind, version, metadata and spec.
	Manifest map[string]interface{} `json:"manifest"`

	// Manifests names every parsed manifest, for dependency checks.
	Manifests []string `json:"manifests"`

	// Kinds maps each registered kind to its versions.
	Kinds map[string]interface{} `json:"kinds,omitempty"`

	Environment string `json:"environment"`

	// Operation is the command being checked, such as "validate".
	Operation string `json:"operation"`
}

// Bundle groups policies in one JSON or YAML file.
type Bundle struct {
	Name        string   `json:"name" validate:"required"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies" validate:"dive"`
}
