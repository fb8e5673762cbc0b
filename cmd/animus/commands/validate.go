package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/openfroyo/animus/pkg/config"
	"github.com/openfroyo/animus/pkg/engine"
	"github.com/openfroyo/animus/pkg/policy"
	"github.com/openfroyo/animus/pkg/telemetry"
)

// documentIssue is a schema or parse problem of one document.
type documentIssue struct {
	Document string `json:"document"`
	Message  string `json:"message"`
}

type validationReport struct {
	Environment string             `json:"environment"`
	Documents   int                `json:"documents"`
	Parsed      int                `json:"parsed"`
	Issues      []documentIssue    `json:"issues,omitempty"`
	Violations  []policy.Violation `json:"violations,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Cycles      []string           `json:"cycles,omitempty"`
	Valid       bool               `json:"valid"`
}

func newValidateCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate manifests and policies",
		Long: `Validate the configured manifests without applying them.

Validation:
  - Checks every document against the manifest document schema
  - Checks values files against the values file schema
  - Parses every manifest with its registered kind
  - Evaluates built-in and configured OPA/Rego policies
  - Reports dependency cycles of any length

The command fails when a document does not validate or parse, or when a
policy reports an error-level violation.`,
		Example: `  # Validate the configured manifests
  animus validate

  # Validate for prod with extra policies
  animus validate --env prod --policy policies/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			report := &validationReport{Environment: sess.environment, Documents: len(sess.documents)}

			for _, file := range sess.settings.ValuesFiles {
				report.Issues = append(report.Issues, sess.validateValuesFile(cmd, file)...)
			}

			for _, doc := range sess.documents {
				if err := sess.schemas.ValidateManifest(ctx, doc.Data); err != nil {
					for _, ve := range config.ValidationErrors(err) {
						report.Issues = append(report.Issues, documentIssue{Document: documentLabel(doc), Message: ve.Error()})
					}
					continue
				}
				if err := sess.parseDocument(doc); err != nil {
					report.Issues = append(report.Issues, documentIssue{Document: documentLabel(doc), Message: err.Error()})
					continue
				}
				report.Parsed++
			}

			policies, err := policy.NewEngine(sess.tel.Logger.Zerolog())
			if err != nil {
				return err
			}
			paths := append(append([]string(nil), sess.settings.PolicyPaths...), policyPaths...)
			if len(paths) > 0 {
				if err := policies.LoadPolicies(ctx, paths); err != nil {
					return err
				}
			}
			ic := telemetry.StartOperation(sess.tel.WithContext(ctx), "validate")
			result, err := policies.EvaluateManager(ic.Ctx, sess.manager, sess.environment, "validate")
			ic.End(err)
			if err != nil {
				return err
			}
			report.Violations = result.Violations
			report.Warnings = result.Warnings
			for _, v := range result.Violations {
				sess.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
				_ = sess.tel.Events.PublishPolicyViolation(v.Manifest, v.Policy, string(v.Severity), v.Message, v.Severity.Blocking())
			}

			report.Cycles = append(
				cycleWarnings(engine.ActionApply, sess.manager.ApplyReferences()),
				cycleWarnings(engine.ActionDelete, sess.manager.DeleteReferences())...,
			)

			report.Valid = len(report.Issues) == 0 && result.Allowed
			if err := printValidation(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("validation failed: %d document issues, %d blocking violations",
					len(report.Issues), countBlocking(report.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional policy files or directories")
	return cmd
}

// validateValuesFile checks one values file against the values schema. A
// missing file is not an issue; the manager skips it too.
func (sess *session) validateValuesFile(cmd *cobra.Command, file string) []documentIssue {
	docs, err := config.LoadDocumentFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return []documentIssue{{Document: file, Message: err.Error()}}
	}
	var issues []documentIssue
	for _, doc := range docs {
		if err := sess.schemas.ValidateValues(cmd.Context(), doc.Data); err != nil {
			for _, ve := range config.ValidationErrors(err) {
				issues = append(issues, documentIssue{Document: documentLabel(doc), Message: ve.Error()})
			}
		}
	}
	return issues
}

func cycleWarnings(action engine.Action, refs *engine.DependencyReferences) []string {
	var out []string
	for _, cycle := range refs.Cycles() {
		out = append(out, fmt.Sprintf("%s dependency cycle: %s", action, engine.FormatCycle(cycle)))
	}
	return out
}

func countBlocking(violations []policy.Violation) int {
	n := 0
	for _, v := range violations {
		if v.Severity.Blocking() {
			n++
		}
	}
	return n
}

func printValidation(w io.Writer, r *validationReport) error {
	if jsonOutput {
		return writeJSON(w, r)
	}

	if len(r.Issues) > 0 {
		rows := make([][]string, 0, len(r.Issues))
		for _, issue := range r.Issues {
			rows = append(rows, []string{issue.Document, issue.Message})
		}
		writeLine(w, "%s", renderTable([]string{"DOCUMENT", "ISSUE"}, rows, -1, nil))
	}

	if len(r.Violations) > 0 {
		rows := make([][]string, 0, len(r.Violations))
		for _, v := range r.Violations {
			rows = append(rows, []string{string(v.Severity), v.Policy, v.Manifest, v.Message})
		}
		writeLine(w, "%s", renderTable([]string{"SEVERITY", "POLICY", "MANIFEST", "MESSAGE"}, rows, 0, severityStyle))
	}

	for _, warning := range append(append([]string(nil), r.Cycles...), r.Warnings...) {
		writeLine(w, "%s %s", warnStyle.Render("warning:"), warning)
	}

	status := okStyle.Render("valid")
	if !r.Valid {
		status = errorStyle.Render("invalid")
	}
	writeLine(w, "%d of %d documents parsed for environment %s: %s",
		r.Parsed, r.Documents, r.Environment, status)
	return nil
}

func severityStyle(severity string) lipgloss.Style {
	switch policy.Severity(strings.ToLower(severity)) {
	case policy.SeverityError, policy.SeverityCritical:
		return errorStyle
	case policy.SeverityWarning:
		return warnStyle
	default:
		return dimStyle
	}
}
