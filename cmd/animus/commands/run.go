package commands

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/animus/pkg/engine"
	"github.com/openfroyo/animus/pkg/stores"
	"github.com/openfroyo/animus/pkg/telemetry"
)

// runSummary is what apply and delete report.
type runSummary struct {
	RunID       string        `json:"run_id"`
	Action      engine.Action `json:"action"`
	Environment string        `json:"environment"`
	Manifests   []string      `json:"manifests"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Steps       []stepResult  `json:"steps"`
}

func newApplyCommand() *cobra.Command {
	var skipDependencies bool

	cmd := &cobra.Command{
		Use:   "apply [names...]",
		Short: "Apply manifests",
		Long: `Apply the named manifests, each after its apply dependencies.

Without names every manifest is applied in file order. Manifests are
processed serially; the run stops at the first failure.`,
		Example: `  # Apply everything in the configured manifest files
  animus apply

  # Apply one manifest to prod
  animus apply -f manifests.yaml --env prod logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifests(cmd, engine.ActionApply, args, skipDependencies)
		},
	}

	cmd.Flags().BoolVar(&skipDependencies, "skip-dependencies", false, "do not process dependencies first")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var skipDependencies bool

	cmd := &cobra.Command{
		Use:   "delete [names...]",
		Short: "Delete manifests",
		Long: `Delete the named manifests, each after its delete dependencies.

Without names every manifest is deleted in reverse file order.`,
		Example: `  # Delete everything, last manifest first
  animus delete

  # Delete one manifest without touching its dependencies
  animus delete --skip-dependencies logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifests(cmd, engine.ActionDelete, args, skipDependencies)
		},
	}

	cmd.Flags().BoolVar(&skipDependencies, "skip-dependencies", false, "do not process dependencies first")
	return cmd
}

func runManifests(cmd *cobra.Command, action engine.Action, names []string, skipDependencies bool) error {
	ctx := cmd.Context()
	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(ctx); err != nil {
			sess.logger.WithError(err).Warn("Failed to release resources")
		}
	}()

	if err := sess.parse(); err != nil {
		return err
	}

	summary, runErr := sess.perform(ctx, action, names, skipDependencies)
	if summary != nil {
		if err := printSummary(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	}
	return runErr
}

// perform runs action for each name in order. With no names it uses every
// parsed manifest: file order for apply, reverse file order for delete.
func (sess *session) perform(ctx context.Context, action engine.Action, names []string, skipDependencies bool) (*runSummary, error) {
	if len(names) == 0 {
		names = sess.manifestNames()
		if action == engine.ActionDelete {
			slices.Reverse(names)
		}
	}

	runID := uuid.NewString()
	summary := &runSummary{
		RunID:       runID,
		Action:      action,
		Environment: sess.environment,
		Manifests:   names,
	}

	if sess.ledger != nil {
		run := &stores.Run{
			ID:          runID,
			Action:      string(action),
			Environment: sess.environment,
			Manifests:   strings.Join(names, ","),
		}
		if err := sess.ledger.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}
	sess.loader.SetRunID(runID)
	sess.recorder.take()

	logger := sess.logger.WithRunID(runID).WithAction(string(action), sess.environment)
	logger.WithField("manifests", names).Info("Starting run")

	started := time.Now()
	runCtx := telemetry.WithRunContext(sess.tel.WithContext(ctx), runID, string(action), sess.environment)

	var runErr error
	for _, name := range names {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		switch action {
		case engine.ActionDelete:
			runErr = sess.manager.DeleteManifest(runCtx, name, skipDependencies, sess.environment)
		default:
			runErr = sess.manager.ApplyManifest(runCtx, name, skipDependencies, sess.environment)
		}
		if runErr != nil {
			break
		}
	}
	telemetry.EndRunContext(runCtx, runErr)

	summary.Duration = time.Since(started)
	summary.Steps = sess.recorder.take()
	summary.Status = string(stores.RunStatusCompleted)
	var errMsg *string
	if runErr != nil {
		summary.Status = string(stores.RunStatusFailed)
		summary.Error = runErr.Error()
		errMsg = &summary.Error
	}

	if sess.ledger != nil {
		status := stores.RunStatus(summary.Status)
		if err := sess.ledger.FinishRun(context.WithoutCancel(ctx), runID, status, errMsg); err != nil {
			logger.WithError(err).Warn("Failed to record run result")
		}
	}

	if runErr != nil {
		logger.WithError(runErr).Error("Run failed")
	} else {
		logger.WithField("elapsed", summary.Duration.String()).Info("Run completed")
	}
	return summary, runErr
}

func (sess *session) manifestNames() []string {
	instances := sess.manager.Instances()
	names := make([]string, 0, len(instances))
	for _, inst := range instances {
		names = append(names, inst.Base().Name())
	}
	return names
}

func printSummary(w io.Writer, s *runSummary) error {
	if jsonOutput {
		return writeJSON(w, s)
	}

	rows := make([][]string, 0, len(s.Steps))
	for _, step := range s.Steps {
		detail := step.Reason
		if step.Error != "" {
			detail = step.Error
		}
		elapsed := ""
		if step.Duration > 0 {
			elapsed = step.Duration.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{step.Name, string(step.Action), step.Outcome, elapsed, detail})
	}
	if len(rows) > 0 {
		writeLine(w, "%s", renderTable([]string{"MANIFEST", "ACTION", "OUTCOME", "ELAPSED", "DETAIL"}, rows, 2, outcomeStyle))
	}

	status := okStyle.Render(s.Status)
	if s.Error != "" {
		status = errorStyle.Render(s.Status)
	}
	writeLine(w, "Run %s %s (%s, environment %s, %s)",
		s.RunID, status, s.Action, s.Environment, s.Duration.Round(time.Millisecond))
	return nil
}
