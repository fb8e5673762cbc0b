package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/animus/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "plan [names...]",
		Short: "Show what apply or delete would do",
		Long: `Print the execution plan for the named manifests, dependencies first.

The plan does not call any manifest implementation, so every dependency is
assumed to differ from what was applied before. Manifests appear once, with
the reason when they would be skipped.`,
		Example: `  # Plan an apply of everything
  animus plan

  # Plan deleting one manifest in prod
  animus plan --action delete --env prod logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			act := engine.Action(strings.ToLower(action))
			if act != engine.ActionApply && act != engine.ActionDelete {
				return fmt.Errorf("unknown action %q: must be apply or delete", action)
			}

			ctx := cmd.Context()
			sess, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			if err := sess.parse(); err != nil {
				return err
			}
			steps, err := sess.manager.ExecutionPlan(act, sess.environment, args...)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), act, sess.environment, steps)
		},
	}

	cmd.Flags().StringVar(&action, "action", string(engine.ActionApply), "action to plan (apply, delete)")
	return cmd
}

func printPlan(w io.Writer, action engine.Action, env string, steps []engine.PlanStep) error {
	if jsonOutput {
		return writeJSON(w, steps)
	}
	if len(steps) == 0 {
		writeLine(w, "Nothing to %s", action)
		return nil
	}

	rows := make([][]string, 0, len(steps))
	runs := 0
	for i, step := range steps {
		status := "run"
		if step.Skipped {
			status = outcomeSkipped
		} else {
			runs++
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1), step.Name, step.Kind, step.Version, step.Parent, status, step.Reason,
		})
	}
	writeLine(w, "%s", renderTable(
		[]string{"#", "MANIFEST", "KIND", "VERSION", "PARENT", "STATUS", "REASON"}, rows, 5, outcomeStyle))
	writeLine(w, "Plan: %d to %s, %d skipped (environment %s)", runs, action, len(steps)-runs, env)
	return nil
}
