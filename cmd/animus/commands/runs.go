package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long:  `List the most recent apply and delete runs recorded in the ledger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			if sess.ledger == nil {
				return errors.New("no ledger configured: set ledger_path")
			}
			runs, err := sess.ledger.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(w, runs)
			}
			if len(runs) == 0 {
				writeLine(w, "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				errMsg := ""
				if run.Error != nil {
					errMsg = *run.Error
				}
				rows = append(rows, []string{
					run.ID, run.Action, run.Environment, string(run.Status),
					run.StartedAt.Format(time.RFC3339), run.Manifests, errMsg,
				})
			}
			writeLine(w, "%s", renderTable(
				[]string{"RUN", "ACTION", "ENVIRONMENT", "STATUS", "STARTED", "MANIFESTS", "ERROR"}, rows, 3, runStatusStyle))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
