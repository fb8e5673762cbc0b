package commands

import (
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    version,
				"commit":     commit,
				"build_date": buildDate,
				"go":         runtime.Version(),
			}
			w := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(w, info)
			}
			writeLine(w, "animus %s (commit: %s, built: %s, %s)", version, commit, buildDate, info["go"])
			return nil
		},
	}
}
