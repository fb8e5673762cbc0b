package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

func newKindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List registered manifest kinds",
		Long: `List the manifest kinds loaded from the plugin directories, with the
versions each can parse.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			w := cmd.OutOrStdout()
			register := sess.manager.Register()
			if jsonOutput {
				return writeJSON(w, register.ToMap())
			}

			classes := register.Classes()
			if len(classes) == 0 {
				writeLine(w, "No kinds registered")
				return nil
			}
			rows := make([][]string, 0, len(classes))
			for _, c := range classes {
				rows = append(rows, []string{c.Kind, c.Version, strings.Join(c.SupportedVersions, ", ")})
			}
			writeLine(w, "%s", renderTable([]string{"KIND", "VERSION", "ALSO SUPPORTS"}, rows, -1, nil))
			return nil
		},
	}
}
