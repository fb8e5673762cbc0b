package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValuesCommand() *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "values",
		Short: "List loaded value placeholders",
		Long: `List the value placeholders loaded from the values files.

With --resolve only the values of the target environment are shown.`,
		Example: `  # Everything, per environment
  animus values

  # What {{ .Values.NAME }} resolves to in prod
  animus values --resolve --env prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			w := cmd.OutOrStdout()
			values := sess.manager.Values()

			if !resolve {
				if jsonOutput {
					return writeJSON(w, values.ToMap())
				}
				var rows [][]string
				for _, name := range values.Names() {
					p, err := values.Placeholder(name, false)
					if err != nil {
						return err
					}
					envs, _ := p.ToMap()["environments"].([]interface{})
					for _, raw := range envs {
						env, _ := raw.(map[string]interface{})
						rows = append(rows, []string{name, fmt.Sprint(env["environmentName"]), fmt.Sprint(env["value"])})
					}
				}
				if len(rows) == 0 {
					writeLine(w, "No values loaded")
					return nil
				}
				writeLine(w, "%s", renderTable([]string{"NAME", "ENVIRONMENT", "VALUE"}, rows, -1, nil))
				return nil
			}

			resolved := make(map[string]interface{})
			var rows [][]string
			for _, name := range values.Names() {
				p, err := values.Placeholder(name, false)
				if err != nil {
					return err
				}
				if !p.HasEnvironment(sess.environment) {
					rows = append(rows, []string{name, dimStyle.Render("(unset)")})
					continue
				}
				v, err := p.EnvironmentValue(sess.environment)
				if err != nil {
					return err
				}
				resolved[name] = v
				rows = append(rows, []string{name, fmt.Sprint(v)})
			}
			if jsonOutput {
				return writeJSON(w, resolved)
			}
			if len(rows) == 0 {
				writeLine(w, "No values loaded")
				return nil
			}
			writeLine(w, "%s", renderTable([]string{"NAME", "VALUE (" + sess.environment + ")"}, rows, -1, nil))
			return nil
		},
	}

	cmd.Flags().BoolVar(&resolve, "resolve", false, "show only the values of --env")
	return cmd
}
