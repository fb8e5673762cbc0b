package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/animus/pkg/engine"
)

var (
	// Global flags
	configPath    string
	verbose       bool
	jsonOutput    bool
	environment   string
	manifestFiles []string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "animus",
		Short: "Animus - Manifest Orchestration Engine",
		Long: `Animus applies and deletes declarative manifests through their
dependencies, one manifest at a time.

Features:
  - Versioned manifest kinds written in Starlark or WebAssembly
  - Per-environment values and variable substitution
  - Dependency ordering with cycle and recursion guards
  - Policy checks via OPA/Rego
  - Checksum ledger in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&environment, "env", "e", engine.DefaultEnvironment, "target environment")
	rootCmd.PersistentFlags().StringSliceVarP(&manifestFiles, "file", "f", nil, "manifest files (overrides manifest_files)")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newKindsCommand())
	rootCmd.AddCommand(newValuesCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
