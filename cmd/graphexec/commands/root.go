package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	placeFlag     string
	denylistPaths []string
	watchPolicies bool
	metricsAddr   string
	traceExporter string
	traceEndpoint string
	jsonOutput    bool
	yamlOutput    bool

	serviceVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	serviceVersion = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "graphexec",
		Short: "graphexec - block-to-instruction builder",
		Long: `graphexec turns a block of operators into an ordered list of executable
instructions for a target place.

Features:
  - Programs in YAML or CUE
  - Structured, host fallback and legacy kernel resolution
  - Device guards and data transfers between places
  - Variable lifetime analysis and eager reclamation
  - Planning builds with fake storage
  - Rego kernel denylists with hot reload
  - Two-lane asynchronous replay
  - SQLite build history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&placeFlag, "place", "p", "", "override the program place (cpu, gpu:N, xpu:N, ...)")
	rootCmd.PersistentFlags().StringSliceVar(&denylistPaths, "denylist", nil, "Rego or JSON denylist policy files or directories")
	rootCmd.PersistentFlags().BoolVar(&watchPolicies, "watch", false, "reload denylist policies when they change")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&yamlOutput, "yaml", false, "output in YAML format")
	rootCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newKernelsCommand())
	rootCmd.AddCommand(newInspectCommand())

	return rootCmd
}
