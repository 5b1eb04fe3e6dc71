package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions hold the persistent flags. Unset flags fall back to the
// environment and then to config.DefaultSettings.
type globalOptions struct {
	dbPath            string
	governancePath    string
	logLevel          string
	logFormat         string
	metricsAddr       string
	tracingExporter   string
	otlpEndpoint      string
	parallelism       int
	requireSignatures bool
	jsonOutput        bool

	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "swarmlite",
		Short: "SwarmLite - governed workflow orchestration",
		Long: `SwarmLite runs DAG workflows of typed tasks under a governance policy.

Features:
  - YAML/JSON workflow definitions checked against a CUE schema
  - Dependency ordering with cycle detection
  - Retries with exponential backoff and jitter
  - Compensation (rollback) in reverse completion order
  - OPA governance: model allow-list, PHI encryption, banned prompts
  - Append-only, HMAC-signed SQLite audit log`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.dbPath, "db", "", "state database path (env SWARMLITE_DB_PATH)")
	flags.StringVar(&opts.governancePath, "governance", "", "governance policy file (env GOVERNANCE_CONFIG_PATH)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (env LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: json, console (env LOG_FORMAT)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.StringVar(&opts.tracingExporter, "tracing", "", "trace exporter: none, stdout, otlp")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP collector endpoint, e.g. localhost:4317")
	flags.IntVar(&opts.parallelism, "parallelism", 0, "tasks run concurrently per dependency level (env SWARMLITE_PARALLELISM)")
	flags.BoolVar(&opts.requireSignatures, "require-signatures", false, "refuse to start without AUDIT_SECRET_KEY")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newLookupCommand(opts))

	return rootCmd
}
