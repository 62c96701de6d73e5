package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "fixfactory",
	Short: "CI failure auto-remediation pipelines",
	Long: `fixfactory ingests CI failure events and drives each one through a fix
pipeline: plan, patch, safety scan, validation, and pull request. Runs are
keyed by failure identity so redelivered webhooks and retries converge on a
single run and a single PR.

Run state lives in SQLite; run locks, per-repo concurrency slots, and rate
limits are coordinated through Redis.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to fixfactory.yaml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
}
