// Package cli implements the repoflow command line interface. Commands are
// thin wrappers over the core services, wired through package-level variables
// by internal.NewApp.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var rootCmd = &cobra.Command{
	Use:   "repoflow",
	Short: "repoflow - per-repository serialized task execution",
	Long: `repoflow accepts asynchronous work items bound to a source-code repository
and guarantees that at most one task runs against a repository at a time.

Tasks wait in a priority queue, repositories are guarded by TTL leases, and
each repository gets a single shared on-disk checkout that is refreshed
between tasks. Redis coordinates multiple instances when configured; without
it everything runs in-process.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("repoflow %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
