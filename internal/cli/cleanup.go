package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupMaxAge time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep expired locks and evict stale workspaces",
	Long: `Cleanup removes repository leases whose TTL elapsed and deletes workspace
checkouts that have not been touched within --max-age. Workspaces whose
repository currently holds a live lock are never removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Locks == nil || Workspaces == nil {
			return fmt.Errorf("lock table or workspace manager not initialized")
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		swept := Locks.SweepExpired(ctx)
		fmt.Fprintf(out, "removed %d expired locks\n", swept)

		maxAge := cleanupMaxAge
		if maxAge <= 0 && Config != nil {
			maxAge = Config.WorkspaceMaxAge
		}
		removed, err := Workspaces.CleanupOlderThan(ctx, maxAge)
		if err != nil {
			return fmt.Errorf("cleaning up workspaces: %w", err)
		}
		fmt.Fprintf(out, "evicted %d stale workspaces\n", removed)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0, "Eviction threshold (defaults to workspace.max_age from config)")
	rootCmd.AddCommand(cleanupCmd)
}
