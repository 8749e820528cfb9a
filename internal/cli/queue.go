package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueLimit int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show pending queue entries in dispatch order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Queue == nil {
			return fmt.Errorf("queue not initialized")
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		size := Queue.Size(ctx)
		fmt.Fprintf(out, "%d pending\n", size)
		if size == 0 {
			return nil
		}

		entries := Queue.Peek(ctx, queueLimit)
		fmt.Fprintf(out, "\n  %-14s %-9s %-20s %s\n", "TASK", "PRIORITY", "ENQUEUED", "REPOSITORY")
		for _, e := range entries {
			fmt.Fprintf(out, "  %-14s %-9d %-20s %s\n",
				e.TaskID, e.Priority, e.EnqueuedAt.Local().Format(time.DateTime), e.RepoURL)
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().IntVar(&queueLimit, "limit", 20, "Maximum entries to show")
	rootCmd.AddCommand(queueCmd)
}
