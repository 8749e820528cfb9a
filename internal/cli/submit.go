package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	submitID       string
	submitPriority int
)

var submitCmd = &cobra.Command{
	Use:   "submit <repo-url>",
	Short: "Submit a task against a repository",
	Long: `Submit registers a task for the given repository and enqueues it for
execution. The task id is generated unless --id is given. Higher --priority
values dispatch first; equal priorities run in submission order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if TaskSvc == nil {
			return fmt.Errorf("task service not initialized")
		}

		id, err := TaskSvc.Submit(cmd.Context(), args[0], submitID, submitPriority)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", id)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitID, "id", "", "Task id (generated when empty)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Dispatch priority (higher runs first)")
	rootCmd.AddCommand(submitCmd)
}
