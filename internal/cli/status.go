package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/repoflow/repoflow/pkg/models"
)

var (
	statusRepo   string
	statusFilter string
	statusWatch  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status",
	Long: `Status shows a single task when given an id, or lists tasks otherwise.
Lists can be narrowed with --repo and --status, and --watch renders a live
view that refreshes until quit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if TaskSvc == nil {
			return fmt.Errorf("task service not initialized")
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			record, err := TaskSvc.GetStatus(ctx, args[0])
			if err != nil {
				return err
			}
			printTask(out, *record)
			return nil
		}

		if statusWatch {
			return runStatusWatch(ctx)
		}

		records, err := listTasks(cmd)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "no tasks")
			return nil
		}

		fmt.Fprintf(out, "  %-14s %-13s %-40s %s\n", "TASK", "STATUS", "REPOSITORY", "STARTED")
		for _, r := range records {
			fmt.Fprintf(out, "  %-14s %-13s %-40s %s\n",
				r.ID, r.Status, r.RepoURL, r.StartedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

func listTasks(cmd *cobra.Command) ([]models.TaskRecord, error) {
	ctx := cmd.Context()
	switch {
	case statusRepo != "":
		return TaskSvc.ListByRepository(ctx, statusRepo)
	case statusFilter != "":
		s := models.TaskStatus(statusFilter)
		if !s.Valid() {
			return nil, fmt.Errorf("invalid --status %q", statusFilter)
		}
		return TaskSvc.ListByStatus(ctx, s)
	default:
		return TaskSvc.ListAll(ctx)
	}
}

func printTask(out io.Writer, r models.TaskRecord) {
	fmt.Fprintf(out, "%s\n", r.ID)
	fmt.Fprintf(out, "  %-12s %s\n", "repository:", r.RepoURL)
	fmt.Fprintf(out, "  %-12s %s\n", "status:", r.Status)
	if r.Progress != "" {
		fmt.Fprintf(out, "  %-12s %s\n", "progress:", r.Progress)
	}
	if r.Branch != "" {
		fmt.Fprintf(out, "  %-12s %s\n", "branch:", r.Branch)
	}
	if r.PRRef != "" {
		fmt.Fprintf(out, "  %-12s %s\n", "pr:", r.PRRef)
	}
	if r.Error != "" {
		fmt.Fprintf(out, "  %-12s %s\n", "error:", r.Error)
	}
	fmt.Fprintf(out, "  %-12s %s\n", "started:", r.StartedAt.Local().Format(time.DateTime))
	if r.EndedAt != nil {
		fmt.Fprintf(out, "  %-12s %s\n", "ended:", r.EndedAt.Local().Format(time.DateTime))
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusRepo, "repo", "", "Only tasks for this repository")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Only tasks in this status")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Live view, refreshed every two seconds")
	rootCmd.AddCommand(statusCmd)
}
