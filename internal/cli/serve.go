package cli

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/repoflow/repoflow/pkg/models"
)

var serveExec string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until interrupted",
	Long: `Serve starts the poll loop that dequeues tasks, prepares their repository
workspace, and executes them. With --exec, each task runs the given shell
command inside its workspace; the task fails when the command does. Without
--exec, tasks complete as soon as their workspace is ready, which is useful
when an external worker drives the task statuses.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if NewScheduler == nil {
			return fmt.Errorf("scheduler not initialized")
		}

		runner := func(ctx context.Context, task models.TaskRecord, ws models.WorkspaceHandle) error {
			if serveExec == "" {
				return nil
			}
			run := exec.CommandContext(ctx, "sh", "-c", serveExec)
			run.Dir = ws.Path
			if output, err := run.CombinedOutput(); err != nil {
				return fmt.Errorf("running %q: %s: %w", serveExec, strings.TrimSpace(string(output)), err)
			}
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Fprintln(cmd.OutOrStdout(), "repoflow scheduler running, ctrl-c to stop")
		err := NewScheduler(runner).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveExec, "exec", "", "Shell command to run inside each task's workspace")
	rootCmd.AddCommand(serveCmd)
}
