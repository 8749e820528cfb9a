package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "List tracked repository checkouts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Workspaces == nil {
			return fmt.Errorf("workspace manager not initialized")
		}
		out := cmd.OutOrStdout()

		records := Workspaces.List()
		if len(records) == 0 {
			fmt.Fprintln(out, "no workspaces")
			return nil
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

		fmt.Fprintf(out, "  %-40s %-12s %-10s %-20s %s\n", "REPOSITORY", "STATE", "BRANCH", "LAST ACCESS", "PATH")
		for _, r := range records {
			fmt.Fprintf(out, "  %-40s %-12s %-10s %-20s %s\n",
				r.Key, r.State, r.Branch, r.LastAccessed.Local().Format(time.DateTime), r.Path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workspacesCmd)
}
