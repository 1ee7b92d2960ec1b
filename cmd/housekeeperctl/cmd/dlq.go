package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/austindbirch/housekeeper/internal/store"
)

// dlqCmd groups dead-letter commands
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered cleanup tasks",
	Long:  `Inspect tasks that failed permanently or ran out of attempts.`,
}

// dlqListCmd represents the dlq list command
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks, newest first",
	Long: `List dead-lettered tasks. Requires a sysadmin token when auth is enabled.

Example:
  housekeeperctl dlq list --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 1 || limit > 1000 {
			return fmt.Errorf("limit must be between 1 and 1000")
		}

		var resp struct {
			DeadLetters []store.DeadLetterRecord `json:"dead_letters"`
		}
		path := "/api/v1/dlq?limit=" + strconv.Itoa(limit)
		if _, err := doRequest(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if outputJSON {
			return printJSON(cmd, resp)
		}
		if len(resp.DeadLetters) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead-lettered tasks")
			return nil
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"ID", "Task Type", "Tenant", "Entity", "Attempt", "Reason", "Created"})
		for _, dl := range resp.DeadLetters {
			tw.AppendRow(table.Row{dl.ID, dl.TaskType, dl.TenantID, dl.EntityID, dl.Attempt, dl.Reason, dl.CreatedAt})
		}
		tw.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)

	dlqListCmd.Flags().Int("limit", 50, "maximum number of results")
}
