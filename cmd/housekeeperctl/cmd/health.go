package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/austindbirch/housekeeper/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the housekeeper service",
	Long:  `Check the health of the housekeeper service and its dependencies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st health.Status
		_, err := doRequest(cmd.Context(), http.MethodGet, "/healthz", nil, &st)
		var apiErr *apiError
		switch {
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable:
			// an unhealthy report still carries the status document
			if jerr := json.Unmarshal(apiErr.body, &st); jerr != nil {
				return fmt.Errorf("decode health status: %w", jerr)
			}
		case err != nil:
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			return printJSON(cmd, st)
		}
		out := cmd.OutOrStdout()
		if st.OK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy: %s\n", st.Message)
		}
		fmt.Fprintf(out, "  Pipeline enabled: %v\n", st.Pipeline)
		if len(st.Checks) > 0 {
			names := make([]string, 0, len(st.Checks))
			for name := range st.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Check", "OK"})
			for _, name := range names {
				tw.AppendRow(table.Row{name, st.Checks[name]})
			}
			tw.Render()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
