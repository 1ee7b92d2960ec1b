package cmd

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
)

// buildTask assembles a task from the submit flags and checks it locally
func buildTask(cmd *cobra.Command) (housekeeper.Task, error) {
	typeStr, _ := cmd.Flags().GetString("type")
	tenantStr, _ := cmd.Flags().GetString("tenant")
	entityType, _ := cmd.Flags().GetString("entity-type")
	entityID, _ := cmd.Flags().GetString("entity-id")
	filter, _ := cmd.Flags().GetString("filter")
	payloadFile, _ := cmd.Flags().GetString("payload-file")

	tenantID, err := uuid.Parse(tenantStr)
	if err != nil {
		return housekeeper.Task{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	task := housekeeper.Task{
		TaskType:  housekeeper.TaskType(strings.ToUpper(typeStr)),
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}
	if entityType != "" || entityID != "" {
		if task.EntityID, err = entity.ParseID(entityType, entityID); err != nil {
			return housekeeper.Task{}, err
		}
	}
	if filter != "" {
		if task.EntityTypeFilter, err = entity.ParseType(filter); err != nil {
			return housekeeper.Task{}, err
		}
	}
	if task.Payload, err = readSnapshot(payloadFile); err != nil {
		return housekeeper.Task{}, fmt.Errorf("payload file: %w", err)
	}
	if err := task.Validate(); err != nil {
		return housekeeper.Task{}, err
	}
	return task, nil
}

// submitTaskCmd hands a single task to the pipeline
var submitTaskCmd = &cobra.Command{
	Use:   "submit-task",
	Short: "Submit a single cleanup task",
	Long: `Submit one cleanup task, for example to retry a dead-lettered one.

Examples:
  housekeeperctl submit-task --type DELETE_TELEMETRY --tenant 2b7e... --entity-type DEVICE --entity-id 9f1c...
  housekeeperctl submit-task --type DELETE_ENTITIES_BY_TYPE --tenant 2b7e... --filter ASSET
  housekeeperctl submit-task --type UNASSIGN_ALARMS --tenant 2b7e... --entity-type USER --entity-id 41d0... --payload-file user.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := buildTask(cmd)
		if err != nil {
			return err
		}

		var resp struct {
			TaskType string `json:"task_type"`
			Key      string `json:"key"`
		}
		if _, err := doRequest(cmd.Context(), http.MethodPost, "/api/v1/tasks", task, &resp); err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}

		if outputJSON {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s (key %s)\n", resp.TaskType, resp.Key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitTaskCmd)

	submitTaskCmd.Flags().String("type", "", "task type, e.g. DELETE_ATTRIBUTES (required)")
	submitTaskCmd.Flags().String("tenant", "", "tenant id (required)")
	submitTaskCmd.Flags().String("entity-type", "", "type of the entity the task targets")
	submitTaskCmd.Flags().String("entity-id", "", "id of the entity the task targets")
	submitTaskCmd.Flags().String("filter", "", "entity type for DELETE_ENTITIES_BY_TYPE")
	submitTaskCmd.Flags().String("payload-file", "", "JSON payload, the user snapshot for UNASSIGN_ALARMS")
	_ = submitTaskCmd.MarkFlagRequired("type")
	_ = submitTaskCmd.MarkFlagRequired("tenant")
}
