package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/housekeeper/internal/cleanup"
	"github.com/austindbirch/housekeeper/internal/entity"
)

// readSnapshot loads an optional JSON document given by path
func readSnapshot(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s does not contain valid JSON", path)
	}
	return b, nil
}

// entityDeletedCmd reports a deletion to the listener
var entityDeletedCmd = &cobra.Command{
	Use:   "entity-deleted",
	Short: "Report a deleted entity so its leftovers are cleaned up",
	Long: `Report that an entity was deleted. The service queues cleanup of its
attributes, telemetry, events, alarms and relations.

Example:
  housekeeperctl entity-deleted --tenant 2b7e... --type DEVICE --id 9f1c...
  housekeeperctl entity-deleted --tenant 2b7e... --type USER --id 41d0... --entity-file user.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantStr, _ := cmd.Flags().GetString("tenant")
		typeStr, _ := cmd.Flags().GetString("type")
		idStr, _ := cmd.Flags().GetString("id")
		entityFile, _ := cmd.Flags().GetString("entity-file")

		tenantID, err := uuid.Parse(tenantStr)
		if err != nil {
			return fmt.Errorf("invalid tenant id: %w", err)
		}
		id, err := entity.ParseID(typeStr, idStr)
		if err != nil {
			return err
		}
		snapshot, err := readSnapshot(entityFile)
		if err != nil {
			return fmt.Errorf("entity file: %w", err)
		}

		var resp struct {
			TenantID uuid.UUID `json:"tenant_id"`
			EntityID entity.ID `json:"entity_id"`
			Pipeline bool      `json:"pipeline"`
		}
		ev := cleanup.DeleteEntityEvent{TenantID: tenantID, EntityID: id, Entity: snapshot}
		if _, err := doRequest(cmd.Context(), http.MethodPost, "/api/v1/entities/deleted", ev, &resp); err != nil {
			return fmt.Errorf("failed to report deletion: %w", err)
		}

		if outputJSON {
			return printJSON(cmd, resp)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Accepted deletion of %s\n", resp.EntityID)
		if !resp.Pipeline {
			fmt.Fprintln(out, "  Pipeline disabled: only relations were removed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(entityDeletedCmd)

	entityDeletedCmd.Flags().String("tenant", "", "tenant id (required)")
	entityDeletedCmd.Flags().String("type", "", "entity type, e.g. DEVICE (required)")
	entityDeletedCmd.Flags().String("id", "", "entity id (required)")
	entityDeletedCmd.Flags().String("entity-file", "", "JSON snapshot of the deleted entity")
	_ = entityDeletedCmd.MarkFlagRequired("tenant")
	_ = entityDeletedCmd.MarkFlagRequired("type")
	_ = entityDeletedCmd.MarkFlagRequired("id")
}
