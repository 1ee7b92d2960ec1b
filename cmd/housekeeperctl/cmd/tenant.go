package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/housekeeper/internal/entity"
)

// removeTenantCmd tears down the entities of a tenant
var removeTenantCmd = &cobra.Command{
	Use:   "remove-tenant [tenant-id]",
	Short: "Remove all entities of a tenant",
	Long: `Remove the entities of a tenant, one bulk task per entity type.
Without --types the service default set is used. When the service runs
without a pipeline the removal happens before the command returns.

Example:
  housekeeperctl remove-tenant 2b7e... --types DEVICE,ASSET`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid tenant id: %w", err)
		}
		typesStr, _ := cmd.Flags().GetString("types")
		types, err := entity.ParseTypes(typesStr)
		if err != nil {
			return err
		}

		req := struct {
			EntityTypes []entity.Type `json:"entity_types,omitempty"`
		}{EntityTypes: types}
		var resp struct {
			TenantID    uuid.UUID     `json:"tenant_id"`
			EntityTypes []entity.Type `json:"entity_types"`
			Async       bool          `json:"async"`
		}
		path := "/api/v1/tenants/" + tenantID.String() + "/entities:remove"
		status, err := doRequest(cmd.Context(), http.MethodPost, path, req, &resp)
		if err != nil {
			return fmt.Errorf("failed to remove tenant entities: %w", err)
		}

		if outputJSON {
			return printJSON(cmd, resp)
		}
		scope := "default entity types"
		if len(resp.EntityTypes) > 0 {
			names := make([]string, len(resp.EntityTypes))
			for i, t := range resp.EntityTypes {
				names[i] = string(t)
			}
			scope = strings.Join(names, ", ")
		}
		if status == http.StatusAccepted {
			fmt.Fprintf(cmd.OutOrStdout(), "Queued removal of %s for tenant %s\n", scope, resp.TenantID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s for tenant %s\n", scope, resp.TenantID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(removeTenantCmd)

	removeTenantCmd.Flags().String("types", "", "comma separated entity types to remove")
}
