package cleanup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/metrics"
	"github.com/austindbirch/housekeeper/internal/store"
	"github.com/austindbirch/housekeeper/internal/tracing"
)

// Handlers returns the handler for every task type. All of them are
// idempotent: a second run over already removed data is a no-op.
func (c *Cleaner) Handlers() map[housekeeper.TaskType]housekeeper.Handler {
	return map[housekeeper.TaskType]housekeeper.Handler{
		housekeeper.DeleteAttributes:     housekeeper.HandlerFunc(c.deleteAttributes),
		housekeeper.DeleteTelemetry:      housekeeper.HandlerFunc(c.deleteTelemetry),
		housekeeper.DeleteEvents:         housekeeper.HandlerFunc(c.deleteEvents),
		housekeeper.DeleteEntityAlarms:   housekeeper.HandlerFunc(c.deleteEntityAlarms),
		housekeeper.DeleteRelations:      housekeeper.HandlerFunc(c.deleteRelations),
		housekeeper.UnassignAlarms:       housekeeper.HandlerFunc(c.unassignAlarms),
		housekeeper.DeleteEntitiesByType: housekeeper.HandlerFunc(c.deleteEntitiesByType),
	}
}

// classify keeps errors the store already classified and treats the rest as transient
func classify(storeName, op string, err error) error {
	if err == nil || housekeeper.IsPermanent(err) || housekeeper.IsTransient(err) {
		return err
	}
	return housekeeper.Transient(storeName, op, err)
}

func (c *Cleaner) deleteAttributes(ctx context.Context, t housekeeper.Task) error {
	return classify("attributes", "delete_all", c.stores.Attributes.DeleteAllAttributes(ctx, t.TenantID, t.EntityID))
}

func (c *Cleaner) deleteTelemetry(ctx context.Context, t housekeeper.Task) error {
	return classify("timeseries", "delete_all", c.stores.Timeseries.DeleteAllSeries(ctx, t.TenantID, t.EntityID))
}

func (c *Cleaner) deleteEvents(ctx context.Context, t housekeeper.Task) error {
	return classify("events", "delete_all", c.stores.Events.DeleteAllEvents(ctx, t.TenantID, t.EntityID))
}

func (c *Cleaner) deleteEntityAlarms(ctx context.Context, t housekeeper.Task) error {
	return classify("alarms", "delete_entity_alarms", c.stores.Alarms.DeleteEntityAlarms(ctx, t.TenantID, t.EntityID))
}

// deleteRelations serves explicitly submitted tasks; deletion events remove relations inline
func (c *Cleaner) deleteRelations(ctx context.Context, t housekeeper.Task) error {
	return classify("relations", "delete_all", c.stores.Relations.DeleteAllRelations(ctx, t.TenantID, t.EntityID))
}

// unassignAlarms clears the assignee on every alarm still pointing at the
// deleted user. Cleared alarms drop out of the lookup, so the first page is
// read until it comes back empty.
func (c *Cleaner) unassignAlarms(ctx context.Context, t housekeeper.Task) error {
	user, err := t.User()
	if err != nil {
		return housekeeper.Permanent("malformed task", err)
	}
	cleared := make(map[uuid.UUID]bool)
	for {
		ids, err := c.stores.Alarms.FindAlarmIDsByAssigneeID(ctx, t.TenantID, user.ID, store.PageLink{Page: 0, PageSize: c.pageSize})
		if err != nil {
			return classify("alarms", "find_by_assignee", err)
		}
		if len(ids) == 0 {
			if len(cleared) > 0 {
				c.logger.WithContext(ctx).WithTenant(t.TenantID).WithField("user_id", user.ID.String()).
					WithField("alarms", len(cleared)).Info("alarms unassigned")
			}
			return nil
		}
		for _, id := range ids {
			if cleared[id] {
				return housekeeper.Transient("alarms", "clear_assignee", fmt.Errorf("alarm %s still assigned after clear", id))
			}
			if err := c.stores.Alarms.ClearAssignee(ctx, t.TenantID, id); err != nil {
				return classify("alarms", "clear_assignee", err)
			}
			cleared[id] = true
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// deleteEntitiesByType tears down one entity type of a tenant. Every entity
// gets the same cleanup a direct deletion would trigger, dependents first,
// and only then is its row deleted, so a retry after a crash finds the
// entity again and repeats its cleanup.
func (c *Cleaner) deleteEntitiesByType(ctx context.Context, t housekeeper.Task) error {
	svc, err := c.registry.Service(t.EntityTypeFilter)
	if err != nil {
		return housekeeper.Permanent("unsupported entity type", err)
	}
	log := c.logger.WithContext(ctx).WithTenant(t.TenantID).WithField("entity_type", string(t.EntityTypeFilter))

	removed := 0
	seen := make(map[entity.ID]bool)
	for {
		page, err := svc.Enumerate(ctx, t.TenantID, store.PageLink{Page: 0, PageSize: c.pageSize})
		if err != nil {
			return classify("entities", "enumerate", err)
		}
		if len(page.Data) == 0 {
			log.WithField("removed", removed).Info("tenant entities removed")
			return nil
		}
		for _, e := range page.Data {
			if seen[e.ID] {
				return housekeeper.Transient("entities", "delete", fmt.Errorf("%s still present after delete", e.ID))
			}
			seen[e.ID] = true

			deps, err := svc.Dependents(ctx, t.TenantID, e.ID)
			if err != nil {
				return classify("entities", "dependents", err)
			}
			for _, d := range deps {
				if err := c.cleanUp(ctx, t.TenantID, d.ID, d.Snapshot); err != nil {
					return err
				}
			}
			if err := c.cleanUp(ctx, t.TenantID, e.ID, e.Snapshot); err != nil {
				return err
			}
			if err := svc.Delete(ctx, t.TenantID, e.ID); err != nil {
				return classify("entities", "delete", err)
			}
			removed++
			metrics.RecordEntitiesRemoved(string(t.EntityTypeFilter), "pipeline", 1)
			tracing.AddSpanEvent(ctx, "entity.removed")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
