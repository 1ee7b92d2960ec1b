// Package cleanup reacts to committed entity deletions and removes the data
// other stores still hold for the deleted entity.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/housekeeper/internal/channel"
	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
	"github.com/austindbirch/housekeeper/internal/metrics"
	"github.com/austindbirch/housekeeper/internal/store"
	"github.com/austindbirch/housekeeper/internal/tracing"
)

// ErrUnsupportedEntityType is returned for tenant teardown of a type with no registered service
var ErrUnsupportedEntityType = errors.New("unsupported entity type")

// DefaultTenantEntityTypes is the teardown set used when a caller names no types.
// Rule nodes go with their rule chain.
var DefaultTenantEntityTypes = []entity.Type{
	entity.Customer,
	entity.Dashboard,
	entity.Asset,
	entity.Device,
	entity.RuleChain,
	entity.User,
}

// Stores are the downstream stores cleanup deletes from
type Stores struct {
	Relations  store.RelationStore
	Attributes store.AttributeStore
	Timeseries store.TimeseriesStore
	Events     store.EventStore
	Alarms     store.AlarmStore
}

func (s Stores) validate() error {
	switch {
	case s.Relations == nil:
		return errors.New("cleanup: relation store is required")
	case s.Attributes == nil:
		return errors.New("cleanup: attribute store is required")
	case s.Timeseries == nil:
		return errors.New("cleanup: timeseries store is required")
	case s.Events == nil:
		return errors.New("cleanup: event store is required")
	case s.Alarms == nil:
		return errors.New("cleanup: alarm store is required")
	}
	return nil
}

type Options struct {
	// Submitter is the task pipeline. Nil means the pipeline is not deployed:
	// per-entity cleanup stops after relations and tenant teardown runs inline.
	Submitter channel.Submitter
	// Registry resolves entity types to their deletion service.
	Registry *store.Registry
	// SkipRelationCleanup lists entity types whose relations are left in place.
	SkipRelationCleanup []entity.Type
	// PageSize bounds enumeration pages in bulk deletion. Defaults to 100.
	PageSize int
	Logger   *logging.Logger
}

// DeleteEntityEvent is published once the deletion of an entity is committed
type DeleteEntityEvent struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	EntityID entity.ID       `json:"entity_id"`
	Entity   json.RawMessage `json:"entity,omitempty"` // snapshot of the deleted entity
}

// Cleaner is the deletion event listener and the entry point for tenant teardown
type Cleaner struct {
	stores    Stores
	submitter channel.Submitter
	registry  *store.Registry
	skip      map[entity.Type]bool
	pageSize  int
	logger    *logging.Logger
}

func NewCleaner(stores Stores, opts Options) (*Cleaner, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if opts.PageSize < 1 {
		opts.PageSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("housekeeper-cleanup")
	}
	skip := make(map[entity.Type]bool, len(opts.SkipRelationCleanup))
	for _, t := range opts.SkipRelationCleanup {
		skip[t] = true
	}
	return &Cleaner{
		stores:    stores,
		submitter: opts.Submitter,
		registry:  opts.Registry,
		skip:      skip,
		pageSize:  opts.PageSize,
		logger:    opts.Logger,
	}, nil
}

// PipelineEnabled reports whether cleanup tasks are queued or skipped
func (c *Cleaner) PipelineEnabled() bool {
	return c.submitter != nil
}

// OnEntityDeleted removes the entity's relations right away and queues the
// rest of its cleanup. When queueing fails the returned error wraps
// housekeeper.ErrPipelineUnavailable and the event should be redelivered;
// relations already removed stay removed.
func (c *Cleaner) OnEntityDeleted(ctx context.Context, ev DeleteEntityEvent) error {
	if ev.TenantID == uuid.Nil {
		return errors.New("tenant_id is required")
	}
	if err := ev.EntityID.Validate(); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "housekeeper.on_entity_deleted",
		tracing.AttrTenantID.String(ev.TenantID.String()),
		tracing.AttrEntityType.String(string(ev.EntityID.Type)),
		tracing.AttrEntityID.String(ev.EntityID.ID.String()),
	)
	defer span.End()

	c.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEntity(ev.EntityID).Debug("handling entity deletion event")

	err := c.cleanUp(ctx, ev.TenantID, ev.EntityID, ev.Entity)
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return err
}

// CleanUpRelatedData removes relations inline and queues the four per-entity tasks
func (c *Cleaner) CleanUpRelatedData(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	tasks, err := c.relatedDataTasks(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return c.submit(ctx, tasks...)
}

func (c *Cleaner) cleanUp(ctx context.Context, tenantID uuid.UUID, id entity.ID, snapshot json.RawMessage) error {
	tasks, err := c.relatedDataTasks(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if id.Type == entity.User && c.submitter != nil {
		t, err := housekeeper.NewUnassignAlarms(tenantID, userSnapshot(id, snapshot))
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	return c.submit(ctx, tasks...)
}

// relatedDataTasks deletes relations and builds the queued part of the cleanup
func (c *Cleaner) relatedDataTasks(ctx context.Context, tenantID uuid.UUID, id entity.ID) ([]housekeeper.Task, error) {
	if !c.skip[id.Type] {
		if err := c.stores.Relations.DeleteAllRelations(ctx, tenantID, id); err != nil {
			return nil, classify("relations", "delete_all", err)
		}
		tracing.AddSpanEvent(ctx, "relations.deleted")
	}
	if c.submitter == nil {
		return nil, nil
	}
	return []housekeeper.Task{
		housekeeper.NewDeleteAttributes(tenantID, id),
		housekeeper.NewDeleteTelemetry(tenantID, id),
		housekeeper.NewDeleteEvents(tenantID, id),
		housekeeper.NewDeleteEntityAlarms(tenantID, id),
	}, nil
}

// userSnapshot takes what it can from the deleted user; the id always comes from the event
func userSnapshot(id entity.ID, raw json.RawMessage) housekeeper.UserSnapshot {
	var u housekeeper.UserSnapshot
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &u)
	}
	u.ID = id.ID
	return u
}

// RemoveTenantEntities deletes every entity of the given types owned by the
// tenant. With the pipeline one bulk task per type is queued and async is
// true; without it relations are dropped inline and each type's service
// deletes its rows synchronously.
func (c *Cleaner) RemoveTenantEntities(ctx context.Context, tenantID uuid.UUID, types ...entity.Type) (async bool, err error) {
	if tenantID == uuid.Nil {
		return false, errors.New("tenant_id is required")
	}
	if len(types) == 0 {
		types = c.defaultTypes()
	}
	for _, t := range types {
		if _, err := c.registry.Service(t); err != nil {
			return false, fmt.Errorf("%w: %s", ErrUnsupportedEntityType, t)
		}
	}

	ctx, span := tracing.StartSpan(ctx, "housekeeper.remove_tenant_entities",
		tracing.AttrTenantID.String(tenantID.String()),
		attribute.Int("entity_types", len(types)),
		attribute.Bool("pipeline", c.submitter != nil),
	)
	defer span.End()
	log := c.logger.WithContext(ctx).WithTenant(tenantID)

	if c.submitter != nil {
		tasks := make([]housekeeper.Task, 0, len(types))
		for _, t := range types {
			tasks = append(tasks, housekeeper.NewDeleteEntities(tenantID, t))
		}
		if err := c.submit(ctx, tasks...); err != nil {
			tracing.SetSpanError(ctx, err)
			return true, err
		}
		log.WithField("entity_types", types).Info("tenant entity removal queued")
		return true, nil
	}

	for _, t := range types {
		svc, _ := c.registry.Service(t)
		n, err := c.clearRelations(ctx, svc, tenantID)
		if err == nil {
			err = svc.DeleteByTenantID(ctx, tenantID)
		}
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return false, fmt.Errorf("delete %s entities of tenant %s: %w", t, tenantID, err)
		}
		metrics.RecordEntitiesRemoved(string(t), "fallback", n)
		log.WithField("entity_type", string(t)).WithField("removed", n).Info("tenant entities removed synchronously")
	}
	return false, nil
}

// clearRelations pages through the tenant's entities of one type and drops
// the relations of each entity and its dependents. Rows are left for
// DeleteByTenantID, so pages do not shift under the walk.
func (c *Cleaner) clearRelations(ctx context.Context, svc store.EntityService, tenantID uuid.UUID) (int, error) {
	n := 0
	for page := 0; ; page++ {
		p, err := svc.Enumerate(ctx, tenantID, store.PageLink{Page: page, PageSize: c.pageSize})
		if err != nil {
			return 0, classify("entities", "enumerate", err)
		}
		for _, e := range p.Data {
			deps, err := svc.Dependents(ctx, tenantID, e.ID)
			if err != nil {
				return 0, classify("entities", "dependents", err)
			}
			for _, d := range deps {
				if _, err := c.relatedDataTasks(ctx, tenantID, d.ID); err != nil {
					return 0, err
				}
			}
			if _, err := c.relatedDataTasks(ctx, tenantID, e.ID); err != nil {
				return 0, err
			}
		}
		n += len(p.Data)
		if !p.HasNext {
			return n, nil
		}
	}
}

func (c *Cleaner) defaultTypes() []entity.Type {
	var out []entity.Type
	for _, t := range DefaultTenantEntityTypes {
		if _, err := c.registry.Service(t); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// SubmitTask queues a single validated task
func (c *Cleaner) SubmitTask(ctx context.Context, task housekeeper.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if c.submitter == nil {
		return housekeeper.Unavailable(errors.New("task pipeline is not enabled"))
	}
	return c.submit(ctx, task)
}

// submit stamps trace headers and hands the batch to the channel in one call
func (c *Cleaner) submit(ctx context.Context, tasks ...housekeeper.Task) error {
	if len(tasks) == 0 || c.submitter == nil {
		return nil
	}
	headers := tracing.InjectTaskHeaders(ctx)
	for i := range tasks {
		tasks[i].TraceHeaders = headers
	}
	if err := c.submitter.Submit(ctx, tasks...); err != nil {
		metrics.RecordSubmitFailure()
		if !errors.Is(err, housekeeper.ErrPipelineUnavailable) {
			err = housekeeper.Unavailable(err)
		}
		c.logger.WithContext(ctx).WithTenant(tasks[0].TenantID).WithError(err).
			WithField("tasks", len(tasks)).Error("task submission failed")
		return err
	}
	for _, t := range tasks {
		metrics.RecordSubmitted(string(t.TaskType))
	}
	return nil
}
