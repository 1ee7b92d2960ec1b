// Package store holds the narrow contracts through which cleanup reaches the
// downstream stores. The stores own their schemas; cleanup only deletes,
// and reads just enough to verify or enumerate.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/entity"
)

// Attribute scopes
const (
	ServerScope = "SERVER_SCOPE"
	SharedScope = "SHARED_SCOPE"
	ClientScope = "CLIENT_SCOPE"
)

// Scopes lists every attribute scope
var Scopes = []string{ServerScope, SharedScope, ClientScope}

// LifecycleEvent is the event type used for entity lifecycle records
const LifecycleEvent = "LC_EVENT"

// ErrNotFound is returned by lookups that match nothing
var ErrNotFound = errors.New("not found")

// KvEntry is a single attribute or time-series value
type KvEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TS    int64  `json:"ts"` // unix millis
}

// TsQuery selects historical points of one key
type TsQuery struct {
	Key     string
	StartTS int64
	EndTS   int64
	Limit   int
	Order   string // ASC or DESC
}

type Event struct {
	ID       uuid.UUID       `json:"id"`
	TenantID uuid.UUID       `json:"tenant_id"`
	EntityID entity.ID       `json:"entity_id"`
	Type     string          `json:"type"`
	TS       int64           `json:"ts"`
	Body     json.RawMessage `json:"body,omitempty"`
}

type Alarm struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	Originator entity.ID  `json:"originator"`
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	AssigneeID *uuid.UUID `json:"assignee_id,omitempty"`
}

type Relation struct {
	From  entity.ID `json:"from"`
	To    entity.ID `json:"to"`
	Type  string    `json:"type"`
	Group string    `json:"group"`
}

// PageLink addresses one page of a listing
type PageLink struct {
	Page     int
	PageSize int
}

// Entity is an enumerated entity plus the snapshot a deletion event would carry
type Entity struct {
	ID       entity.ID
	Snapshot json.RawMessage
}

// EntityPage is one page of Enumerate results
type EntityPage struct {
	Data    []Entity
	HasNext bool
}

type RelationStore interface {
	// DeleteAllRelations removes every relation where id is either endpoint.
	DeleteAllRelations(ctx context.Context, tenantID uuid.UUID, id entity.ID) error
}

type AttributeStore interface {
	// DeleteAllAttributes removes attributes of every scope for the entity.
	DeleteAllAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID) error
	Find(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope, key string) (KvEntry, error)
}

type TimeseriesStore interface {
	// DeleteAllSeries removes latest values and history of every key.
	DeleteAllSeries(ctx context.Context, tenantID uuid.UUID, id entity.ID) error
	FindLatest(ctx context.Context, tenantID uuid.UUID, id entity.ID, key string) (KvEntry, error)
	FindAll(ctx context.Context, tenantID uuid.UUID, id entity.ID, q TsQuery) ([]KvEntry, error)
}

type EventStore interface {
	DeleteAllEvents(ctx context.Context, tenantID uuid.UUID, id entity.ID) error
	FindEvents(ctx context.Context, tenantID uuid.UUID, id entity.ID, eventType string, page PageLink) ([]Event, error)
}

type AlarmStore interface {
	// DeleteEntityAlarms removes alarms originated by the entity.
	DeleteEntityAlarms(ctx context.Context, tenantID uuid.UUID, id entity.ID) error
	FindAlarmIDsByAssigneeID(ctx context.Context, tenantID, assigneeID uuid.UUID, page PageLink) ([]uuid.UUID, error)
	// ClearAssignee sets assignee to null; the alarm itself is kept.
	ClearAssignee(ctx context.Context, tenantID, alarmID uuid.UUID) error
}

// EntityService is the per-type deletion capability of the primary store
type EntityService interface {
	EntityType() entity.Type
	// Enumerate lists the tenant's entities of this type.
	Enumerate(ctx context.Context, tenantID uuid.UUID, page PageLink) (EntityPage, error)
	// Dependents lists entities removed together with id (rule nodes of a rule chain).
	Dependents(ctx context.Context, tenantID uuid.UUID, id entity.ID) ([]Entity, error)
	// Delete removes the entity row and its dependents. Missing rows are not an error.
	Delete(ctx context.Context, tenantID uuid.UUID, id entity.ID) error
	// DeleteByTenantID removes every entity of this type owned by the tenant.
	DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) error
}

// Registry maps entity types to their deletion service. It is built once at startup.
type Registry struct {
	services map[entity.Type]EntityService
}

// NewRegistry indexes services by their entity type
func NewRegistry(services ...EntityService) (*Registry, error) {
	r := &Registry{services: make(map[entity.Type]EntityService, len(services))}
	for _, s := range services {
		t := s.EntityType()
		if !t.Valid() {
			return nil, fmt.Errorf("entity service for unknown type %q", t)
		}
		if _, dup := r.services[t]; dup {
			return nil, fmt.Errorf("duplicate entity service for %s", t)
		}
		r.services[t] = s
	}
	return r, nil
}

// Service returns the deletion service for t
func (r *Registry) Service(t entity.Type) (EntityService, error) {
	if r != nil {
		if s, ok := r.services[t]; ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no entity service registered for %s", t)
}

// Types lists the registered entity types
func (r *Registry) Types() []entity.Type {
	if r == nil {
		return nil
	}
	out := make([]entity.Type, 0, len(r.services))
	for t := range r.services {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DeadLetterLister reads back dead-lettered tasks for operators
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)
}

// DeadLetterRecord is a stored dead letter
type DeadLetterRecord struct {
	ID        int64           `json:"id"`
	TaskType  string          `json:"task_type"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	EntityID  string          `json:"entity_id,omitempty"`
	Attempt   int             `json:"attempt"`
	Reason    string          `json:"reason"`
	LastError string          `json:"last_error,omitempty"`
	Task      json.RawMessage `json:"task"`
	CreatedAt string          `json:"created_at"`
}
