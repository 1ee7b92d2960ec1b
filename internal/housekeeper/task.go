package housekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/entity"
)

// TaskType names the kind of deferred cleanup work
type TaskType string

const (
	DeleteAttributes     TaskType = "DELETE_ATTRIBUTES"
	DeleteTelemetry      TaskType = "DELETE_TELEMETRY"
	DeleteEvents         TaskType = "DELETE_EVENTS"
	DeleteEntityAlarms   TaskType = "DELETE_ENTITY_ALARMS"
	DeleteRelations      TaskType = "DELETE_RELATIONS"
	DeleteEntitiesByType TaskType = "DELETE_ENTITIES_BY_TYPE"
	UnassignAlarms       TaskType = "UNASSIGN_ALARMS"
)

// TaskTypes lists every task type in a stable order
var TaskTypes = []TaskType{
	DeleteAttributes,
	DeleteTelemetry,
	DeleteEvents,
	DeleteEntityAlarms,
	DeleteRelations,
	DeleteEntitiesByType,
	UnassignAlarms,
}

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t TaskType) String() string { return string(t) }

type Task struct {
	TaskType         TaskType          `json:"task_type"`
	TenantID         uuid.UUID         `json:"tenant_id"`
	EntityID         entity.ID         `json:"entity_id,omitzero"`
	EntityTypeFilter entity.Type       `json:"entity_type_filter,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`       // snapshot of the deleted entity
	Attempt          int               `json:"attempt"`                 // bumped by the channel on nack
	CreatedAt        time.Time         `json:"created_at"`
	TraceHeaders     map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// UserSnapshot is the part of a deleted user needed to unassign its alarms
type UserSnapshot struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id,omitempty"`
	Email    string    `json:"email,omitempty"`
}

func newEntityTask(tt TaskType, tenantID uuid.UUID, id entity.ID) Task {
	return Task{
		TaskType:  tt,
		TenantID:  tenantID,
		EntityID:  id,
		CreatedAt: time.Now().UTC(),
	}
}

func NewDeleteAttributes(tenantID uuid.UUID, id entity.ID) Task {
	return newEntityTask(DeleteAttributes, tenantID, id)
}

func NewDeleteTelemetry(tenantID uuid.UUID, id entity.ID) Task {
	return newEntityTask(DeleteTelemetry, tenantID, id)
}

func NewDeleteEvents(tenantID uuid.UUID, id entity.ID) Task {
	return newEntityTask(DeleteEvents, tenantID, id)
}

func NewDeleteEntityAlarms(tenantID uuid.UUID, id entity.ID) Task {
	return newEntityTask(DeleteEntityAlarms, tenantID, id)
}

func NewDeleteRelations(tenantID uuid.UUID, id entity.ID) Task {
	return newEntityTask(DeleteRelations, tenantID, id)
}

// NewDeleteEntities builds the tenant-wide bulk deletion task for one entity type
func NewDeleteEntities(tenantID uuid.UUID, t entity.Type) Task {
	return Task{
		TaskType:         DeleteEntitiesByType,
		TenantID:         tenantID,
		EntityTypeFilter: t,
		CreatedAt:        time.Now().UTC(),
	}
}

// NewUnassignAlarms carries the deleted user's snapshot, the user row no longer exists when it runs
func NewUnassignAlarms(tenantID uuid.UUID, user UserSnapshot) (Task, error) {
	if user.TenantID == uuid.Nil {
		user.TenantID = tenantID
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return Task{}, err
	}
	t := newEntityTask(UnassignAlarms, tenantID, entity.ID{Type: entity.User, ID: user.ID})
	t.Payload = payload
	return t, nil
}

// Key is the ordering key: tasks sharing it are processed in submission order, one at a time
func (t Task) Key() string {
	if t.TaskType == DeleteEntitiesByType {
		return t.TenantID.String() + "/" + string(t.EntityTypeFilter)
	}
	return t.TenantID.String() + "/" + t.EntityID.String()
}

// User decodes the embedded user snapshot of an UNASSIGN_ALARMS task
func (t Task) User() (UserSnapshot, error) {
	var u UserSnapshot
	if len(t.Payload) == 0 {
		return u, errors.New("missing user payload")
	}
	if err := json.Unmarshal(t.Payload, &u); err != nil {
		return u, fmt.Errorf("decode user payload: %w", err)
	}
	if u.ID == uuid.Nil {
		return u, errors.New("user payload has no id")
	}
	return u, nil
}

// Validate returns a PermanentTaskError for tasks no handler could ever complete
func (t Task) Validate() error {
	if !t.TaskType.Valid() {
		return Permanent("unsupported task type", fmt.Errorf("task type %q", t.TaskType))
	}
	if t.TenantID == uuid.Nil {
		return Permanent("malformed task", errors.New("tenant_id is required"))
	}
	if t.Attempt < 0 {
		return Permanent("malformed task", fmt.Errorf("negative attempt %d", t.Attempt))
	}
	switch t.TaskType {
	case DeleteEntitiesByType:
		if !t.EntityTypeFilter.Valid() {
			return Permanent("malformed task", fmt.Errorf("entity_type_filter %q", t.EntityTypeFilter))
		}
	case UnassignAlarms:
		if _, err := t.User(); err != nil {
			return Permanent("malformed task", err)
		}
	default:
		if err := t.EntityID.Validate(); err != nil {
			return Permanent("malformed task", err)
		}
	}
	return nil
}

// Decode parses a task from its wire form
func Decode(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, Permanent("malformed task", err)
	}
	return t, nil
}

// Encode is the wire form used by durable channels
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}
