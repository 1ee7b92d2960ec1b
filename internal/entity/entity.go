package entity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type is the kind of a first-class platform entity
type Type string

const (
	Tenant    Type = "TENANT"
	Customer  Type = "CUSTOMER"
	User      Type = "USER"
	Device    Type = "DEVICE"
	Asset     Type = "ASSET"
	Dashboard Type = "DASHBOARD"
	RuleChain Type = "RULE_CHAIN"
	RuleNode  Type = "RULE_NODE"
)

var knownTypes = map[Type]struct{}{
	Tenant: {}, Customer: {}, User: {}, Device: {}, Asset: {}, Dashboard: {}, RuleChain: {}, RuleNode: {},
}

// Valid reports whether t is a known entity type
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

func (t Type) String() string { return string(t) }

// ParseType parses an entity type, case-insensitively
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// ParseTypes parses a comma-separated list of entity types, skipping blanks
func ParseTypes(s string) ([]Type, error) {
	var out []Type
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ID identifies an entity by kind and uuid
type ID struct {
	Type Type      `json:"entity_type"`
	ID   uuid.UUID `json:"id"`
}

// NewID returns an ID with a freshly generated uuid
func NewID(t Type) ID {
	return ID{Type: t, ID: uuid.New()}
}

// ParseID builds an ID from its textual type and uuid
func ParseID(t, id string) (ID, error) {
	et, err := ParseType(t)
	if err != nil {
		return ID{}, err
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return ID{}, fmt.Errorf("invalid %s id %q: %w", et, id, err)
	}
	return ID{Type: et, ID: u}, nil
}

// IsZero reports whether the ID carries no identity
func (id ID) IsZero() bool {
	return id.Type == "" && id.ID == uuid.Nil
}

// Validate checks the type is known and the uuid is set
func (id ID) Validate() error {
	if !id.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", id.Type)
	}
	if id.ID == uuid.Nil {
		return errors.New("entity id is nil")
	}
	return nil
}

func (id ID) String() string {
	return string(id.Type) + ":" + id.ID.String()
}

// TenantID is the owning tenant of every piece of cleanup work
type TenantID = uuid.UUID

// TenantEntity returns the entity ID of the tenant itself
func TenantEntity(tenantID TenantID) ID {
	return ID{Type: Tenant, ID: tenantID}
}
