package memstore

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/store"
)

// SaveEntity stores an entity row. A non-zero parent makes the row a
// dependent that is deleted together with the parent.
func (s *Store) SaveEntity(_ context.Context, tenantID uuid.UUID, id entity.ID, snapshot json.RawMessage, parent entity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[id] = entityRow{tenant: tenantID, snapshot: snapshot, parent: parent}
	return nil
}

// HasEntity reports whether the entity row still exists
func (s *Store) HasEntity(tenantID uuid.UUID, id entity.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.entities[id]
	return ok && row.tenant == tenantID
}

// CountEntities counts the tenant's rows of type t
func (s *Store) CountEntities(tenantID uuid.UUID, t entity.Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id, row := range s.entities {
		if row.tenant == tenantID && id.Type == t {
			n++
		}
	}
	return n
}

// Entities returns the deletion service for one entity type
func (s *Store) Entities(t entity.Type) store.EntityService {
	return &entityService{s: s, t: t}
}

// Registry builds a registry covering the given types
func (s *Store) Registry(types ...entity.Type) (*store.Registry, error) {
	services := make([]store.EntityService, 0, len(types))
	for _, t := range types {
		services = append(services, s.Entities(t))
	}
	return store.NewRegistry(services...)
}

type entityService struct {
	s *Store
	t entity.Type
}

func (e *entityService) EntityType() entity.Type { return e.t }

func (e *entityService) Enumerate(_ context.Context, tenantID uuid.UUID, page store.PageLink) (store.EntityPage, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	var all []store.Entity
	for id, row := range e.s.entities {
		if row.tenant == tenantID && id.Type == e.t {
			all = append(all, store.Entity{ID: id, Snapshot: row.snapshot})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	data := paginate(all, page)
	hasNext := page.PageSize > 0 && (page.Page+1)*page.PageSize < len(all)
	return store.EntityPage{Data: data, HasNext: hasNext}, nil
}

func (e *entityService) Dependents(_ context.Context, tenantID uuid.UUID, id entity.ID) ([]store.Entity, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	var out []store.Entity
	for depID, row := range e.s.entities {
		if row.tenant == tenantID && row.parent == id {
			out = append(out, store.Entity{ID: depID, Snapshot: row.snapshot})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (e *entityService) Delete(_ context.Context, tenantID uuid.UUID, id entity.ID) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.deleteLocked(tenantID, id)
	return nil
}

func (e *entityService) DeleteByTenantID(_ context.Context, tenantID uuid.UUID) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	for id, row := range e.s.entities {
		if row.tenant == tenantID && id.Type == e.t {
			e.s.deleteLocked(tenantID, id)
		}
	}
	return nil
}

func (s *Store) deleteLocked(tenantID uuid.UUID, id entity.ID) {
	row, ok := s.entities[id]
	if !ok || row.tenant != tenantID {
		return
	}
	delete(s.entities, id)
	for depID, dep := range s.entities {
		if dep.tenant == tenantID && dep.parent == id {
			delete(s.entities, depID)
		}
	}
}
