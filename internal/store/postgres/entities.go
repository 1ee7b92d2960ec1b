package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/store"
)

// Registry builds a registry whose services delete from housekeeper.entity
func (s *Store) Registry(types ...entity.Type) (*store.Registry, error) {
	services := make([]store.EntityService, 0, len(types))
	for _, t := range types {
		services = append(services, &entityService{db: s.db, t: t})
	}
	return store.NewRegistry(services...)
}

type entityService struct {
	db DB
	t  entity.Type
}

func (e *entityService) EntityType() entity.Type { return e.t }

func (e *entityService) Enumerate(ctx context.Context, tenantID uuid.UUID, page store.PageLink) (store.EntityPage, error) {
	limit, off := offset(page)
	// one extra row tells whether another page exists
	rows, err := e.db.Query(ctx, `
		SELECT id, snapshot
		FROM housekeeper.entity
		WHERE tenant_id = $1 AND entity_type = $2
		ORDER BY id
		LIMIT $3 OFFSET $4`,
		tenantID, string(e.t), limit+1, off)
	if err != nil {
		return store.EntityPage{}, classify("entities", "enumerate", err)
	}
	defer rows.Close()

	var out store.EntityPage
	for rows.Next() {
		ent := store.Entity{ID: entity.ID{Type: e.t}}
		if err := rows.Scan(&ent.ID.ID, &ent.Snapshot); err != nil {
			return store.EntityPage{}, err
		}
		out.Data = append(out.Data, ent)
	}
	if err := rows.Err(); err != nil {
		return store.EntityPage{}, classify("entities", "enumerate", err)
	}
	if len(out.Data) > limit {
		out.Data = out.Data[:limit]
		out.HasNext = true
	}
	return out, nil
}

func (e *entityService) Dependents(ctx context.Context, tenantID uuid.UUID, id entity.ID) ([]store.Entity, error) {
	rows, err := e.db.Query(ctx, `
		SELECT id, entity_type, snapshot
		FROM housekeeper.entity
		WHERE tenant_id = $1 AND parent_id = $2
		ORDER BY id`,
		tenantID, id.ID)
	if err != nil {
		return nil, classify("entities", "dependents", err)
	}
	defer rows.Close()

	var out []store.Entity
	for rows.Next() {
		var (
			ent store.Entity
			typ string
		)
		if err := rows.Scan(&ent.ID.ID, &typ, &ent.Snapshot); err != nil {
			return nil, err
		}
		ent.ID.Type = entity.Type(typ)
		out = append(out, ent)
	}
	return out, classify("entities", "dependents", rows.Err())
}

// Delete removes the row and its dependents; a missing row is not an error
func (e *entityService) Delete(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	_, err := e.db.Exec(ctx, `
		DELETE FROM housekeeper.entity
		WHERE tenant_id = $1 AND (id = $2 OR parent_id = $2)`,
		tenantID, id.ID)
	return classify("entities", "delete", err)
}

func (e *entityService) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) error {
	_, err := e.db.Exec(ctx, `
		DELETE FROM housekeeper.entity
		WHERE tenant_id = $1
		  AND (entity_type = $2
		       OR parent_id IN (SELECT id FROM housekeeper.entity WHERE tenant_id = $1 AND entity_type = $2))`,
		tenantID, string(e.t))
	return classify("entities", "delete_by_tenant", err)
}
