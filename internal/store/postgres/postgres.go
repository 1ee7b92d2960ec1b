// Package postgres implements the store contracts on the housekeeper schema
// applied by db.Migrate.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/store"
)

// DB is the subset of pgxpool.Pool the stores need
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements every downstream store contract on one pool
type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

var (
	_ store.RelationStore   = (*Store)(nil)
	_ store.AttributeStore  = (*Store)(nil)
	_ store.TimeseriesStore = (*Store)(nil)
	_ store.EventStore      = (*Store)(nil)
	_ store.AlarmStore      = (*Store)(nil)
)

// classify maps driver errors onto the housekeeper taxonomy. Connection,
// resource and concurrency failures are worth retrying; data and syntax
// errors will fail the same way every time.
func classify(storeName, op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "40":
			return housekeeper.Transient(storeName, op, err)
		case "22", "23", "42":
			return housekeeper.Permanent(storeName+" "+op+" rejected", err)
		}
	}
	return housekeeper.Transient(storeName, op, err)
}

func offset(page store.PageLink) (limit, off int) {
	limit = page.PageSize
	if limit <= 0 {
		limit = 100
	}
	p := page.Page
	if p < 0 {
		p = 0
	}
	return limit, p * limit
}

// --- relations ---

func (s *Store) DeleteAllRelations(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM housekeeper.relation
		WHERE tenant_id = $1
		  AND ((from_id = $2 AND from_type = $3) OR (to_id = $2 AND to_type = $3))`,
		tenantID, id.ID, string(id.Type))
	return classify("relations", "delete_all", err)
}

// --- attributes ---

func (s *Store) DeleteAllAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM housekeeper.attribute_kv
		WHERE tenant_id = $1 AND entity_id = $2 AND entity_type = $3`,
		tenantID, id.ID, string(id.Type))
	return classify("attributes", "delete_all", err)
}

func (s *Store) Find(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope, key string) (store.KvEntry, error) {
	kv := store.KvEntry{Key: key}
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(value, ''), ts
		FROM housekeeper.attribute_kv
		WHERE tenant_id = $1 AND entity_id = $2 AND entity_type = $3 AND scope = $4 AND key = $5`,
		tenantID, id.ID, string(id.Type), scope, key,
	).Scan(&kv.Value, &kv.TS)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.KvEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.KvEntry{}, classify("attributes", "find", err)
	}
	return kv, nil
}

// --- time series ---

// DeleteAllSeries drops history and latest values in one statement
func (s *Store) DeleteAllSeries(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	_, err := s.db.Exec(ctx, `
		WITH latest AS (
			DELETE FROM housekeeper.ts_kv_latest
			WHERE tenant_id = $1 AND entity_id = $2 AND entity_type = $3
		)
		DELETE FROM housekeeper.ts_kv
		WHERE tenant_id = $1 AND entity_id = $2 AND entity_type = $3`,
		tenantID, id.ID, string(id.Type))
	return classify("timeseries", "delete_all", err)
}

func (s *Store) FindLatest(ctx context.Context, tenantID uuid.UUID, id entity.ID, key string) (store.KvEntry, error) {
	kv := store.KvEntry{Key: key}
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(value, ''), ts
		FROM housekeeper.ts_kv_latest
		WHERE tenant_id = $1 AND entity_id = $2 AND entity_type = $3 AND key = $4`,
		tenantID, id.ID, string(id.Type), key,
	).Scan(&kv.Value, &kv.TS)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.KvEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.KvEntry{}, classify("timeseries", "find_latest", err)
	}
	return kv, nil
}

func (s *Store) FindAll(ctx context.Context, tenantID uuid.UUID, id entity.ID, q store.TsQuery) ([]store.KvEntry, error) {
	order := "ASC"
	if q.Order == "DESC" {
		order = "DESC"
	}
	args := []any{tenantID, id.ID, string(id.Type), q.Key}
	where := "tenant_id = $1 AND entity_id = $2 AND entity_type = $3 AND key = $4"
	if q.StartTS > 0 {
		args = append(args, q.StartTS)
		where += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if q.EndTS > 0 {
		args = append(args, q.EndTS)
		where += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	sql := fmt.Sprintf(`
		SELECT key, COALESCE(value, ''), ts
		FROM housekeeper.ts_kv
		WHERE %s
		ORDER BY ts %s`, where, order)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("timeseries", "find_all", err)
	}
	defer rows.Close()
	var out []store.KvEntry
	for rows.Next() {
		var kv store.KvEntry
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.TS); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, classify("timeseries", "find_all", rows.Err())
}

// --- events ---

func (s *Store) DeleteAllEvents(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM housekeeper.event
		WHERE tenant_id = $1 AND entity_id = $2 AND entity_type = $3`,
		tenantID, id.ID, string(id.Type))
	return classify("events", "delete_all", err)
}

func (s *Store) FindEvents(ctx context.Context, tenantID uuid.UUID, id entity.ID, eventType string, page store.PageLink) ([]store.Event, error) {
	limit, off := offset(page)
	rows, err := s.db.Query(ctx, `
		SELECT id, event_type, ts, body
		FROM housekeeper.event
		WHERE tenant_id = $1 AND entity_id = $2 AND entity_type = $3
		  AND ($4 = '' OR event_type = $4)
		ORDER BY ts DESC
		LIMIT $5 OFFSET $6`,
		tenantID, id.ID, string(id.Type), eventType, limit, off)
	if err != nil {
		return nil, classify("events", "find", err)
	}
	defer rows.Close()
	var out []store.Event
	for rows.Next() {
		e := store.Event{TenantID: tenantID, EntityID: id}
		if err := rows.Scan(&e.ID, &e.Type, &e.TS, &e.Body); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify("events", "find", rows.Err())
}

// --- alarms ---

func (s *Store) DeleteEntityAlarms(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM housekeeper.alarm
		WHERE tenant_id = $1 AND originator_id = $2 AND originator_type = $3`,
		tenantID, id.ID, string(id.Type))
	return classify("alarms", "delete_entity_alarms", err)
}

func (s *Store) FindAlarmIDsByAssigneeID(ctx context.Context, tenantID, assigneeID uuid.UUID, page store.PageLink) ([]uuid.UUID, error) {
	limit, off := offset(page)
	rows, err := s.db.Query(ctx, `
		SELECT id
		FROM housekeeper.alarm
		WHERE tenant_id = $1 AND assignee_id = $2
		ORDER BY id
		LIMIT $3 OFFSET $4`,
		tenantID, assigneeID, limit, off)
	if err != nil {
		return nil, classify("alarms", "find_by_assignee", err)
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, classify("alarms", "find_by_assignee", rows.Err())
}

func (s *Store) ClearAssignee(ctx context.Context, tenantID, alarmID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE housekeeper.alarm
		SET assignee_id = NULL
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, alarmID)
	return classify("alarms", "clear_assignee", err)
}
