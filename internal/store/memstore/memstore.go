// Package memstore is an in-process implementation of every store contract.
// It backs STORE_BACKEND=memory and the end-to-end cleanup tests.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/store"
)

type attrKey struct {
	tenant uuid.UUID
	id     entity.ID
	scope  string
	key    string
}

type tsKey struct {
	tenant uuid.UUID
	id     entity.ID
	key    string
}

type relationRow struct {
	tenant uuid.UUID
	rel    store.Relation
}

type entityRow struct {
	tenant   uuid.UUID
	snapshot json.RawMessage
	parent   entity.ID
}

type Store struct {
	mu        sync.RWMutex
	attrs     map[attrKey]store.KvEntry
	latest    map[tsKey]store.KvEntry
	history   map[tsKey][]store.KvEntry
	events    map[uuid.UUID]store.Event
	alarms    map[uuid.UUID]store.Alarm
	relations []relationRow
	entities  map[entity.ID]entityRow
}

func New() *Store {
	return &Store{
		attrs:    make(map[attrKey]store.KvEntry),
		latest:   make(map[tsKey]store.KvEntry),
		history:  make(map[tsKey][]store.KvEntry),
		events:   make(map[uuid.UUID]store.Event),
		alarms:   make(map[uuid.UUID]store.Alarm),
		entities: make(map[entity.ID]entityRow),
	}
}

var (
	_ store.RelationStore   = (*Store)(nil)
	_ store.AttributeStore  = (*Store)(nil)
	_ store.TimeseriesStore = (*Store)(nil)
	_ store.EventStore      = (*Store)(nil)
	_ store.AlarmStore      = (*Store)(nil)
)

// --- relations ---

func (s *Store) SaveRelation(_ context.Context, tenantID uuid.UUID, r store.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, relationRow{tenant: tenantID, rel: r})
	return nil
}

// FindRelations returns relations where id is either endpoint
func (s *Store) FindRelations(_ context.Context, tenantID uuid.UUID, id entity.ID) ([]store.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Relation
	for _, r := range s.relations {
		if r.tenant == tenantID && (r.rel.From == id || r.rel.To == id) {
			out = append(out, r.rel)
		}
	}
	return out, nil
}

func (s *Store) DeleteAllRelations(_ context.Context, tenantID uuid.UUID, id entity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.relations[:0]
	for _, r := range s.relations {
		if r.tenant == tenantID && (r.rel.From == id || r.rel.To == id) {
			continue
		}
		kept = append(kept, r)
	}
	s.relations = kept
	return nil
}

// --- attributes ---

func (s *Store) SaveAttribute(_ context.Context, tenantID uuid.UUID, id entity.ID, scope string, kv store.KvEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[attrKey{tenantID, id, scope, kv.Key}] = kv
	return nil
}

func (s *Store) Find(_ context.Context, tenantID uuid.UUID, id entity.ID, scope, key string) (store.KvEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kv, ok := s.attrs[attrKey{tenantID, id, scope, key}]
	if !ok {
		return store.KvEntry{}, store.ErrNotFound
	}
	return kv, nil
}

func (s *Store) DeleteAllAttributes(_ context.Context, tenantID uuid.UUID, id entity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.attrs {
		if k.tenant == tenantID && k.id == id {
			delete(s.attrs, k)
		}
	}
	return nil
}

// --- time series ---

func (s *Store) SaveTelemetry(_ context.Context, tenantID uuid.UUID, id entity.ID, kv store.KvEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tsKey{tenantID, id, kv.Key}
	s.history[k] = append(s.history[k], kv)
	if cur, ok := s.latest[k]; !ok || kv.TS >= cur.TS {
		s.latest[k] = kv
	}
	return nil
}

func (s *Store) FindLatest(_ context.Context, tenantID uuid.UUID, id entity.ID, key string) (store.KvEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kv, ok := s.latest[tsKey{tenantID, id, key}]
	if !ok {
		return store.KvEntry{}, store.ErrNotFound
	}
	return kv, nil
}

func (s *Store) FindAll(_ context.Context, tenantID uuid.UUID, id entity.ID, q store.TsQuery) ([]store.KvEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.KvEntry
	for _, kv := range s.history[tsKey{tenantID, id, q.Key}] {
		if kv.TS >= q.StartTS && (q.EndTS == 0 || kv.TS <= q.EndTS) {
			out = append(out, kv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Order == "DESC" {
			return out[i].TS > out[j].TS
		}
		return out[i].TS < out[j].TS
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) DeleteAllSeries(_ context.Context, tenantID uuid.UUID, id entity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.latest {
		if k.tenant == tenantID && k.id == id {
			delete(s.latest, k)
		}
	}
	for k := range s.history {
		if k.tenant == tenantID && k.id == id {
			delete(s.history, k)
		}
	}
	return nil
}

// --- events ---

func (s *Store) SaveEvent(_ context.Context, e store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.events[e.ID] = e
	return nil
}

func (s *Store) FindEvents(_ context.Context, tenantID uuid.UUID, id entity.ID, eventType string, page store.PageLink) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Event
	for _, e := range s.events {
		if e.TenantID == tenantID && e.EntityID == id && (eventType == "" || e.Type == eventType) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	return paginate(out, page), nil
}

func (s *Store) DeleteAllEvents(_ context.Context, tenantID uuid.UUID, id entity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.events {
		if e.TenantID == tenantID && e.EntityID == id {
			delete(s.events, k)
		}
	}
	return nil
}

// --- alarms ---

func (s *Store) SaveAlarm(_ context.Context, a store.Alarm) (store.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.alarms[a.ID] = a
	return a, nil
}

func (s *Store) AssignAlarm(_ context.Context, tenantID, alarmID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[alarmID]
	if !ok || a.TenantID != tenantID {
		return store.ErrNotFound
	}
	a.AssigneeID = &userID
	s.alarms[alarmID] = a
	return nil
}

func (s *Store) FindAlarm(_ context.Context, tenantID, alarmID uuid.UUID) (store.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alarms[alarmID]
	if !ok || a.TenantID != tenantID {
		return store.Alarm{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) DeleteEntityAlarms(_ context.Context, tenantID uuid.UUID, id entity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, a := range s.alarms {
		if a.TenantID == tenantID && a.Originator == id {
			delete(s.alarms, k)
		}
	}
	return nil
}

func (s *Store) FindAlarmIDsByAssigneeID(_ context.Context, tenantID, assigneeID uuid.UUID, page store.PageLink) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uuid.UUID
	for _, a := range s.alarms {
		if a.TenantID == tenantID && a.AssigneeID != nil && *a.AssigneeID == assigneeID {
			out = append(out, a.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return paginate(out, page), nil
}

func (s *Store) ClearAssignee(_ context.Context, tenantID, alarmID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[alarmID]
	if !ok || a.TenantID != tenantID {
		return nil
	}
	a.AssigneeID = nil
	s.alarms[alarmID] = a
	return nil
}

func paginate[T any](items []T, page store.PageLink) []T {
	if page.PageSize <= 0 {
		return items
	}
	start := page.Page * page.PageSize
	if start >= len(items) {
		return nil
	}
	end := start + page.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
