package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/store"
)

type execCall struct {
	sql  string
	args []any
}

// execDB records Exec calls; the read paths are not exercised here
type execDB struct {
	calls []execCall
	err   error
}

func (f *execDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("DELETE 0"), f.err
}

func (f *execDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *execDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{name: "nil", err: nil},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, wantTransient: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, wantTransient: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, wantTransient: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, wantTransient: true},
		{name: "invalid text", err: &pgconn.PgError{Code: "22P02"}, wantPermanent: true},
		{name: "fk violation", err: &pgconn.PgError{Code: "23503"}, wantPermanent: true},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}, wantPermanent: true},
		{name: "wrapped pg error", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "42703"}), wantPermanent: true},
		{name: "network error", err: errors.New("dial tcp: connection refused"), wantTransient: true},
		{name: "deadline", err: context.DeadlineExceeded, wantTransient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("relations", "delete_all", tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("classify(nil) = %v", got)
				}
				return
			}
			if housekeeper.IsTransient(got) != tt.wantTransient {
				t.Errorf("IsTransient(%v) = %v, want %v", got, !tt.wantTransient, tt.wantTransient)
			}
			if housekeeper.IsPermanent(got) != tt.wantPermanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", got, !tt.wantPermanent, tt.wantPermanent)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not wrap the cause")
			}
		})
	}
}

func TestOffset(t *testing.T) {
	tests := []struct {
		page      store.PageLink
		wantLimit int
		wantOff   int
	}{
		{store.PageLink{}, 100, 0},
		{store.PageLink{Page: 2, PageSize: 25}, 25, 50},
		{store.PageLink{Page: -1, PageSize: 10}, 10, 0},
	}
	for _, tt := range tests {
		limit, off := offset(tt.page)
		if limit != tt.wantLimit || off != tt.wantOff {
			t.Errorf("offset(%+v) = %d, %d; want %d, %d", tt.page, limit, off, tt.wantLimit, tt.wantOff)
		}
	}
}

func TestDeletesAreScopedToTenantAndEntity(t *testing.T) {
	ctx := context.Background()
	db := &execDB{}
	s := New(db)
	tenant := uuid.New()
	device := entity.NewID(entity.Device)

	ops := []struct {
		table string
		run   func() error
	}{
		{"housekeeper.relation", func() error { return s.DeleteAllRelations(ctx, tenant, device) }},
		{"housekeeper.attribute_kv", func() error { return s.DeleteAllAttributes(ctx, tenant, device) }},
		{"housekeeper.ts_kv_latest", func() error { return s.DeleteAllSeries(ctx, tenant, device) }},
		{"housekeeper.event", func() error { return s.DeleteAllEvents(ctx, tenant, device) }},
		{"housekeeper.alarm", func() error { return s.DeleteEntityAlarms(ctx, tenant, device) }},
	}
	for i, op := range ops {
		if err := op.run(); err != nil {
			t.Fatalf("delete from %s error: %v", op.table, err)
		}
		call := db.calls[i]
		if !strings.Contains(call.sql, op.table) {
			t.Errorf("call %d sql does not touch %s:\n%s", i, op.table, call.sql)
		}
		want := []any{tenant, device.ID, string(device.Type)}
		if len(call.args) != len(want) {
			t.Fatalf("call %d args = %v, want %v", i, call.args, want)
		}
		for j := range want {
			if call.args[j] != want[j] {
				t.Errorf("call %d arg %d = %v, want %v", i, j, call.args[j], want[j])
			}
		}
	}
}

func TestClearAssigneeKeepsAlarm(t *testing.T) {
	db := &execDB{}
	if err := New(db).ClearAssignee(context.Background(), uuid.New(), uuid.New()); err != nil {
		t.Fatal(err)
	}
	sql := db.calls[0].sql
	if !strings.Contains(sql, "UPDATE housekeeper.alarm") || strings.Contains(sql, "DELETE") {
		t.Errorf("ClearAssignee sql = %s", sql)
	}
}

func TestStoreErrorsAreClassified(t *testing.T) {
	db := &execDB{err: &pgconn.PgError{Code: "57014"}}
	err := New(db).DeleteAllEvents(context.Background(), uuid.New(), entity.NewID(entity.Asset))
	if !housekeeper.IsTransient(err) {
		t.Errorf("query canceled error = %v, want transient", err)
	}

	db.err = &pgconn.PgError{Code: "42P01"}
	reg, err := New(db).Registry(entity.Device)
	if err != nil {
		t.Fatal(err)
	}
	svc, _ := reg.Service(entity.Device)
	if err := svc.Delete(context.Background(), uuid.New(), entity.NewID(entity.Device)); !housekeeper.IsPermanent(err) {
		t.Errorf("missing table error = %v, want permanent", err)
	}
}

func TestEntityDeleteTakesDependents(t *testing.T) {
	db := &execDB{}
	reg, _ := New(db).Registry(entity.RuleChain)
	svc, _ := reg.Service(entity.RuleChain)
	tenant := uuid.New()
	chain := entity.NewID(entity.RuleChain)

	_ = svc.Delete(context.Background(), tenant, chain)
	_ = svc.DeleteByTenantID(context.Background(), tenant)
	for _, c := range db.calls {
		if !strings.Contains(c.sql, "parent_id") {
			t.Errorf("delete does not remove dependents:\n%s", c.sql)
		}
	}
	if got := db.calls[1].args[1]; got != string(entity.RuleChain) {
		t.Errorf("DeleteByTenantID type arg = %v", got)
	}
}

func TestDeadLettersPut(t *testing.T) {
	db := &execDB{}
	d := NewDeadLetters(db)
	tenant := uuid.New()
	task := housekeeper.NewDeleteEntities(tenant, entity.Device)

	dl := housekeeper.NewDeadLetter(task, 6, "connection refused", "max attempts reached (6)")
	if err := d.Put(context.Background(), dl); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	args := db.calls[0].args
	if args[0] != string(housekeeper.DeleteEntitiesByType) || args[1] != tenant || args[3] != 6 {
		t.Errorf("Put() args = %v", args)
	}
	if eid, ok := args[2].(*string); !ok || eid != nil {
		t.Errorf("bulk task entity_id arg = %v, want nil", args[2])
	}

	db.err = errors.New("connection reset by peer")
	if err := d.Put(context.Background(), dl); !housekeeper.IsTransient(err) {
		t.Errorf("Put() error = %v, want transient", err)
	}
}
