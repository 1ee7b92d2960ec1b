package postgres

import (
	"context"
	"time"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/store"
)

// DeadLetters persists dead-lettered tasks to housekeeper.dead_letter
type DeadLetters struct {
	db DB
}

func NewDeadLetters(db DB) *DeadLetters {
	return &DeadLetters{db: db}
}

func (d *DeadLetters) Put(ctx context.Context, dl housekeeper.DeadLetter) error {
	raw, err := dl.Task.Encode()
	if err != nil {
		return housekeeper.Permanent("encode dead letter", err)
	}
	var entityID *string
	if !dl.Task.EntityID.IsZero() {
		s := dl.Task.EntityID.String()
		entityID = &s
	}
	_, err = d.db.Exec(ctx, `
		INSERT INTO housekeeper.dead_letter(task_type, tenant_id, entity_id, attempt, reason, last_error, task)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		string(dl.Task.TaskType), dl.Task.TenantID, entityID, dl.Attempt, dl.Reason, dl.LastError, raw)
	return classify("dead_letters", "put", err)
}

// ListDeadLetters returns the newest records first
func (d *DeadLetters) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(ctx, `
		SELECT id, task_type, tenant_id, COALESCE(entity_id, ''), attempt, reason,
		       COALESCE(last_error, ''), task, created_at
		FROM housekeeper.dead_letter
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify("dead_letters", "list", err)
	}
	defer rows.Close()

	var out []store.DeadLetterRecord
	for rows.Next() {
		var (
			rec store.DeadLetterRecord
			at  time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.TaskType, &rec.TenantID, &rec.EntityID, &rec.Attempt,
			&rec.Reason, &rec.LastError, &rec.Task, &at); err != nil {
			return nil, err
		}
		rec.CreatedAt = at.UTC().Format(time.RFC3339Nano)
		out = append(out, rec)
	}
	return out, classify("dead_letters", "list", rows.Err())
}
