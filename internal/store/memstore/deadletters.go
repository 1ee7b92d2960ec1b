package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/store"
)

// DeadLetters keeps dead-lettered tasks in memory, newest first on read
type DeadLetters struct {
	mu      sync.Mutex
	records []store.DeadLetterRecord
	nextID  int64
}

func NewDeadLetters() *DeadLetters {
	return &DeadLetters{}
}

func (d *DeadLetters) Put(_ context.Context, dl housekeeper.DeadLetter) error {
	raw, err := dl.Task.Encode()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	rec := store.DeadLetterRecord{
		ID:        d.nextID,
		TaskType:  string(dl.Task.TaskType),
		TenantID:  dl.Task.TenantID,
		Attempt:   dl.Attempt,
		Reason:    dl.Reason,
		LastError: dl.LastError,
		Task:      raw,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !dl.Task.EntityID.IsZero() {
		rec.EntityID = dl.Task.EntityID.String()
	}
	d.records = append(d.records, rec)
	return nil
}

func (d *DeadLetters) ListDeadLetters(_ context.Context, limit int) ([]store.DeadLetterRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.DeadLetterRecord
	for i := len(d.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, d.records[i])
	}
	return out, nil
}

// Len is the number of stored dead letters
func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}
