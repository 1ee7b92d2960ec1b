package processor

import (
	"context"
	"errors"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
)

// DeadLetterSink stores tasks the processor gave up on. A task is acked only
// after Put succeeds.
type DeadLetterSink interface {
	Put(ctx context.Context, dl housekeeper.DeadLetter) error
}

type DeadLetterFunc func(ctx context.Context, dl housekeeper.DeadLetter) error

func (f DeadLetterFunc) Put(ctx context.Context, dl housekeeper.DeadLetter) error { return f(ctx, dl) }

// LogSink writes dead letters to the structured log. It never fails.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Put(ctx context.Context, dl housekeeper.DeadLetter) error {
	entry := s.Logger.WithContext(ctx).
		WithTenant(dl.Task.TenantID).
		WithTaskType(string(dl.Task.TaskType)).
		WithFields(map[string]any{
			"attempt":    dl.Attempt,
			"reason":     dl.Reason,
			"last_error": dl.LastError,
		})
	if !dl.Task.EntityID.IsZero() {
		entry = entry.WithEntity(dl.Task.EntityID)
	}
	if dl.Task.EntityTypeFilter != "" {
		entry = entry.WithField("entity_type_filter", string(dl.Task.EntityTypeFilter))
	}
	entry.Error("task dead-lettered")
	return nil
}

// MultiSink writes to every sink and fails if any of them does. A retry
// after a partial failure may duplicate the letter in the sinks that
// succeeded; duplicates are preferred over loss.
type MultiSink []DeadLetterSink

func (m MultiSink) Put(ctx context.Context, dl housekeeper.DeadLetter) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Put(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
