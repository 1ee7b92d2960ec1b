package housekeeper

import "context"

// Handler drives one task to completion. It must be idempotent: a task may
// run again after a crash, a lost ack or a retry.
type Handler interface {
	Handle(ctx context.Context, t Task) error
}

type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }
