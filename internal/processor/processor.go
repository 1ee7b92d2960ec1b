// Package processor drains the task channel and drives every task to ack,
// retry or dead-letter.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/housekeeper/internal/channel"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
	"github.com/austindbirch/housekeeper/internal/metrics"
	"github.com/austindbirch/housekeeper/internal/tracing"
)

const (
	statusOK         = "ok"
	statusRetry      = "retry"
	statusDeadLetter = "dead_letter"

	reasonUndecodable = "undecodable task"
)

type Options struct {
	Workers       int
	BatchSize     int
	MaxAttempts   int
	Backoff       Backoff
	Timeout       time.Duration                          // default handler timeout
	Timeouts      map[housekeeper.TaskType]time.Duration // per task type overrides
	TouchInterval time.Duration                          // 0 disables lease refresh
	DeadLetters   DeadLetterSink
	Logger        *logging.Logger
}

type Processor struct {
	ch       channel.Channel
	handlers map[housekeeper.TaskType]housekeeper.Handler
	opts     Options
	logger   *logging.Logger
	capacity int
	seq      int
}

func New(ch channel.Channel, handlers map[housekeeper.TaskType]housekeeper.Handler, opts Options) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 6
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("housekeeper-processor")
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = LogSink{Logger: opts.Logger}
	}
	return &Processor{
		ch:       ch,
		handlers: handlers,
		opts:     opts,
		logger:   opts.Logger,
		capacity: opts.Workers * opts.BatchSize,
	}
}

// Run blocks until ctx is done or the channel closes. Handlers already
// running are allowed to finish; queued deliveries are handed back to the
// channel without counting an attempt.
func (p *Processor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(p.capacity))
	disp := newDispatcher(p.capacity)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return p.fetch(gctx, sem, disp)
	})
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			p.work(gctx, sem, disp)
			return nil
		})
	}
	err := g.Wait()

	for _, it := range disp.drain() {
		if it.d != nil {
			_ = handBack(it.d)
		}
	}
	metrics.PendingTasks.Set(0)
	metrics.InFlightKeys.Set(0)
	return err
}

// handBack returns an untried delivery. Channels that cannot release fall
// back to Nack, which counts an attempt.
func handBack(d channel.Delivery) error {
	if r, ok := d.(channel.Releaser); ok {
		return r.Release()
	}
	return d.Nack(0)
}

func (p *Processor) fetch(ctx context.Context, sem *semaphore.Weighted, disp *dispatcher) error {
	batch := p.opts.BatchSize
	for {
		if err := sem.Acquire(ctx, int64(batch)); err != nil {
			return nil
		}
		ds, err := p.ch.NextBatch(ctx, batch)
		if err != nil {
			sem.Release(int64(batch))
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return fmt.Errorf("fetch tasks: %w", err)
		}
		if unused := batch - len(ds); unused > 0 {
			sem.Release(int64(unused))
		}
		for _, d := range ds {
			it := &item{d: d}
			it.task, it.decoErr = d.Task()
			disp.add(p.keyOf(it), it)
		}
	}
}

// keyOf gives undecodable deliveries a key of their own so they never block a real key
func (p *Processor) keyOf(it *item) string {
	if it.decoErr != nil {
		p.seq++
		return "undecodable/" + strconv.Itoa(p.seq)
	}
	return it.task.Key()
}

func (p *Processor) work(ctx context.Context, sem *semaphore.Weighted, disp *dispatcher) {
	for {
		// once stopping, queued keys are left for the hand-back in Run
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case key := <-disp.ready:
			if it := disp.take(key); it != nil {
				p.process(ctx, it)
				sem.Release(1)
			}
			disp.done(key)
		}
	}
}

func (p *Processor) timeout(tt housekeeper.TaskType) time.Duration {
	if d, ok := p.opts.Timeouts[tt]; ok && d > 0 {
		return d
	}
	return p.opts.Timeout
}

// process runs one delivery to its outcome. Handlers run on a context that
// survives shutdown so in-progress work is not cut short.
func (p *Processor) process(parent context.Context, it *item) {
	task := it.task
	base := context.WithoutCancel(parent)

	if it.decoErr != nil {
		p.deadLetter(base, it.d, task, 1, it.decoErr, reasonUndecodable)
		return
	}

	ctx := tracing.ExtractTaskHeaders(base, task.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "housekeeper.process",
		tracing.AttrTenantID.String(task.TenantID.String()),
		tracing.AttrTaskType.String(string(task.TaskType)),
		tracing.AttrAttempt.Int(task.Attempt),
	)
	defer span.End()
	if !task.EntityID.IsZero() {
		span.SetAttributes(
			tracing.AttrEntityType.String(string(task.EntityID.Type)),
			tracing.AttrEntityID.String(task.EntityID.ID.String()),
		)
	}

	log := p.logger.WithContext(ctx).WithTenant(task.TenantID).WithTaskType(string(task.TaskType))
	if !task.EntityID.IsZero() {
		log = log.WithEntity(task.EntityID)
	}

	if err := task.Validate(); err != nil {
		span.SetAttributes(tracing.AttrOutcome.String(statusDeadLetter))
		p.deadLetter(ctx, it.d, task, task.Attempt+1, err, "invalid task")
		return
	}
	h, ok := p.handlers[task.TaskType]
	if !ok {
		span.SetAttributes(tracing.AttrOutcome.String(statusDeadLetter))
		p.deadLetter(ctx, it.d, task, task.Attempt+1,
			housekeeper.Permanent("unsupported task type", fmt.Errorf("no handler for %s", task.TaskType)),
			"no handler registered")
		return
	}

	stopTouch := p.keepAlive(it.d)
	hctx, cancel := context.WithTimeout(ctx, p.timeout(task.TaskType))
	start := time.Now()
	err := h.Handle(hctx, task)
	took := time.Since(start)
	cancel()
	stopTouch()

	if err == nil {
		span.SetAttributes(tracing.AttrOutcome.String(statusOK))
		metrics.RecordProcessed(string(task.TaskType), statusOK, took)
		if ackErr := it.d.Ack(); ackErr != nil {
			// redelivery reruns an idempotent handler
			log.WithError(ackErr).Warn("ack failed")
		}
		log.WithField("took_ms", took.Milliseconds()).Debug("task done")
		return
	}

	tracing.SetSpanError(ctx, err)
	newAttempt := task.Attempt + 1
	if housekeeper.IsPermanent(err) {
		span.SetAttributes(tracing.AttrOutcome.String(statusDeadLetter))
		metrics.RecordProcessed(string(task.TaskType), statusDeadLetter, took)
		p.deadLetter(ctx, it.d, task, newAttempt, err, "permanent failure")
		return
	}

	reason := classifyReason(err)
	metrics.RecordRetry(reason)
	if newAttempt >= p.opts.MaxAttempts {
		span.SetAttributes(tracing.AttrOutcome.String(statusDeadLetter))
		metrics.RecordProcessed(string(task.TaskType), statusDeadLetter, took)
		p.deadLetter(ctx, it.d, task, newAttempt, err, fmt.Sprintf("max attempts reached (%d)", newAttempt))
		return
	}

	delay := p.opts.Backoff.Delay(newAttempt)
	span.SetAttributes(tracing.AttrOutcome.String(statusRetry))
	tracing.AddSpanEvent(ctx, "task.requeue",
		attribute.Int("attempt", newAttempt),
		attribute.String("delay", delay.String()),
	)
	metrics.RecordProcessed(string(task.TaskType), statusRetry, took)
	log.WithError(err).WithFields(map[string]any{
		"attempt": newAttempt,
		"delay":   delay.String(),
		"reason":  reason,
	}).Warn("requeue task")
	if nackErr := it.d.Nack(delay); nackErr != nil {
		log.WithError(nackErr).Error("nack failed")
	}
}

// deadLetter stores the task and acks it. When the sink fails the task is
// nacked instead so the letter is not lost.
func (p *Processor) deadLetter(ctx context.Context, d channel.Delivery, task housekeeper.Task, attempt int, cause error, reason string) {
	dl := housekeeper.NewDeadLetter(task, attempt, cause.Error(), reason)
	if err := p.opts.DeadLetters.Put(ctx, dl); err != nil {
		delay := p.opts.Backoff.Delay(attempt)
		p.logger.WithContext(ctx).WithTaskType(string(task.TaskType)).WithError(err).
			WithField("delay", delay.String()).
			Error("dead-letter sink failed, requeueing task")
		metrics.RecordRetry("dead_letter_sink")
		_ = d.Nack(delay)
		return
	}
	tracing.AddSpanEvent(ctx, "task.dead_lettered", attribute.String("reason", reason))
	metrics.RecordDLQ(string(task.TaskType), dlqReason(cause, reason))
	if err := d.Ack(); err != nil {
		p.logger.WithContext(ctx).WithTaskType(string(task.TaskType)).WithError(err).Warn("ack after dead-letter failed")
	}
}

func dlqReason(cause error, reason string) string {
	switch {
	case reason == reasonUndecodable:
		return "undecodable"
	case housekeeper.IsPermanent(cause):
		return "permanent"
	default:
		return "max_attempts"
	}
}

// keepAlive touches deliveries that hold a lease until the handler returns
func (p *Processor) keepAlive(d channel.Delivery) func() {
	t, ok := d.(channel.Toucher)
	if !ok || p.opts.TouchInterval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.TouchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.Touch()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
