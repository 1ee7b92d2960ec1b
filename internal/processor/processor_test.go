package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/austindbirch/housekeeper/internal/channel"
	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu      sync.Mutex
	letters []housekeeper.DeadLetter
	failN   int
}

func (s *recordingSink) Put(_ context.Context, dl housekeeper.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("dlq table unavailable")
	}
	s.letters = append(s.letters, dl)
	return nil
}

func (s *recordingSink) all() []housekeeper.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]housekeeper.DeadLetter(nil), s.letters...)
}

func quietLogger() *logging.Logger {
	return logging.New("processor-test").SetLevel(logging.LevelFatal)
}

func testOptions(sink DeadLetterSink) Options {
	return Options{
		Workers:     4,
		BatchSize:   4,
		MaxAttempts: 3,
		Backoff:     Backoff{Schedule: []time.Duration{time.Millisecond, 2 * time.Millisecond}},
		Timeout:     time.Second,
		DeadLetters: sink,
		Logger:      quietLogger(),
	}
}

func allTypes(h housekeeper.HandlerFunc) map[housekeeper.TaskType]housekeeper.Handler {
	out := make(map[housekeeper.TaskType]housekeeper.Handler)
	for _, tt := range housekeeper.TaskTypes {
		out[tt] = h
	}
	return out
}

// runUntil runs p until cond holds, then stops it and waits for Run to return
func runUntil(t *testing.T, p *Processor, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-errc
			t.Fatal("condition not met before deadline")
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestProcessor_SuccessAcks(t *testing.T) {
	ch := channel.NewMemory(0)
	tenant := uuid.New()
	device := entity.NewID(entity.Device)
	var handled atomic.Int32

	p := New(ch, allTypes(func(context.Context, housekeeper.Task) error {
		handled.Add(1)
		return nil
	}), testOptions(&recordingSink{}))

	_ = ch.Submit(context.Background(),
		housekeeper.NewDeleteAttributes(tenant, device),
		housekeeper.NewDeleteTelemetry(tenant, device),
		housekeeper.NewDeleteEvents(tenant, device),
		housekeeper.NewDeleteEntityAlarms(tenant, device),
	)
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	if handled.Load() != 4 {
		t.Errorf("handled = %d, want 4", handled.Load())
	}
}

func TestProcessor_RetriesTransientFailures(t *testing.T) {
	ch := channel.NewMemory(0)
	sink := &recordingSink{}
	var mu sync.Mutex
	var attempts []int

	p := New(ch, allTypes(func(_ context.Context, task housekeeper.Task) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, task.Attempt)
		if task.Attempt < 2 {
			return housekeeper.Transient("timeseries", "delete", errors.New("connection reset"))
		}
		return nil
	}), testOptions(sink))

	_ = ch.Submit(context.Background(), housekeeper.NewDeleteTelemetry(uuid.New(), entity.NewID(entity.Device)))
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(attempts) != "[0 1 2]" {
		t.Errorf("attempts seen = %v, want [0 1 2]", attempts)
	}
	if len(sink.all()) != 0 {
		t.Errorf("unexpected dead letters: %+v", sink.all())
	}
}

func TestProcessor_DeadLettersAfterMaxAttempts(t *testing.T) {
	ch := channel.NewMemory(0)
	sink := &recordingSink{}
	var calls atomic.Int32

	p := New(ch, allTypes(func(context.Context, housekeeper.Task) error {
		calls.Add(1)
		return errors.New("store down")
	}), testOptions(sink))

	task := housekeeper.NewDeleteEvents(uuid.New(), entity.NewID(entity.Device))
	_ = ch.Submit(context.Background(), task)
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	letters := sink.all()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.Attempt != 3 || dl.Reason != "max attempts reached (3)" || dl.LastError != "store down" {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.Task.EntityID != task.EntityID || dl.Type != housekeeper.DLQType {
		t.Errorf("dead letter task = %+v", dl.Task)
	}
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
}

func TestProcessor_PermanentErrorSkipsRetries(t *testing.T) {
	ch := channel.NewMemory(0)
	sink := &recordingSink{}
	var calls atomic.Int32

	p := New(ch, allTypes(func(context.Context, housekeeper.Task) error {
		calls.Add(1)
		return housekeeper.Permanent("unsupported entity", errors.New("no service"))
	}), testOptions(sink))

	_ = ch.Submit(context.Background(), housekeeper.NewDeleteEntities(uuid.New(), entity.Dashboard))
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if letters := sink.all(); len(letters) != 1 || letters[0].Attempt != 1 || letters[0].Reason != "permanent failure" {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestProcessor_InvalidAndUndecodableTasks(t *testing.T) {
	ch := channel.NewMemory(0)
	sink := &recordingSink{}
	var calls atomic.Int32

	p := New(ch, allTypes(func(context.Context, housekeeper.Task) error {
		calls.Add(1)
		return nil
	}), testOptions(sink))

	_ = ch.SubmitRaw("garbage", []byte("not a task"))
	bad := housekeeper.NewDeleteEvents(uuid.New(), entity.ID{})
	_ = ch.Submit(context.Background(), bad)
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	if calls.Load() != 0 {
		t.Errorf("handler ran %d times for broken tasks", calls.Load())
	}
	reasons := map[string]bool{}
	for _, dl := range sink.all() {
		reasons[dl.Reason] = true
	}
	if !reasons[reasonUndecodable] || !reasons["invalid task"] {
		t.Errorf("dead letter reasons = %v", reasons)
	}
}

func TestProcessor_MissingHandler(t *testing.T) {
	ch := channel.NewMemory(0)
	sink := &recordingSink{}
	p := New(ch, map[housekeeper.TaskType]housekeeper.Handler{}, testOptions(sink))

	_ = ch.Submit(context.Background(), housekeeper.NewDeleteRelations(uuid.New(), entity.NewID(entity.Asset)))
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	if letters := sink.all(); len(letters) != 1 || letters[0].Reason != "no handler registered" {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestProcessor_SinkFailureKeepsTask(t *testing.T) {
	ch := channel.NewMemory(0)
	sink := &recordingSink{failN: 2}

	p := New(ch, allTypes(func(context.Context, housekeeper.Task) error {
		return housekeeper.Permanent("bad", nil)
	}), testOptions(sink))

	_ = ch.Submit(context.Background(), housekeeper.NewDeleteAttributes(uuid.New(), entity.NewID(entity.Device)))
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	if letters := sink.all(); len(letters) != 1 {
		t.Errorf("dead letters = %d, want exactly 1 after sink recovered", len(letters))
	}
}

func TestProcessor_PerTypeTimeout(t *testing.T) {
	ch := channel.NewMemory(0)
	sink := &recordingSink{}
	opts := testOptions(sink)
	opts.MaxAttempts = 1
	opts.Timeouts = map[housekeeper.TaskType]time.Duration{housekeeper.DeleteTelemetry: 10 * time.Millisecond}

	p := New(ch, allTypes(func(ctx context.Context, _ housekeeper.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}), opts)

	_ = ch.Submit(context.Background(), housekeeper.NewDeleteTelemetry(uuid.New(), entity.NewID(entity.Device)))
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	letters := sink.all()
	if len(letters) != 1 || letters[0].LastError != context.DeadlineExceeded.Error() {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestProcessor_OneWorkerPerKeyInOrder(t *testing.T) {
	ch := channel.NewMemory(0)
	tenant := uuid.New()
	keys := []entity.ID{
		entity.NewID(entity.Device),
		entity.NewID(entity.Asset),
		entity.NewID(entity.User),
	}

	var (
		mu       sync.Mutex
		running  = map[entity.ID]int{}
		seen     = map[entity.ID][]housekeeper.TaskType{}
		overlaps int
	)
	p := New(ch, allTypes(func(_ context.Context, task housekeeper.Task) error {
		mu.Lock()
		running[task.EntityID]++
		if running[task.EntityID] > 1 {
			overlaps++
		}
		seen[task.EntityID] = append(seen[task.EntityID], task.TaskType)
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		running[task.EntityID]--
		mu.Unlock()
		return nil
	}), testOptions(&recordingSink{}))

	order := []func(uuid.UUID, entity.ID) housekeeper.Task{
		housekeeper.NewDeleteAttributes,
		housekeeper.NewDeleteTelemetry,
		housekeeper.NewDeleteEvents,
		housekeeper.NewDeleteEntityAlarms,
		housekeeper.NewDeleteRelations,
	}
	for _, build := range order {
		for _, id := range keys {
			_ = ch.Submit(context.Background(), build(tenant, id))
		}
	}
	runUntil(t, p, func() bool { return ch.Len() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if overlaps != 0 {
		t.Errorf("a key was handled by two workers at once %d times", overlaps)
	}
	want := fmt.Sprint([]housekeeper.TaskType{
		housekeeper.DeleteAttributes,
		housekeeper.DeleteTelemetry,
		housekeeper.DeleteEvents,
		housekeeper.DeleteEntityAlarms,
		housekeeper.DeleteRelations,
	})
	for _, id := range keys {
		if got := fmt.Sprint(seen[id]); got != want {
			t.Errorf("key %s order = %s, want %s", id, got, want)
		}
	}
}

func TestProcessor_RunStopsWhenChannelCloses(t *testing.T) {
	ch := channel.NewMemory(0)
	p := New(ch, allTypes(func(context.Context, housekeeper.Task) error { return nil }), testOptions(&recordingSink{}))

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	_ = ch.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after channel close")
	}
}

func TestProcessor_ShutdownHandsBackQueuedWithoutAttempt(t *testing.T) {
	ch := channel.NewMemory(0)
	tenant := uuid.New()
	busy := housekeeper.NewDeleteAttributes(tenant, entity.NewID(entity.Device))
	queued := housekeeper.NewDeleteAttributes(tenant, entity.NewID(entity.Asset))
	_ = ch.Submit(context.Background(), busy, queued)

	started := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32
	var ran entity.ID
	handler := func(_ context.Context, task housekeeper.Task) error {
		if calls.Add(1) == 1 {
			ran = task.EntityID
			close(started)
			<-unblock
		}
		return nil
	}
	opts := testOptions(&recordingSink{})
	opts.Workers = 1
	opts.BatchSize = 2
	p := New(ch, allTypes(handler), opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	close(unblock)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	if ch.Len() != 1 {
		t.Fatalf("Len() = %d, want the queued task back", ch.Len())
	}
	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	ds, err := ch.NextBatch(rctx, 2)
	if err != nil || len(ds) != 1 {
		t.Fatalf("NextBatch() = %d, %v", len(ds), err)
	}
	task, err := ds[0].Task()
	if err != nil {
		t.Fatal(err)
	}
	if task.EntityID == ran || (task.EntityID != busy.EntityID && task.EntityID != queued.EntityID) {
		t.Errorf("handed back %s, want the task that did not run", task.EntityID)
	}
	if task.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0 for a task that never ran", task.Attempt)
	}
	_ = ds[0].Ack()
}

type touchDelivery struct {
	touches atomic.Int32
}

func (d *touchDelivery) Task() (housekeeper.Task, error) { return housekeeper.Task{}, nil }
func (d *touchDelivery) Ack() error                      { return nil }
func (d *touchDelivery) Nack(time.Duration) error        { return nil }
func (d *touchDelivery) Touch()                          { d.touches.Add(1) }

func TestProcessor_KeepAliveTouches(t *testing.T) {
	p := New(channel.NewMemory(0), nil, Options{TouchInterval: 2 * time.Millisecond, Logger: quietLogger()})
	d := &touchDelivery{}

	stop := p.keepAlive(d)
	time.Sleep(20 * time.Millisecond)
	stop()
	if d.touches.Load() == 0 {
		t.Error("long running delivery was never touched")
	}

	noTouch := New(channel.NewMemory(0), nil, Options{Logger: quietLogger()})
	noTouch.keepAlive(d)()
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{failN: 1}
	sink := MultiSink{ok, nil, failing, LogSink{Logger: quietLogger()}}
	dl := housekeeper.NewDeadLetter(housekeeper.NewDeleteEvents(uuid.New(), entity.NewID(entity.Device)), 6, "boom", "max attempts reached (6)")

	if err := sink.Put(context.Background(), dl); err == nil {
		t.Error("MultiSink.Put() should fail when one sink fails")
	}
	if err := sink.Put(context.Background(), dl); err != nil {
		t.Errorf("MultiSink.Put() error: %v", err)
	}
	if len(ok.all()) != 2 || len(failing.all()) != 1 {
		t.Errorf("ok = %d, failing = %d", len(ok.all()), len(failing.all()))
	}

	var got housekeeper.DeadLetter
	fn := DeadLetterFunc(func(_ context.Context, dl housekeeper.DeadLetter) error {
		got = dl
		return nil
	})
	_ = fn.Put(context.Background(), dl)
	if got.Reason != dl.Reason {
		t.Errorf("DeadLetterFunc received %+v", got)
	}
}
