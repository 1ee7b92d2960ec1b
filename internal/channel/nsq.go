package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
)

// MaxRequeueDelay is nsqd's default --max-req-timeout
const MaxRequeueDelay = time.Hour

// publisher is the part of *nsq.Producer the channel needs
type publisher interface {
	Publish(topic string, body []byte) error
	MultiPublish(topic string, body [][]byte) error
	Ping() error
	Stop()
}

type NSQOptions struct {
	NsqdTCPAddr    string
	LookupHTTPAddr string
	Topic          string
	Channel        string
	MaxInFlight    int
	MsgTimeout     time.Duration // lease per message before nsqd redelivers it
}

// NSQ is the durable task channel. Submit is a single MPUB, which nsqd
// applies atomically. Per-key order holds on first delivery from one nsqd
// only. A requeued message comes back after later messages of its key, and
// two consumers on the same NSQ channel can run one key at the same time;
// the processor serializes a key only among the deliveries it holds.
// Handlers are idempotent per entity, so neither changes the end state.
//
// Messages parked in HandleMessage or queued behind a busy key are not
// touched. Under a backlog they can outlive MsgTimeout and nsqd redelivers
// them; the original response then fails with ErrAlreadyResponded or nsqd
// drops it, and the duplicate runs an idempotent handler again.
type NSQ struct {
	opts     NSQOptions
	producer publisher
	logger   *logging.Logger

	mu       sync.Mutex
	consumer *nsq.Consumer

	deliveries chan *nsqDelivery
	done       chan struct{}
	closeOnce  sync.Once
}

// NewNSQ connects the producer side. Call Consume before NextBatch.
func NewNSQ(opts NSQOptions, logger *logging.Logger) (*NSQ, error) {
	if opts.Topic == "" {
		return nil, errors.New("nsq: topic is required")
	}
	p, err := nsq.NewProducer(opts.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	return newNSQ(opts, p, logger), nil
}

func newNSQ(opts NSQOptions, p publisher, logger *logging.Logger) *NSQ {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 200
	}
	return &NSQ{
		opts:       opts,
		producer:   p,
		logger:     logger,
		deliveries: make(chan *nsqDelivery),
		done:       make(chan struct{}),
	}
}

// Submit publishes all tasks in one MPUB
func (c *NSQ) Submit(_ context.Context, tasks ...housekeeper.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	select {
	case <-c.done:
		return housekeeper.Unavailable(ErrClosed)
	default:
	}
	bodies := make([][]byte, len(tasks))
	for i, t := range tasks {
		b, err := t.Encode()
		if err != nil {
			return housekeeper.Unavailable(fmt.Errorf("encode %s: %w", t.TaskType, err))
		}
		bodies[i] = b
	}
	var err error
	if len(bodies) == 1 {
		err = c.producer.Publish(c.opts.Topic, bodies[0])
	} else {
		err = c.producer.MultiPublish(c.opts.Topic, bodies)
	}
	if err != nil {
		return housekeeper.Unavailable(fmt.Errorf("nsq publish %s: %w", c.opts.Topic, err))
	}
	return nil
}

// Consume subscribes to the task topic. Connecting to nsqd directly forces
// the channel to exist before the first publish.
func (c *NSQ) Consume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer != nil {
		return nil
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = c.opts.MaxInFlight
	if c.opts.MsgTimeout > 0 {
		conf.MsgTimeout = c.opts.MsgTimeout
	}
	consumer, err := nsq.NewConsumer(c.opts.Topic, c.opts.Channel, conf)
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger{c.logger}, nsq.LogLevelWarning)
	consumer.AddHandler(c)

	if c.opts.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(c.opts.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if c.opts.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(c.opts.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	c.consumer = consumer
	return nil
}

// HandleMessage parks the message until a worker picks it up. The response
// is sent later through the Delivery.
func (c *NSQ) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	select {
	case c.deliveries <- &nsqDelivery{m: m}:
	case <-c.done:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

func (c *NSQ) NextBatch(ctx context.Context, max int) ([]Delivery, error) {
	if max < 1 {
		max = 1
	}
	var out []Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case d := <-c.deliveries:
		out = append(out, d)
	}
	for len(out) < max {
		select {
		case d := <-c.deliveries:
			out = append(out, d)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Ping checks the producer connection, for health checks
func (c *NSQ) Ping() error {
	return c.producer.Ping()
}

// Close stops the consumer and then the producer. Messages still parked in
// HandleMessage are requeued.
func (c *NSQ) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		consumer := c.consumer
		c.mu.Unlock()
		if consumer != nil {
			consumer.Stop()
			<-consumer.StopChan
		}
		c.producer.Stop()
	})
	return nil
}

type nsqDelivery struct {
	m *nsq.Message
}

// Task decodes the body. nsqd counts deliveries itself, so the attempt is
// taken from the message when the body is behind.
func (d *nsqDelivery) Task() (housekeeper.Task, error) {
	t, err := housekeeper.Decode(d.m.Body)
	if err != nil {
		return t, err
	}
	if n := int(d.m.Attempts) - 1; n > t.Attempt {
		t.Attempt = n
	}
	return t, nil
}

func (d *nsqDelivery) Ack() error {
	if d.m.HasResponded() {
		return ErrAlreadyResponded
	}
	d.m.Finish()
	return nil
}

// Nack requeues without consumer backoff; one failing key must not slow the others
func (d *nsqDelivery) Nack(delay time.Duration) error {
	if d.m.HasResponded() {
		return ErrAlreadyResponded
	}
	if delay > MaxRequeueDelay {
		delay = MaxRequeueDelay
	}
	d.m.RequeueWithoutBackoff(delay)
	return nil
}

// Release requeues immediately. The task body is unchanged, but nsqd still
// counts the redelivery in Attempts, so Task may report one attempt more.
func (d *nsqDelivery) Release() error {
	if d.m.HasResponded() {
		return ErrAlreadyResponded
	}
	d.m.RequeueWithoutBackoff(0)
	return nil
}

func (d *nsqDelivery) Touch() {
	if !d.m.HasResponded() {
		d.m.Touch()
	}
}

// NSQDeadLetters publishes dead-letter envelopes to a topic
type NSQDeadLetters struct {
	p     publisher
	topic string
}

// DeadLetters returns a sink publishing to topic over this channel's producer
func (c *NSQ) DeadLetters(topic string) *NSQDeadLetters {
	return &NSQDeadLetters{p: c.producer, topic: topic}
}

func (s *NSQDeadLetters) Put(_ context.Context, dl housekeeper.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := s.p.Publish(s.topic, b); err != nil {
		return fmt.Errorf("nsq publish %s: %w", s.topic, err)
	}
	return nil
}

// nsqLogger routes go-nsq's internal log lines into the JSON logger
type nsqLogger struct {
	l *logging.Logger
}

func (n nsqLogger) Output(_ int, s string) error {
	if n.l == nil {
		return nil
	}
	entry := n.l.Plain().WithField("component", "nsq")
	switch {
	case strings.HasPrefix(s, "ERR"):
		entry.Error(s)
	case strings.HasPrefix(s, "WRN"):
		entry.Warn(s)
	default:
		entry.Debug(s)
	}
	return nil
}
