package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"cadflog/internal/platform/metrics"
)

// DefaultReconnectDelay is the fixed wait between losing the connection and
// dialing again.
const DefaultReconnectDelay = 5 * time.Second

// ErrConnect is returned by Run when the very first connection attempt fails.
var ErrConnect = errors.New("connect to broker")

// Topology names what the consumer declares after every (re)connect.
type Topology struct {
	Exchange   string
	Queue      string
	BindingKey string
	Durable    bool
}

// Handler receives message bodies one at a time, in delivery order.
type Handler interface {
	Handle(ctx context.Context, body []byte)
}

// Status is a point-in-time view of the consumer for health reporting.
type Status struct {
	State      string `json:"state"`
	Consuming  bool   `json:"consuming"`
	Reconnects int64  `json:"reconnects"`
}

// Consumer owns the broker connection. All transitions, actions and handler
// calls happen on the goroutine running Run.
type Consumer struct {
	uri      string
	topology Topology
	handler  Handler
	dial     DialFunc
	delay    time.Duration
	tag      string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Loop-owned state.
	machine    Machine
	pending    []Event
	conn       Connection
	ch         Channel
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	cancelled  chan string
	deliveries <-chan amqp.Delivery
	timer      *time.Timer
	lastErr    error
	err        error
	stopped    bool

	// Mirrors readable from any goroutine.
	state      atomic.Int32
	reconnects atomic.Int64
}

// Option configures the Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Consumer) {
		c.dial = dial
	}
}

// NewConsumer creates a consumer for uri. Nothing is dialed until Run.
func NewConsumer(uri string, topology Topology, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		uri:      uri,
		topology: topology,
		handler:  handler,
		dial:     Dial,
		delay:    DefaultReconnectDelay,
		tag:      "cadflog-" + uuid.NewString(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Ready reports whether the subscription is live.
func (c *Consumer) Ready() bool {
	return c.State() == Consuming
}

// Status returns the health view of the consumer.
func (c *Consumer) Status() Status {
	s := c.State()
	return Status{
		State:      s.String(),
		Consuming:  s == Consuming,
		Reconnects: c.reconnects.Load(),
	}
}

// Run connects, consumes until ctx is cancelled, then closes the subscription,
// the channel and the connection in that order. It returns nil after a clean
// shutdown and an error wrapping ErrConnect when the first dial fails.
// Connection failures after that are retried forever.
func (c *Consumer) Run(ctx context.Context) error {
	handlerCtx := context.WithoutCancel(ctx)
	done := ctx.Done()

	c.emit(Start)
	for {
		c.drain()
		if c.stopped {
			return c.err
		}

		select {
		case <-done:
			done = nil
			c.logger.Info("shutting down broker consumer")
			c.emit(Shutdown)

		case amqpErr, ok := <-c.connClosed:
			c.connClosed = nil
			c.lost(ConnectionLost, amqpErr, ok)

		case amqpErr, ok := <-c.chanClosed:
			c.chanClosed = nil
			c.lost(ChannelClosed, amqpErr, ok)

		case tag, ok := <-c.cancelled:
			c.cancelled = nil
			if ok {
				c.logger.Warn("broker cancelled the consumer", "consumer_tag", tag)
				c.emit(ConsumerCancelled)
			}

		case d, ok := <-c.deliveries:
			if !ok {
				c.deliveries = nil
				c.emit(ChannelClosed)
				continue
			}
			if c.metrics != nil {
				c.metrics.IncMessagesReceived()
			}
			c.handler.Handle(handlerCtx, d.Body)

		case <-c.timerC():
			c.timer = nil
			c.emit(BackoffElapsed)
		}
	}
}

func (c *Consumer) lost(ev Event, amqpErr *amqp.Error, ok bool) {
	if ok && amqpErr != nil {
		c.logger.Warn("broker "+ev.String(),
			"code", amqpErr.Code,
			"reason", amqpErr.Reason,
			"server", amqpErr.Server,
		)
	} else {
		c.logger.Warn("broker " + ev.String())
	}
	c.emit(ev)
}

func (c *Consumer) timerC() <-chan time.Time {
	if c.timer == nil {
		return nil
	}
	return c.timer.C
}

func (c *Consumer) emit(ev Event) {
	c.pending = append(c.pending, ev)
}

// drain feeds queued events through the machine, performing each transition's
// actions before the next event is considered.
func (c *Consumer) drain() {
	for len(c.pending) > 0 && !c.stopped {
		ev := c.pending[0]
		c.pending = c.pending[1:]

		from := c.machine.State
		next, actions := c.machine.Next(ev)
		c.machine = next
		c.publishState()
		if from != next.State {
			c.logger.Debug("broker state transition",
				"from", from.String(),
				"to", next.State.String(),
				"event", ev.String(),
			)
		}

		for _, action := range actions {
			c.perform(action)
		}
	}
}

func (c *Consumer) publishState() {
	c.state.Store(int32(c.machine.State))
	if c.metrics != nil {
		c.metrics.SetConsumerState(int(c.machine.State))
	}
}

func (c *Consumer) perform(action Action) {
	t := c.topology
	switch action {
	case Connect:
		conn, err := c.dial(c.uri)
		if err != nil {
			c.lastErr = err
			c.logger.Error("failed to connect to broker", "error", err)
			c.emit(ConnectFailed)
			return
		}
		c.conn = conn
		c.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
		c.logger.Info("connected to broker")
		c.emit(Connected)

	case OpenChannel:
		ch, err := c.conn.Channel()
		if err != nil {
			c.setupFailed("open channel", err)
			return
		}
		c.ch = ch
		c.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
		c.cancelled = ch.NotifyCancel(make(chan string, 1))
		c.emit(ChannelOpened)

	case DeclareExchange:
		if err := c.ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, t.Durable, false, false, false, nil); err != nil {
			c.setupFailed("declare exchange", err)
			return
		}
		c.emit(ExchangeDeclared)

	case DeclareQueue:
		if _, err := c.ch.QueueDeclare(t.Queue, t.Durable, false, false, false, nil); err != nil {
			c.setupFailed("declare queue", err)
			return
		}
		c.emit(QueueDeclared)

	case BindQueue:
		if err := c.ch.QueueBind(t.Queue, t.BindingKey, t.Exchange, false, nil); err != nil {
			c.setupFailed("bind queue", err)
			return
		}
		c.emit(QueueBound)

	case Consume:
		deliveries, err := c.ch.Consume(t.Queue, c.tag, true, false, false, false, nil)
		if err != nil {
			c.setupFailed("consume", err)
			return
		}
		c.deliveries = deliveries
		c.logger.Info("consuming",
			"exchange", t.Exchange,
			"queue", t.Queue,
			"binding_key", t.BindingKey,
			"consumer_tag", c.tag,
		)

	case Teardown:
		c.closeChannel()
		c.closeConnection()

	case ScheduleReconnect:
		c.reconnects.Add(1)
		if c.metrics != nil {
			c.metrics.IncReconnects()
		}
		c.logger.Warn("reconnecting to broker", "delay", c.delay)
		c.timer = time.NewTimer(c.delay)

	case CancelReconnect:
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}

	case CancelConsumer:
		c.deliveries = nil
		if c.ch != nil {
			if err := c.ch.Cancel(c.tag, false); err != nil {
				c.logger.Debug("cancel consumer", "error", err)
			}
		}

	case CloseChannel:
		c.closeChannel()

	case CloseConnection:
		c.closeConnection()
		c.emit(TornDown)

	case Abort:
		c.err = fmt.Errorf("%w: %w", ErrConnect, c.lastErr)
		c.stopped = true

	case Stop:
		c.logger.Info("broker consumer stopped")
		c.stopped = true
	}
}

func (c *Consumer) setupFailed(step string, err error) {
	c.logger.Error("broker setup failed", "step", step, "error", err)
	c.emit(SetupFailed)
}

// closeChannel detaches every channel notification before closing so the
// loop never sees its own close as a failure.
func (c *Consumer) closeChannel() {
	c.chanClosed = nil
	c.cancelled = nil
	c.deliveries = nil
	if c.ch == nil {
		return
	}
	if err := c.ch.Close(); err != nil {
		c.logger.Debug("close channel", "error", err)
	}
	c.ch = nil
}

func (c *Consumer) closeConnection() {
	c.connClosed = nil
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close connection", "error", err)
	}
	c.conn = nil
}
