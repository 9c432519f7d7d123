package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker hands out fake connections and records what each one was asked
// to do.
type fakeBroker struct {
	mu       sync.Mutex
	dials    int
	failures map[int]error  // dial attempt (1-based) -> error
	refuse   map[int]string // dial attempt (1-based) -> channel call to fail
	conns    []*fakeConn
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failures: map[int]error{}, refuse: map[int]string{}}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if err, ok := b.failures[b.dials]; ok {
		return nil, err
	}
	conn := &fakeConn{refuse: b.refuse[b.dials]}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) conn(i int) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.conns) {
		return nil
	}
	return b.conns[i]
}

type fakeConn struct {
	mu       sync.Mutex
	refuse   string
	notify   chan *amqp.Error
	channels []*fakeChannel
	closed   bool
	once     sync.Once
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{failOn: c.refuse, deliveries: make(chan amqp.Delivery, 16)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeNotify(nil)
	return nil
}

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	c.closeNotify(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
}

func (c *fakeConn) closeNotify(err *amqp.Error) {
	c.once.Do(func() {
		c.mu.Lock()
		notify := c.notify
		c.mu.Unlock()
		if notify == nil {
			return
		}
		if err != nil {
			notify <- err
		}
		close(notify)
	})
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

type fakeChannel struct {
	mu         sync.Mutex
	calls      []string
	failOn     string
	deliveries chan amqp.Delivery
	notify     chan *amqp.Error
	cancel     chan string
	closed     bool
	once       sync.Once
}

func (ch *fakeChannel) record(call string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.calls = append(ch.calls, call)
	if ch.failOn != "" && ch.failOn == call {
		return errors.New(call + " refused")
	}
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	return ch.record(fmt.Sprintf("exchange.declare %s %s durable=%t", name, kind, durable))
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, ch.record(fmt.Sprintf("queue.declare %s durable=%t", name, durable))
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	return ch.record(fmt.Sprintf("queue.bind %s %s %s", name, key, exchange))
}

func (ch *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.record(fmt.Sprintf("basic.consume %s auto_ack=%t", queue, autoAck)); err != nil {
		return nil, err
	}
	return ch.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	return ch.record("basic.cancel")
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notify = receiver
	return receiver
}

func (ch *fakeChannel) NotifyCancel(receiver chan string) chan string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancel = receiver
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.once.Do(func() { close(ch.deliveries) })
	return nil
}

// revoke simulates the broker cancelling the consumer, e.g. after the queue
// was deleted.
func (ch *fakeChannel) revoke(tag string) {
	ch.mu.Lock()
	cancel := ch.cancel
	ch.mu.Unlock()
	cancel <- tag
}

func (ch *fakeChannel) deliver(body string) {
	ch.deliveries <- amqp.Delivery{Body: []byte(body)}
}

func (ch *fakeChannel) recorded() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.calls...)
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// recordingHandler collects delivered bodies.
type recordingHandler struct {
	mu     sync.Mutex
	bodies []string
}

func (h *recordingHandler) Handle(_ context.Context, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies = append(h.bodies, string(body))
}

func (h *recordingHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bodies...)
}
