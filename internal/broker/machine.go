// Package broker keeps a live subscription on the identity service's
// notification exchange. The connection lifecycle is an explicit state
// machine: Machine.Next is a pure function of state and event, and Consumer
// performs the actions it returns on a single event loop.
package broker

// State is a position in the connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	ChannelOpening
	ExchangeDeclaring
	QueueDeclaring
	QueueBinding
	Consuming
	Reconnecting
	Closing
	Closed
)

var stateNames = map[State]string{
	Disconnected:      "disconnected",
	Connecting:        "connecting",
	ChannelOpening:    "channel_opening",
	ExchangeDeclaring: "exchange_declaring",
	QueueDeclaring:    "queue_declaring",
	QueueBinding:      "queue_binding",
	Consuming:         "consuming",
	Reconnecting:      "reconnecting",
	Closing:           "closing",
	Closed:            "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid"
}

// connected reports whether a broker connection exists in this state.
func (s State) connected() bool {
	return s >= ChannelOpening && s <= Consuming
}

// Event is something that happened to the connection, either a broker
// acknowledgment, a failure notification or a local request.
type Event int

const (
	Start Event = iota
	Connected
	ConnectFailed
	ChannelOpened
	ExchangeDeclared
	QueueDeclared
	QueueBound
	SetupFailed
	ConnectionLost
	ChannelClosed
	ConsumerCancelled
	BackoffElapsed
	Shutdown
	TornDown
)

var eventNames = map[Event]string{
	Start:             "start",
	Connected:         "connected",
	ConnectFailed:     "connect_failed",
	ChannelOpened:     "channel_opened",
	ExchangeDeclared:  "exchange_declared",
	QueueDeclared:     "queue_declared",
	QueueBound:        "queue_bound",
	SetupFailed:       "setup_failed",
	ConnectionLost:    "connection_lost",
	ChannelClosed:     "channel_closed",
	ConsumerCancelled: "consumer_cancelled",
	BackoffElapsed:    "backoff_elapsed",
	Shutdown:          "shutdown",
	TornDown:          "torn_down",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "invalid"
}

// Action is a side effect the consumer performs after a transition.
type Action int

const (
	Connect Action = iota
	OpenChannel
	DeclareExchange
	DeclareQueue
	BindQueue
	Consume
	Teardown
	ScheduleReconnect
	CancelReconnect
	CancelConsumer
	CloseChannel
	CloseConnection
	Abort
	Stop
)

var actionNames = map[Action]string{
	Connect:           "connect",
	OpenChannel:       "open_channel",
	DeclareExchange:   "declare_exchange",
	DeclareQueue:      "declare_queue",
	BindQueue:         "bind_queue",
	Consume:           "consume",
	Teardown:          "teardown",
	ScheduleReconnect: "schedule_reconnect",
	CancelReconnect:   "cancel_reconnect",
	CancelConsumer:    "cancel_consumer",
	CloseChannel:      "close_channel",
	CloseConnection:   "close_connection",
	Abort:             "abort",
	Stop:              "stop",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "invalid"
}

// Machine is the lifecycle state plus the two flags that change how failures
// are treated.
type Machine struct {
	State State
	// Closing is set by Shutdown and never cleared. While set, only TornDown
	// has an effect.
	Closing bool
	// Retrying is set once the first connection has been lost. A connect
	// failure before that aborts instead of retrying.
	Retrying bool
}

// setupSteps maps each acknowledgment to the next setup state and the
// request that leads out of it.
var setupSteps = map[State]struct {
	ack    Event
	next   State
	action Action
}{
	Connecting:        {ack: Connected, next: ChannelOpening, action: OpenChannel},
	ChannelOpening:    {ack: ChannelOpened, next: ExchangeDeclaring, action: DeclareExchange},
	ExchangeDeclaring: {ack: ExchangeDeclared, next: QueueDeclaring, action: DeclareQueue},
	QueueDeclaring:    {ack: QueueDeclared, next: QueueBinding, action: BindQueue},
	QueueBinding:      {ack: QueueBound, next: Consuming, action: Consume},
}

// Next returns the machine after ev and the actions to perform, in order.
// Events that do not apply to the current state leave it unchanged.
func (m Machine) Next(ev Event) (Machine, []Action) {
	if m.State == Closed {
		return m, nil
	}
	if m.Closing {
		if ev == TornDown {
			m.State = Closed
			return m, []Action{Stop}
		}
		return m, nil
	}

	switch ev {
	case Shutdown:
		return m.shutdown()
	case SetupFailed, ConnectionLost, ChannelClosed, ConsumerCancelled:
		if !m.State.connected() {
			return m, nil
		}
		m.State = Reconnecting
		m.Retrying = true
		return m, []Action{Teardown, ScheduleReconnect}
	}

	switch {
	case m.State == Disconnected && ev == Start:
		m.State = Connecting
		return m, []Action{Connect}
	case m.State == Connecting && ev == ConnectFailed:
		if !m.Retrying {
			m.State = Closed
			return m, []Action{Abort}
		}
		m.State = Reconnecting
		return m, []Action{ScheduleReconnect}
	case m.State == Reconnecting && ev == BackoffElapsed:
		m.State = Connecting
		return m, []Action{Connect}
	}

	if step, ok := setupSteps[m.State]; ok && step.ack == ev {
		m.State = step.next
		return m, []Action{step.action}
	}
	return m, nil
}

func (m Machine) shutdown() (Machine, []Action) {
	var actions []Action
	switch m.State {
	case Consuming:
		actions = []Action{CancelConsumer, CloseChannel, CloseConnection}
	case Reconnecting:
		actions = []Action{CancelReconnect, CloseConnection}
	default:
		actions = []Action{CloseChannel, CloseConnection}
	}
	m.State = Closing
	m.Closing = true
	return m, actions
}
