package session

import (
	"sync"
	"time"

	"github.com/Pequito/sessionvault/internal/ansi"
	"github.com/Pequito/sessionvault/internal/channel"
)

type EventType string

const (
	EventOutput       EventType = "output"
	EventStateChanged EventType = "state"
	EventError        EventType = "error"
	EventTunnel       EventType = "tunnel"
)

type ErrorKind string

const (
	ErrorConnect       ErrorKind = "connect"
	ErrorAuth          ErrorKind = "auth"
	ErrorHostKey       ErrorKind = "host_key"
	ErrorTunnelBind    ErrorKind = "tunnel_bind"
	ErrorTunnelOpen    ErrorKind = "tunnel_open" // rejected arguments or a closed manager
	ErrorTunnelRefused ErrorKind = "tunnel_refused"
	ErrorProtocol      ErrorKind = "protocol"
	ErrorNotReady      ErrorKind = "not_ready"
	ErrorTransport     ErrorKind = "transport"
	ErrorX11           ErrorKind = "x11"
	ErrorSend          ErrorKind = "send"
)

// Event is one entry of a worker's ordered event stream. Which fields are
// set depends on Type.
type Event struct {
	Type    EventType `json:"type"`
	Session string    `json:"session"`
	Time    time.Time `json:"time"`

	// output
	Channel channel.ID `json:"channel,omitempty"`
	Data    []byte     `json:"data,omitempty"`
	Ops     []ansi.Op  `json:"-"`

	// state
	State  State  `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`

	// error
	Kind     ErrorKind `json:"kind,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`

	// tunnel
	TunnelID string `json:"tunnel_id,omitempty"`
}

// eventQueue is an unbounded FIFO drained into out by a pump goroutine, so
// producers on the I/O path never block on a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan Event, 64)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

// close stops accepting events. Queued events are still delivered before
// out is closed.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- e
	}
}

const eventBufferSize = 100

// eventLog keeps the last non-output events for diagnostics.
type eventLog struct {
	mu     sync.Mutex
	events [eventBufferSize]Event
	head   int
	count  int
}

func (b *eventLog) record(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[b.head] = e
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventLog) history() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}
