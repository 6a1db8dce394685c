// Package channel tracks the logical channels carried by one transport
// connection: a single interactive shell channel and any number of tunnel
// channels. Inbound bytes are attributed to a channel by ID and handed to
// that channel's sink.
package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
)

var (
	ErrTunnelRefused   = errors.New("tunnel refused by transport")
	ErrUnknownChannel  = errors.New("unknown or closed channel")
	ErrInteractiveOpen = errors.New("interactive channel already open")
	ErrNoTransport     = errors.New("transport does not support tunnels")
	ErrMuxClosed       = errors.New("channel mux closed")
)

type Kind uint8

const (
	KindInteractive Kind = iota
	KindTunnel
)

func (k Kind) String() string {
	switch k {
	case KindInteractive:
		return "interactive"
	case KindTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// ID identifies a channel within one transport. IDs are never reused.
type ID uint64

// Channel is a snapshot of one channel's metadata.
type Channel struct {
	ID             ID     `json:"id"`
	Kind           Kind   `json:"kind"`
	LocalEndpoint  string `json:"local_endpoint,omitempty"`
	RemoteEndpoint string `json:"remote_endpoint,omitempty"`
	Open           bool   `json:"open"`
}

// Handle is returned when a channel is opened.
type Handle struct {
	ID   ID
	Kind Kind
}

// Sink receives the inbound bytes of one channel.
type Sink interface {
	Write(p []byte) (int, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p []byte) error

func (f SinkFunc) Write(p []byte) (int, error) {
	if err := f(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Dialer opens a forwarded connection over the transport. *ssh.Client
// satisfies it.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type entry struct {
	ch     Channel
	sink   Sink
	closer io.Closer
}

// Mux is safe for concurrent use.
type Mux struct {
	mu          sync.Mutex
	dialer      Dialer
	next        ID
	channels    map[ID]*entry
	interactive ID
	closed      bool
}

// NewMux returns a mux over dialer. dialer may be nil for transports that
// cannot carry tunnels.
func NewMux(dialer Dialer) *Mux {
	return &Mux{
		dialer:   dialer,
		channels: make(map[ID]*entry),
	}
}

// allocate registers e under a fresh ID. Caller must hold m.mu.
func (m *Mux) allocate(e *entry) ID {
	m.next++
	e.ch.ID = m.next
	e.ch.Open = true
	m.channels[m.next] = e
	return m.next
}

// OpenInteractive registers the interactive channel. Only one may be open.
func (m *Mux) OpenInteractive(sink Sink) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Handle{}, ErrMuxClosed
	}
	if m.interactive != 0 {
		return Handle{}, ErrInteractiveOpen
	}
	id := m.allocate(&entry{ch: Channel{Kind: KindInteractive}, sink: sink})
	m.interactive = id
	return Handle{ID: id, Kind: KindInteractive}, nil
}

// OpenTunnel opens a forwarded channel to remoteHost:remotePort on behalf of
// the local endpoint localAddr. The returned conn carries local-to-remote
// bytes; remote-to-local bytes should be passed to Dispatch by the caller's
// read loop. A transport rejection wraps ErrTunnelRefused.
func (m *Mux) OpenTunnel(localAddr, remoteHost string, remotePort int) (Handle, net.Conn, error) {
	m.mu.Lock()
	closed, dialer := m.closed, m.dialer
	m.mu.Unlock()
	if closed {
		return Handle{}, nil, ErrMuxClosed
	}
	if dialer == nil {
		return Handle{}, nil, ErrNoTransport
	}

	remote := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))
	conn, err := dialer.Dial("tcp", remote)
	if err != nil {
		return Handle{}, nil, fmt.Errorf("%w: %s: %w", ErrTunnelRefused, remote, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		conn.Close()
		return Handle{}, nil, ErrMuxClosed
	}
	id := m.allocate(&entry{
		ch:     Channel{Kind: KindTunnel, LocalEndpoint: localAddr, RemoteEndpoint: remote},
		closer: conn,
	})
	return Handle{ID: id, Kind: KindTunnel}, conn, nil
}

// Attach sets the sink for an open channel.
func (m *Mux) Attach(id ID, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels[id]
	if !ok {
		return ErrUnknownChannel
	}
	e.sink = sink
	return nil
}

// Dispatch hands inbound bytes to the channel's sink. Bytes for a closed or
// never-issued ID are rejected with ErrUnknownChannel; a channel without a
// sink drops them.
func (m *Mux) Dispatch(id ID, data []byte) error {
	m.mu.Lock()
	e, ok := m.channels[id]
	var sink Sink
	if ok {
		sink = e.sink
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	if sink == nil || len(data) == 0 {
		return nil
	}
	if _, err := sink.Write(data); err != nil {
		return fmt.Errorf("channel %d sink: %w", id, err)
	}
	return nil
}

// Close releases a channel. Its ID is retired for good.
func (m *Mux) Close(id ID) error {
	m.mu.Lock()
	e, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
		if m.interactive == id {
			m.interactive = 0
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	if e.closer != nil {
		e.closer.Close()
	}
	return nil
}

// CloseAll closes every channel and refuses new ones.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.channels))
	for _, e := range m.channels {
		entries = append(entries, e)
	}
	m.channels = make(map[ID]*entry)
	m.interactive = 0
	m.closed = true
	m.mu.Unlock()

	for _, e := range entries {
		if e.closer != nil {
			e.closer.Close()
		}
	}
}

// Get returns the channel with id if it is open.
func (m *Mux) Get(id ID) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels[id]
	if !ok {
		return Channel{}, false
	}
	return e.ch, true
}

// Channels returns the open channels ordered by ID.
func (m *Mux) Channels() []Channel {
	m.mu.Lock()
	out := make([]Channel, 0, len(m.channels))
	for _, e := range m.channels {
		out = append(out, e.ch)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Interactive returns the ID of the open interactive channel, or 0.
func (m *Mux) Interactive() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interactive
}
