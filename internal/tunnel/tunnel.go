// Package tunnel implements local port forwarding over a session's channel
// mux. Each tunnel owns one local listener; every accepted connection gets
// its own forwarded channel to the remote endpoint and is relayed
// byte-for-byte until either side closes.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/channel"
)

var ErrManagerClosed = errors.New("tunnel manager closed")
var ErrNotFound = errors.New("tunnel not found")

// ErrInvalidTunnel wraps rejected port or host arguments.
var ErrInvalidTunnel = errors.New("invalid tunnel")

const relayBufferSize = 32 * 1024

// BindError is returned when the local listener cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Stats are per-tunnel connection counters.
type Stats struct {
	Accepted  int64  `json:"accepted"`
	Active    int64  `json:"active"`
	Failed    int64  `json:"failed"`
	BytesIn   int64  `json:"bytes_in"`  // remote to local
	BytesOut  int64  `json:"bytes_out"` // local to remote
	LastError string `json:"last_error,omitempty"`
}

// Tunnel is one local forward.
type Tunnel struct {
	ID         string    `json:"id"`
	LocalAddr  string    `json:"local_addr"`
	LocalPort  int       `json:"local_port"`
	RemoteHost string    `json:"remote_host"`
	RemotePort int       `json:"remote_port"`
	CreatedAt  time.Time `json:"created_at"`

	listener net.Listener
	done     chan struct{}

	mu      sync.Mutex
	closed  bool
	relays  map[channel.ID]net.Conn // local side, keyed by mux channel
	lastErr string

	accepted atomic.Int64
	active   atomic.Int64
	failed   atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// Remote returns "host:port" of the forward target.
func (t *Tunnel) Remote() string {
	return net.JoinHostPort(t.RemoteHost, strconv.Itoa(t.RemotePort))
}

// Done is closed once the accept loop has exited.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

func (t *Tunnel) Stats() Stats {
	t.mu.Lock()
	lastErr := t.lastErr
	t.mu.Unlock()
	return Stats{
		Accepted:  t.accepted.Load(),
		Active:    t.active.Load(),
		Failed:    t.failed.Load(),
		BytesIn:   t.bytesIn.Load(),
		BytesOut:  t.bytesOut.Load(),
		LastError: lastErr,
	}
}

func (t *Tunnel) addRelay(id channel.ID, local net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.relays[id] = local
	return true
}

func (t *Tunnel) removeRelay(id channel.ID) {
	t.mu.Lock()
	delete(t.relays, id)
	t.mu.Unlock()
}

func (t *Tunnel) fail(err error) {
	t.failed.Add(1)
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
}

// ErrorHandler is told about per-connection failures. The tunnel keeps
// accepting.
type ErrorHandler func(t *Tunnel, err error)

type Option func(*Manager)

// WithBindHost sets the address local listeners bind to. Default 127.0.0.1.
func WithBindHost(host string) Option {
	return func(m *Manager) { m.bindHost = host }
}

func WithLogger(l pslog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(m *Manager) { m.onError = h }
}

// Manager owns the tunnels of one transport.
type Manager struct {
	mux      *channel.Mux
	bindHost string
	logger   pslog.Logger
	onError  ErrorHandler

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	closed  bool
}

func NewManager(mux *channel.Mux, opts ...Option) *Manager {
	m := &Manager{
		mux:      mux,
		bindHost: "127.0.0.1",
		tunnels:  make(map[string]*Tunnel),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = pslog.Ctx(context.Background())
	}
	return m
}

// Open binds localPort (0 picks a free port) and starts forwarding accepted
// connections to remoteHost:remotePort. A bind failure is a *BindError.
func (m *Manager) Open(ctx context.Context, localPort int, remoteHost string, remotePort int) (*Tunnel, error) {
	if localPort < 0 || localPort > 65535 {
		return nil, fmt.Errorf("%w: local port %d", ErrInvalidTunnel, localPort)
	}
	if remotePort < 1 || remotePort > 65535 {
		return nil, fmt.Errorf("%w: remote port %d", ErrInvalidTunnel, remotePort)
	}
	if remoteHost == "" {
		return nil, fmt.Errorf("%w: remote host is required", ErrInvalidTunnel)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	addr := net.JoinHostPort(m.bindHost, strconv.Itoa(localPort))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	t := &Tunnel{
		ID:         uuid.NewString(),
		LocalAddr:  listener.Addr().String(),
		LocalPort:  listener.Addr().(*net.TCPAddr).Port,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		CreatedAt:  time.Now(),
		listener:   listener,
		done:       make(chan struct{}),
		relays:     make(map[channel.ID]net.Conn),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		listener.Close()
		return nil, ErrManagerClosed
	}
	m.tunnels[t.ID] = t
	m.mu.Unlock()

	m.logger.Info("tunnel opened", "tunnel", t.ID, "local", t.LocalAddr, "remote", t.Remote())
	go m.acceptLoop(t)
	return t, nil
}

func (m *Manager) acceptLoop(t *Tunnel) {
	defer close(t.done)
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				m.logger.Warn("tunnel accept failed", "tunnel", t.ID, "err", err)
				t.fail(err)
			}
			return
		}
		t.accepted.Add(1)
		go m.forward(t, conn)
	}
}

// forward relays one accepted connection. Failures here are reported and
// counted but never stop the listener.
func (m *Manager) forward(t *Tunnel, local net.Conn) {
	h, remote, err := m.mux.OpenTunnel(local.LocalAddr().String(), t.RemoteHost, t.RemotePort)
	if err != nil {
		local.Close()
		m.logger.Warn("tunnel connection refused", "tunnel", t.ID, "remote", t.Remote(), "err", err)
		t.fail(err)
		if m.onError != nil {
			m.onError(t, err)
		}
		return
	}
	if !t.addRelay(h.ID, local) {
		local.Close()
		m.mux.Close(h.ID)
		return
	}
	t.active.Add(1)
	m.logger.Debug("tunnel connection opened", "tunnel", t.ID, "channel", uint64(h.ID), "peer", local.RemoteAddr().String())

	// Remote to local goes through the mux so bytes are attributed to this
	// channel; local to remote is copied straight onto the channel.
	m.mux.Attach(h.ID, channel.SinkFunc(func(p []byte) error {
		n, err := local.Write(p)
		t.bytesIn.Add(int64(n))
		return err
	}))

	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(remote, local)
		t.bytesOut.Add(n)
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, relayBufferSize)
		for {
			n, err := remote.Read(buf)
			if n > 0 {
				if derr := m.mux.Dispatch(h.ID, buf[:n]); derr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}()

	<-done
	m.mux.Close(h.ID)
	local.Close()
	<-done

	t.removeRelay(h.ID)
	t.active.Add(-1)
	m.logger.Debug("tunnel connection closed", "tunnel", t.ID, "channel", uint64(h.ID))
}

// Close stops the tunnel's listener and closes its relayed connections.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	delete(m.tunnels, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.shutdown(t)
	return nil
}

func (m *Manager) shutdown(t *Tunnel) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	relays := make(map[channel.ID]net.Conn, len(t.relays))
	for id, c := range t.relays {
		relays[id] = c
	}
	t.mu.Unlock()

	t.listener.Close()
	for id, c := range relays {
		m.mux.Close(id)
		c.Close()
	}
	<-t.done
	m.logger.Info("tunnel closed", "tunnel", t.ID, "local", t.LocalAddr)
}

// CloseAll closes every tunnel and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()

	for _, t := range tunnels {
		m.shutdown(t)
	}
}

func (m *Manager) Get(id string) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// List returns open tunnels, oldest first.
func (m *Manager) List() []*Tunnel {
	m.mu.Lock()
	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
