package channel

import (
	"errors"
	"net"
	"sync"
	"testing"
)

type fakeDialer struct {
	mu     sync.Mutex
	refuse bool
	dialed []string
	conns  []net.Conn // remote ends
}

func (d *fakeDialer) Dial(network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, addr)
	if d.refuse {
		return nil, errors.New("ssh: rejected: connect failed (Connection refused)")
	}
	local, remote := net.Pipe()
	d.conns = append(d.conns, remote)
	return local, nil
}

type recorder struct {
	mu   sync.Mutex
	data []byte
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
	return len(p), nil
}

func TestOpenInteractiveOnlyOnce(t *testing.T) {
	m := NewMux(nil)
	h, err := m.OpenInteractive(&recorder{})
	if err != nil {
		t.Fatalf("OpenInteractive: %v", err)
	}
	if h.Kind != KindInteractive || m.Interactive() != h.ID {
		t.Fatalf("unexpected handle %+v", h)
	}
	if _, err := m.OpenInteractive(&recorder{}); !errors.Is(err, ErrInteractiveOpen) {
		t.Fatalf("expected ErrInteractiveOpen, got %v", err)
	}

	// After closing, a new interactive channel gets a new ID.
	if err := m.Close(h.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h2, err := m.OpenInteractive(&recorder{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if h2.ID == h.ID {
		t.Fatalf("channel ID %d reused", h.ID)
	}
}

func TestIDsAreMonotonicAndNeverReused(t *testing.T) {
	d := &fakeDialer{}
	m := NewMux(d)
	seen := map[ID]bool{}
	var last ID
	for i := 0; i < 20; i++ {
		h, _, err := m.OpenTunnel("127.0.0.1:9000", "db", 5432)
		if err != nil {
			t.Fatalf("OpenTunnel: %v", err)
		}
		if seen[h.ID] || h.ID <= last {
			t.Fatalf("ID %d not fresh (last %d)", h.ID, last)
		}
		seen[h.ID] = true
		last = h.ID
		if i%2 == 0 {
			m.Close(h.ID)
		}
	}
}

func TestDispatchRouting(t *testing.T) {
	m := NewMux(&fakeDialer{})
	shell := &recorder{}
	hs, _ := m.OpenInteractive(shell)
	ht, _, err := m.OpenTunnel("127.0.0.1:1", "web", 80)
	if err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}
	relay := &recorder{}
	if err := m.Attach(ht.ID, relay); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	m.Dispatch(hs.ID, []byte("prompt$ "))
	m.Dispatch(ht.ID, []byte("HTTP/1.1 200 OK"))
	if string(shell.data) != "prompt$ " || string(relay.data) != "HTTP/1.1 200 OK" {
		t.Fatalf("misrouted: shell=%q relay=%q", shell.data, relay.data)
	}

	m.Close(ht.ID)
	if err := m.Dispatch(ht.ID, []byte("late")); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("dispatch to closed channel: %v", err)
	}
	if err := m.Dispatch(999, []byte("x")); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("dispatch to unissued channel: %v", err)
	}
	if string(relay.data) != "HTTP/1.1 200 OK" {
		t.Fatalf("closed channel received data: %q", relay.data)
	}
}

func TestDispatchSinkError(t *testing.T) {
	m := NewMux(nil)
	boom := errors.New("boom")
	h, _ := m.OpenInteractive(SinkFunc(func([]byte) error { return boom }))
	if err := m.Dispatch(h.ID, []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
}

func TestOpenTunnelRefused(t *testing.T) {
	m := NewMux(&fakeDialer{refuse: true})
	_, _, err := m.OpenTunnel("127.0.0.1:1", "nowhere", 1)
	if !errors.Is(err, ErrTunnelRefused) {
		t.Fatalf("expected ErrTunnelRefused, got %v", err)
	}
	if len(m.Channels()) != 0 {
		t.Fatal("refused tunnel left a channel behind")
	}
}

func TestOpenTunnelWithoutTransport(t *testing.T) {
	m := NewMux(nil)
	if _, _, err := m.OpenTunnel("127.0.0.1:1", "h", 1); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestCloseClosesConn(t *testing.T) {
	d := &fakeDialer{}
	m := NewMux(d)
	h, conn, err := m.OpenTunnel("127.0.0.1:1", "h", 22)
	if err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}
	if ch, ok := m.Get(h.ID); !ok || ch.RemoteEndpoint != "h:22" || ch.LocalEndpoint != "127.0.0.1:1" || !ch.Open {
		t.Fatalf("Get = %+v, %v", ch, ok)
	}
	m.Close(h.ID)
	if _, err := conn.Write([]byte("x")); err == nil {
		t.Fatal("conn still writable after Close")
	}
	if err := m.Close(h.ID); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("double close: %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	m := NewMux(&fakeDialer{})
	m.OpenInteractive(nil)
	m.OpenTunnel("a", "h", 1)
	m.OpenTunnel("b", "h", 2)
	if n := len(m.Channels()); n != 3 {
		t.Fatalf("expected 3 channels, got %d", n)
	}
	m.CloseAll()
	if n := len(m.Channels()); n != 0 {
		t.Fatalf("expected no channels, got %d", n)
	}
	if _, err := m.OpenInteractive(nil); !errors.Is(err, ErrMuxClosed) {
		t.Fatalf("expected ErrMuxClosed, got %v", err)
	}
}
