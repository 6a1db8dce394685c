package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pequito/sessionvault/internal/channel"
)

// netDialer dials real TCP, standing in for the SSH client's direct-tcpip.
type netDialer struct {
	refuse atomic.Int32 // refuse this many dials
}

func (d *netDialer) Dial(network, addr string) (net.Conn, error) {
	if d.refuse.Load() > 0 {
		d.refuse.Add(-1)
		return nil, errors.New("ssh: rejected: connect failed")
	}
	return net.Dial(network, addr)
}

// startEchoServer returns the port of a line-echo server that prefixes each
// line with tag.
func startEchoServer(t *testing.T, tag string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					io.WriteString(c, tag+":"+line)
				}
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func roundTrip(t *testing.T, addr, msg string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c, msg+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		t.Fatalf("read via %s: %v", addr, err)
	}
	return strings.TrimSpace(line)
}

func TestTunnelRelays(t *testing.T) {
	port := startEchoServer(t, "a")
	mux := channel.NewMux(&netDialer{})
	m := NewManager(mux)
	defer m.CloseAll()

	tun, err := m.Open(context.Background(), 0, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tun.LocalPort == 0 {
		t.Fatal("expected a bound local port")
	}
	// Sequential connections share one listener.
	for i := 0; i < 3; i++ {
		if got := roundTrip(t, tun.LocalAddr, "hello"); got != "a:hello" {
			t.Fatalf("round trip %d = %q", i, got)
		}
	}
	st := tun.Stats()
	if st.Accepted != 3 || st.BytesOut == 0 || st.BytesIn == 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestClosingOneTunnelLeavesTheOtherRunning(t *testing.T) {
	mux := channel.NewMux(&netDialer{})
	m := NewManager(mux)
	defer m.CloseAll()

	a, err := m.Open(context.Background(), 0, "127.0.0.1", startEchoServer(t, "a"))
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := m.Open(context.Background(), 0, "127.0.0.1", startEchoServer(t, "b"))
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}

	// Hold a live connection through b across the close of a.
	conn, err := net.Dial("tcp", b.LocalAddr)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	io.WriteString(conn, "one\n")
	if line, _ := r.ReadString('\n'); line != "b:one\n" {
		t.Fatalf("before close: %q", line)
	}

	if err := m.Close(a.ID); err != nil {
		t.Fatalf("Close a: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop of a did not stop")
	}
	if _, err := net.DialTimeout("tcp", a.LocalAddr, time.Second); err == nil {
		t.Fatal("a still accepting after Close")
	}

	io.WriteString(conn, "two\n")
	if line, _ := r.ReadString('\n'); line != "b:two\n" {
		t.Fatalf("existing relay through b broken: %q", line)
	}
	if got := roundTrip(t, b.LocalAddr, "three"); got != "b:three" {
		t.Fatalf("new connection through b = %q", got)
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected one tunnel, got %d", len(m.List()))
	}
}

func TestBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	m := NewManager(channel.NewMux(&netDialer{}))
	_, err = m.Open(context.Background(), port, "127.0.0.1", 22)
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatal("failed bind registered a tunnel")
	}
}

func TestRefusedConnectionKeepsListener(t *testing.T) {
	d := &netDialer{}
	d.refuse.Store(1)
	var reported atomic.Int32
	m := NewManager(channel.NewMux(d), WithErrorHandler(func(_ *Tunnel, err error) {
		if errors.Is(err, channel.ErrTunnelRefused) {
			reported.Add(1)
		}
	}))
	defer m.CloseAll()

	tun, err := m.Open(context.Background(), 0, "127.0.0.1", startEchoServer(t, "x"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// First connection is refused by the transport and closed.
	c, err := net.Dial("tcp", tun.LocalAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected refused connection to be closed")
	}
	c.Close()

	if got := roundTrip(t, tun.LocalAddr, "ok"); got != "x:ok" {
		t.Fatalf("after refusal = %q", got)
	}
	st := tun.Stats()
	if st.Failed != 1 || st.LastError == "" || reported.Load() != 1 {
		t.Fatalf("failure not recorded: %+v reported=%d", st, reported.Load())
	}
}

func TestCloseAllRefusesNewTunnels(t *testing.T) {
	m := NewManager(channel.NewMux(&netDialer{}))
	if _, err := m.Open(context.Background(), 0, "127.0.0.1", 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.CloseAll()
	if _, err := m.Open(context.Background(), 0, "127.0.0.1", 1); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
	if err := m.Close("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidPorts(t *testing.T) {
	m := NewManager(channel.NewMux(&netDialer{}))
	if _, err := m.Open(context.Background(), -1, "h", 22); err == nil {
		t.Fatal("negative local port accepted")
	}
	if _, err := m.Open(context.Background(), 0, "h", 0); err == nil {
		t.Fatal("zero remote port accepted")
	}
}
