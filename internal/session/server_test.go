package session

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "alice"
	testPassword = "secret"
)

// testSSHServer is an in-process SSH server with a shell that echoes input
// back prefixed with "echo:", exits with status 3 on "exit", and relays
// direct-tcpip channels.
type testSSHServer struct {
	t        *testing.T
	addr     string
	port     int
	hostKey  ssh.Signer
	listener net.Listener
	allowX11 bool

	mu       sync.Mutex
	conns    []net.Conn
	requests []string

	x11Result chan string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testSSHServer{
		t:         t,
		addr:      listener.Addr().String(),
		port:      listener.Addr().(*net.TCPAddr).Port,
		hostKey:   hostKey,
		listener:  listener,
		x11Result: make(chan string, 1),
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(hostKey)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go s.handleConn(conn, config)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		s.sever()
		<-done
	})
	return s
}

// sever drops every client connection without an SSH-level goodbye.
func (s *testSSHServer) sever() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testSSHServer) sessionRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *testSSHServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			ch, requests, err := nc.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(sc, ch, requests)
		case "direct-tcpip":
			go handleDirectTCPIP(nc)
		default:
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *testSSHServer) handleSession(sc *ssh.ServerConn, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	x11 := false
	for req := range requests {
		s.mu.Lock()
		s.requests = append(s.requests, req.Type)
		s.mu.Unlock()

		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "x11-req":
			x11 = s.allowX11
			req.Reply(s.allowX11, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\r\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			io.WriteString(ch, "welcome\r\n\x1b[31mred\x1b[0m\r\n")
			if x11 {
				go s.openX11(sc)
			}
			go echoShell(ch)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func echoShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			data := buf[:n]
			if bytes.HasPrefix(data, []byte("exit")) {
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{3}))
				ch.Close()
				return
			}
			ch.Write(append([]byte("echo:"), data...))
		}
		if err != nil {
			return
		}
	}
}

func (s *testSSHServer) openX11(sc *ssh.ServerConn) {
	ch, reqs, err := sc.OpenChannel("x11", ssh.Marshal(struct {
		Addr string
		Port uint32
	}{"127.0.0.1", 6010}))
	if err != nil {
		s.x11Result <- "open failed: " + err.Error()
		return
	}
	go ssh.DiscardRequests(reqs)
	defer ch.Close()
	io.WriteString(ch, "x11-ping")
	buf := make([]byte, 8)
	if _, err := io.ReadFull(ch, buf); err != nil {
		s.x11Result <- "read failed: " + err.Error()
		return
	}
	s.x11Result <- string(buf)
}

func handleDirectTCPIP(nc ssh.NewChannel) {
	var p struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		nc.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		io.Copy(ch, target)
		ch.CloseWrite()
	}()
	io.Copy(target, ch)
	target.Close()
	ch.Close()
}

// eventRecorder drains a worker's event stream.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
	closed chan struct{}
}

func recordEvents(w *Worker) *eventRecorder {
	r := &eventRecorder{notify: make(chan struct{}, 1), closed: make(chan struct{})}
	go func() {
		for ev := range w.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			select {
			case r.notify <- struct{}{}:
			default:
			}
		}
		close(r.closed)
	}()
	return r
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) wait(t *testing.T, what string, pred func([]Event) bool) []Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		evs := r.snapshot()
		if pred(evs) {
			return evs
		}
		select {
		case <-r.notify:
		case <-r.closed:
			if evs := r.snapshot(); pred(evs) {
				return evs
			}
			t.Fatalf("event stream closed before %s; events: %s", what, describe(r.snapshot()))
		case <-timeout:
			t.Fatalf("timed out waiting for %s; events: %s", what, describe(r.snapshot()))
		}
	}
}

func (r *eventRecorder) waitState(t *testing.T, s State) []Event {
	t.Helper()
	return r.wait(t, "state "+s.String(), func(evs []Event) bool {
		for _, e := range evs {
			if e.Type == EventStateChanged && e.State == s {
				return true
			}
		}
		return false
	})
}

func (r *eventRecorder) waitOutput(t *testing.T, substr string) []Event {
	t.Helper()
	return r.wait(t, fmt.Sprintf("output %q", substr), func(evs []Event) bool {
		return strings.Contains(outputOf(evs), substr)
	})
}

func (r *eventRecorder) waitClosed(t *testing.T) []Event {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("event stream not closed; events: %s", describe(r.snapshot()))
	}
	return r.snapshot()
}

func outputOf(evs []Event) string {
	var b strings.Builder
	for _, e := range evs {
		if e.Type == EventOutput {
			b.Write(e.Data)
		}
	}
	return b.String()
}

func statesOf(evs []Event) []State {
	var out []State
	for _, e := range evs {
		if e.Type == EventStateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func errorsOf(evs []Event) []Event {
	var out []Event
	for _, e := range evs {
		if e.Type == EventError {
			out = append(out, e)
		}
	}
	return out
}

func describe(evs []Event) string {
	parts := make([]string, 0, len(evs))
	for _, e := range evs {
		switch e.Type {
		case EventStateChanged:
			parts = append(parts, "state:"+e.State.String())
		case EventError:
			parts = append(parts, fmt.Sprintf("error:%s(%s)", e.Kind, e.Detail))
		case EventOutput:
			parts = append(parts, fmt.Sprintf("output:%q", e.Data))
		default:
			parts = append(parts, string(e.Type))
		}
	}
	return strings.Join(parts, " ")
}
