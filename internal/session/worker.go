// Package session drives one SSH or Telnet connection per Worker and turns
// it into an ordered event stream of decoded terminal output, state changes
// and errors.
//
// A Worker is single use: once it reaches Closed or Failed it must be
// discarded and a new one created to reconnect.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/ansi"
	"github.com/Pequito/sessionvault/internal/channel"
	"github.com/Pequito/sessionvault/internal/hostkeys"
	"github.com/Pequito/sessionvault/internal/logutil"
	"github.com/Pequito/sessionvault/internal/telnet"
	"github.com/Pequito/sessionvault/internal/tunnel"
)

const readBufferSize = 32 * 1024

// DialFunc opens the raw transport connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type WorkerOption func(*Worker)

func WithID(id string) WorkerOption {
	return func(w *Worker) { w.id = id }
}

func WithLogger(l pslog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

func WithHostKeyStore(s hostkeys.Store) WorkerOption {
	return func(w *Worker) { w.hostKeys = s }
}

func WithDialer(d DialFunc) WorkerOption {
	return func(w *Worker) { w.dial = d }
}

// WithX11Auth supplies the protocol name and hex cookie sent in x11-req.
func WithX11Auth(f func() (proto, cookie string, err error)) WorkerOption {
	return func(w *Worker) { w.x11Auth = f }
}

// WithX11Dialer overrides how forwarded X11 channels reach the local display.
func WithX11Dialer(f func() (net.Conn, error)) WorkerOption {
	return func(w *Worker) { w.x11Dial = f }
}

// WithClock sets the clock used for event and transition timestamps.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

type Worker struct {
	id       string
	cfg      Config
	logger   pslog.Logger
	hostKeys hostkeys.Store
	dial     DialFunc
	x11Auth  func() (string, string, error)
	x11Dial  func() (net.Conn, error)
	now      func() time.Time

	sm      *stateMachine
	queue   *eventQueue
	history eventLog
	parser  *ansi.Parser // read goroutine only

	mu            sync.Mutex
	used          bool
	stopping      bool
	cancelConnect context.CancelFunc
	conn          net.Conn
	client        *ssh.Client
	sess          *ssh.Session
	input         io.Writer
	neg           *telnet.Negotiator
	mux           *channel.Mux
	tunnels       *tunnel.Manager
	interactive   channel.ID
	rows, cols    int

	wmu sync.Mutex // serializes transport writes

	tapMu   sync.Mutex
	taps    map[int]func([]byte)
	nextTap int

	sendq    chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func NewWorker(cfg Config, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		taps: make(map[int]func([]byte)),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.id == "" {
		w.id = uuid.NewString()
	}
	if w.logger == nil {
		w.logger = pslog.Ctx(context.Background())
	}
	w.logger = w.logger.With("session", w.id)
	if w.hostKeys == nil {
		w.hostKeys = hostkeys.NewMemoryStore()
	}
	if w.dial == nil {
		d := &net.Dialer{}
		w.dial = d.DialContext
	}
	if w.x11Auth == nil {
		w.x11Auth = randomX11Cookie
	}
	w.rows, w.cols = w.cfg.Rows, w.cfg.Cols

	var popts []ansi.Option
	if w.cfg.MaxEscapeParams > 0 {
		popts = append(popts, ansi.WithMaxParams(w.cfg.MaxEscapeParams))
	}
	w.parser = ansi.NewParser(popts...)
	w.sm = newStateMachine(w.now)
	w.queue = newEventQueue()
	w.sendq = make(chan []byte, w.cfg.SendQueueSize)
	return w
}

func (w *Worker) ID() string { return w.id }

// Config returns the connection settings without credential secrets.
func (w *Worker) Config() Config { return w.cfg.Redacted() }

func (w *Worker) State() State {
	s, _ := w.sm.get()
	return s
}

func (w *Worker) Ready() bool { return w.State() == StateReady }

// Transitions returns up to the last 50 state changes, oldest first.
func (w *Worker) Transitions() []StateTransition { return w.sm.history() }

// History returns up to the last 100 non-output events, oldest first.
func (w *Worker) History() []Event { return w.history.history() }

// Events returns the ordered event stream. It is closed after the event for
// the terminal state. Consumers must keep draining it.
func (w *Worker) Events() <-chan Event { return w.queue.out }

// Done is closed once the worker reaches Closed or Failed.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Size returns the last terminal size sent to the remote side.
func (w *Worker) Size() (rows, cols int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows, w.cols
}

// Channels lists the open channels of the transport.
func (w *Worker) Channels() []channel.Channel {
	w.mu.Lock()
	mux := w.mux
	w.mu.Unlock()
	if mux == nil {
		return nil
	}
	return mux.Channels()
}

func (w *Worker) emit(e Event) {
	e.Session = w.id
	e.Time = w.now()
	if e.Type != EventOutput {
		w.history.record(e)
	}
	w.queue.push(e)
}

func (w *Worker) emitError(kind ErrorKind, detail string, terminal bool) {
	w.emit(Event{Type: EventError, Kind: kind, Detail: detail, Terminal: terminal})
}

func (w *Worker) setState(to State, reason string) bool {
	var from State
	ok := w.sm.set(to, reason, func(tr StateTransition) {
		from = tr.From
		w.emit(Event{Type: EventStateChanged, State: to, Reason: reason})
	})
	if ok {
		w.logger.Info("session state changed", "from", from.String(), "to", to.String(), "reason", reason)
	}
	return ok
}

func (w *Worker) isStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

// register runs f under the worker lock unless the worker is shutting down.
func (w *Worker) register(f func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return false
	}
	f()
	return true
}

// Connect dials the host, negotiates or authenticates, opens the
// interactive channel and starts the I/O goroutines. On failure the worker
// moves to Failed and the returned error is one of *ConnectError,
// *AuthError or *hostkeys.HostKeyError.
func (w *Worker) Connect(ctx context.Context) error {
	if w.cfg.Host == "" {
		return errors.New("connect: host is required")
	}
	if w.cfg.Protocol != ProtocolSSH && w.cfg.Protocol != ProtocolTelnet {
		return fmt.Errorf("connect: unsupported protocol %q", w.cfg.Protocol)
	}

	w.mu.Lock()
	if w.used {
		w.mu.Unlock()
		return ErrWorkerUsed
	}
	w.used = true
	ctx, cancel := context.WithCancel(ctx)
	w.cancelConnect = cancel
	w.mu.Unlock()
	defer cancel()

	addr := w.cfg.Address()
	if !w.setState(StateConnecting, "connecting to "+logutil.SanitizeForLog(addr)) {
		return ErrClosed
	}

	var (
		out io.Reader
		err error
	)
	if w.cfg.Protocol == ProtocolTelnet {
		out, err = w.connectTelnet(ctx, addr)
	} else {
		out, err = w.connectSSH(ctx, addr)
	}
	if err != nil {
		if w.isStopping() {
			return ErrClosed
		}
		w.fail(errorKind(err), err)
		return err
	}

	if !w.setState(StateReady, "connected to "+logutil.SanitizeForLog(addr)) {
		return ErrClosed
	}

	w.mu.Lock()
	id, client := w.interactive, w.client
	w.mu.Unlock()

	go w.readLoop(out, id)
	go w.writeLoop()
	if client != nil {
		go w.keepalive(client)
		for _, spec := range w.cfg.Tunnels {
			w.RequestTunnel(ctx, spec.LocalPort, spec.RemoteHost, spec.RemotePort)
		}
	}
	return nil
}

// outputSink feeds the interactive channel's bytes through the parser.
func (w *Worker) outputSink(id channel.ID) channel.Sink {
	return channel.SinkFunc(func(p []byte) error {
		if w.isStopping() {
			return nil
		}
		ops := w.parser.Feed(p)
		w.emit(Event{Type: EventOutput, Channel: id, Data: bytes.Clone(p), Ops: ops})
		return nil
	})
}

func (w *Worker) readLoop(r io.Reader, id channel.ID) {
	w.mu.Lock()
	mux, neg := w.mux, w.neg
	w.mu.Unlock()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			if neg != nil {
				var reply []byte
				var perr error
				data, reply, perr = neg.Feed(data)
				if len(reply) > 0 {
					if werr := w.writeRaw(reply); werr != nil {
						w.fail(ErrorTransport, fmt.Errorf("write negotiation: %w", werr))
						return
					}
				}
				for _, e := range unwrapAll(perr) {
					w.logger.Debug("telnet negotiation error", "err", e)
					w.emitError(ErrorProtocol, e.Error(), false)
				}
			}
			if len(data) > 0 {
				if derr := mux.Dispatch(id, data); derr != nil && errors.Is(derr, channel.ErrUnknownChannel) {
					return
				}
			}
		}
		if err != nil {
			w.readDone(err)
			return
		}
	}
}

func unwrapAll(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// readDone decides how the session ended once the interactive stream is
// exhausted.
func (w *Worker) readDone(err error) {
	if w.isStopping() {
		return
	}
	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()

	if sess == nil {
		if errors.Is(err, io.EOF) {
			w.terminate(StateClosed, "connection closed by remote host")
			return
		}
		w.fail(ErrorTransport, fmt.Errorf("connection lost: %w", err))
		return
	}

	werr := sess.Wait()
	var exitErr *ssh.ExitError
	switch {
	case werr == nil:
		w.terminate(StateClosed, "remote shell exited with status 0")
	case errors.As(werr, &exitErr):
		w.terminate(StateClosed, fmt.Sprintf("remote shell exited with status %d", exitErr.ExitStatus()))
	default:
		w.fail(ErrorTransport, fmt.Errorf("connection lost: %w", werr))
	}
}

func (w *Worker) writeLoop() {
	for {
		select {
		case <-w.done:
			return
		case p := <-w.sendq:
			if err := w.writeInput(p); err != nil {
				if !w.isStopping() {
					w.fail(ErrorTransport, fmt.Errorf("write: %w", err))
				}
				return
			}
		}
	}
}

func (w *Worker) writeInput(p []byte) error {
	w.mu.Lock()
	neg := w.neg
	w.mu.Unlock()
	if neg != nil {
		p = neg.Escape(p)
	}
	return w.writeRaw(p)
}

func (w *Worker) writeRaw(p []byte) error {
	w.mu.Lock()
	in := w.input
	w.mu.Unlock()
	if in == nil {
		return ErrSessionNotReady
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_, err := in.Write(p)
	return err
}

// Send queues input for the interactive channel. When the worker is not
// Ready the bytes are dropped, a not_ready error event is emitted and
// ErrSessionNotReady returned. A full queue blocks for at most
// SendBlockTimeout.
func (w *Worker) Send(p []byte) error {
	if st := w.State(); st != StateReady {
		w.emitError(ErrorNotReady, fmt.Sprintf("input dropped: session is %s", st), false)
		return ErrSessionNotReady
	}
	if len(p) == 0 {
		return nil
	}
	buf := bytes.Clone(p)

	select {
	case w.sendq <- buf:
	default:
		timer := time.NewTimer(w.cfg.SendBlockTimeout)
		defer timer.Stop()
		select {
		case w.sendq <- buf:
		case <-w.done:
			return ErrSessionNotReady
		case <-timer.C:
			w.emitError(ErrorSend, fmt.Sprintf("send queue full, dropped %s", logutil.Preview(buf)), false)
			return ErrSendQueueFull
		}
	}

	w.logger.Trace("session input queued", "input", logutil.Preview(buf))
	w.tapMu.Lock()
	taps := make([]func([]byte), 0, len(w.taps))
	for _, f := range w.taps {
		taps = append(taps, f)
	}
	w.tapMu.Unlock()
	for _, f := range taps {
		f(buf)
	}
	return nil
}

// AddInputTap registers f to observe every accepted Send. The returned func
// removes it.
func (w *Worker) AddInputTap(f func([]byte)) (remove func()) {
	w.tapMu.Lock()
	id := w.nextTap
	w.nextTap++
	w.taps[id] = f
	w.tapMu.Unlock()
	return func() {
		w.tapMu.Lock()
		delete(w.taps, id)
		w.tapMu.Unlock()
	}
}

// Resize sends a window-size change. It is a no-op unless Ready.
func (w *Worker) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	if !w.Ready() {
		return nil
	}
	w.mu.Lock()
	sess, neg := w.sess, w.neg
	w.rows, w.cols = rows, cols
	w.mu.Unlock()

	switch {
	case sess != nil:
		if err := sess.WindowChange(rows, cols); err != nil {
			return fmt.Errorf("window change: %w", err)
		}
	case neg != nil:
		if report := neg.WindowSize(rows, cols); report != nil {
			return w.writeRaw(report)
		}
	}
	return nil
}

// RequestTunnel opens a local forward over the SSH transport.
func (w *Worker) RequestTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (*tunnel.Tunnel, error) {
	if w.cfg.Protocol != ProtocolSSH {
		return nil, ErrUnsupportedOperation
	}
	if !w.Ready() {
		return nil, ErrSessionNotReady
	}
	w.mu.Lock()
	tm := w.tunnels
	w.mu.Unlock()

	t, err := tm.Open(ctx, localPort, remoteHost, remotePort)
	if err != nil {
		w.logger.Warn("tunnel open failed", "local_port", localPort, "remote", logutil.SanitizeForLog(remoteHost), "err", err)
		kind := ErrorTunnelOpen
		var be *tunnel.BindError
		if errors.As(err, &be) {
			kind = ErrorTunnelBind
		}
		w.emitError(kind, err.Error(), false)
		return nil, err
	}
	w.emit(Event{Type: EventTunnel, TunnelID: t.ID, Detail: t.LocalAddr + " -> " + t.Remote()})
	return t, nil
}

func (w *Worker) CloseTunnel(id string) error {
	if w.cfg.Protocol != ProtocolSSH {
		return ErrUnsupportedOperation
	}
	w.mu.Lock()
	tm := w.tunnels
	w.mu.Unlock()
	if tm == nil {
		return tunnel.ErrNotFound
	}
	return tm.Close(id)
}

func (w *Worker) Tunnels() []*tunnel.Tunnel {
	w.mu.Lock()
	tm := w.tunnels
	w.mu.Unlock()
	if tm == nil {
		return nil
	}
	return tm.List()
}

func (w *Worker) onTunnelError(t *tunnel.Tunnel, err error) {
	w.emitError(ErrorTunnelRefused, fmt.Sprintf("tunnel %s: %v", t.ID, err), false)
}

// Disconnect closes every channel and the transport. Safe to call more than
// once and from any state.
func (w *Worker) Disconnect() error {
	w.terminate(StateClosed, "disconnect requested")
	return nil
}

func (w *Worker) fail(kind ErrorKind, err error) {
	w.terminateWith(StateFailed, kind, err.Error())
}

func (w *Worker) terminate(final State, reason string) {
	w.terminateWith(final, "", reason)
}

// terminateWith runs once per worker. A Failed worker emits exactly one
// terminal error event before its state event; the event stream is closed
// after the state event.
func (w *Worker) terminateWith(final State, kind ErrorKind, reason string) {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopping = true
		cancel := w.cancelConnect
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		if final == StateClosed {
			w.setState(StateClosing, reason)
		}
		w.release()
		if final == StateFailed {
			w.logger.Warn("session failed", "kind", string(kind), "err", reason)
			w.emitError(kind, reason, true)
			w.setState(StateFailed, reason)
		} else {
			w.setState(StateClosed, reason)
		}
		close(w.done)
		w.queue.close()
	})
}

func (w *Worker) release() {
	w.mu.Lock()
	tm, mux, sess, client, conn := w.tunnels, w.mux, w.sess, w.client, w.conn
	w.mu.Unlock()

	if tm != nil {
		tm.CloseAll()
	}
	if mux != nil {
		mux.CloseAll()
	}
	if sess != nil {
		sess.Close()
	}
	if client != nil {
		client.Close()
	}
	if conn != nil {
		conn.Close()
	}
}
