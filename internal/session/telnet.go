package session

import (
	"context"
	"io"

	"github.com/Pequito/sessionvault/internal/channel"
	"github.com/Pequito/sessionvault/internal/telnet"
)

// connectTelnet dials the host and sends the initial option offers. The
// rest of the negotiation happens on the read goroutine, so the session is
// usable while options settle.
func (w *Worker) connectTelnet(ctx context.Context, addr string) (io.Reader, error) {
	conn, err := w.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(addr, err)
	}
	neg := telnet.NewNegotiator(w.cfg.TerminalType, w.cfg.Rows, w.cfg.Cols)
	mux := channel.NewMux(nil)
	ok := w.register(func() {
		w.conn = conn
		w.neg = neg
		w.mux = mux
		w.input = conn
	})
	if !ok {
		conn.Close()
		return nil, ErrClosed
	}

	w.setState(StateNegotiating, "telnet option negotiation")
	if err := w.writeRaw(neg.Initial()); err != nil {
		return nil, &ConnectError{Reason: ReasonOther, Addr: addr, Err: err}
	}

	h, err := mux.OpenInteractive(nil)
	if err != nil {
		return nil, ErrClosed
	}
	mux.Attach(h.ID, w.outputSink(h.ID))
	w.register(func() { w.interactive = h.ID })
	return conn, nil
}
