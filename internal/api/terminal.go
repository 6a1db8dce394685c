package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/Pequito/sessionvault/internal/ansi"
	"github.com/Pequito/sessionvault/internal/keymap"
	"github.com/Pequito/sessionvault/internal/logutil"
	"github.com/Pequito/sessionvault/internal/session"
	"github.com/Pequito/sessionvault/internal/theme"
)

const (
	// Messages per second per websocket. Faster clients are paced by
	// leaving their frames unread.
	terminalRateLimit = 200
	terminalRateBurst = 200

	maxInputMessageSize = 64 * 1024
	maxResizeCols       = 1000
	maxResizeRows       = 500
)

// Client messages sent as websocket text frames. Binary frames are raw input.
type termClientMsg struct {
	Type string `json:"type"` // resize, key, input
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Key  string `json:"key,omitempty"`
	Data string `json:"data,omitempty"`
}

// renderedOp is the display form of an ansi.Op with colours resolved.
type renderedOp struct {
	Op            string `json:"op"`
	Text          string `json:"text,omitempty"`
	FG            string `json:"fg,omitempty"`
	BG            string `json:"bg,omitempty"`
	Bold          bool   `json:"bold,omitempty"`
	Italic        bool   `json:"italic,omitempty"`
	Underline     bool   `json:"underline,omitempty"`
	Blink         bool   `json:"blink,omitempty"`
	Strikethrough bool   `json:"strikethrough,omitempty"`
	RowMode       string `json:"row_mode,omitempty"`
	Row           int    `json:"row,omitempty"`
	ColMode       string `json:"col_mode,omitempty"`
	Col           int    `json:"col,omitempty"`
	Erase         int    `json:"erase,omitempty"`
	Private       bool   `json:"private,omitempty"`
	Set           bool   `json:"set,omitempty"`
	Modes         []int  `json:"modes,omitempty"`
}

var axisModes = [...]string{ansi.AxisKeep: "keep", ansi.AxisRelative: "relative", ansi.AxisAbsolute: "absolute"}

func renderOps(p *theme.Palette, ops []ansi.Op) []renderedOp {
	out := make([]renderedOp, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case ansi.PrintRun:
			fg, bg := p.Resolve(o.Attr)
			out = append(out, renderedOp{
				Op: "print", Text: o.Text, FG: fg, BG: bg,
				Bold: o.Attr.Bold, Italic: o.Attr.Italic, Underline: o.Attr.Underline,
				Blink: o.Attr.Blink, Strikethrough: o.Attr.Strikethrough,
			})
		case ansi.CursorMove:
			out = append(out, renderedOp{
				Op:      "move",
				RowMode: axisModes[o.Row.Mode], Row: o.Row.N,
				ColMode: axisModes[o.Col.Mode], Col: o.Col.N,
			})
		case ansi.EraseRegion:
			out = append(out, renderedOp{Op: "erase", Erase: int(o.Kind)})
		case ansi.ModeChange:
			out = append(out, renderedOp{Op: "mode", Private: o.Private, Set: o.Set, Modes: o.Modes})
		case ansi.SetTitle:
			out = append(out, renderedOp{Op: "title", Text: o.Title})
		case ansi.Bell:
			out = append(out, renderedOp{Op: "bell"})
		case ansi.LineFeed:
			out = append(out, renderedOp{Op: "lf"})
		case ansi.CarriageReturn:
			out = append(out, renderedOp{Op: "cr"})
		case ansi.Backspace:
			out = append(out, renderedOp{Op: "bs"})
		case ansi.Tab:
			out = append(out, renderedOp{Op: "tab"})
		case ansi.SaveCursor:
			out = append(out, renderedOp{Op: "save"})
		case ansi.RestoreCursor:
			out = append(out, renderedOp{Op: "restore"})
		case ansi.Reset:
			out = append(out, renderedOp{Op: "reset"})
		}
		// SetAttribute is folded into the following print runs and Unknown
		// has nothing to draw.
	}
	return out
}

// terminal streams a session over a websocket.
//
// Output goes out as binary frames of raw bytes, or with ?render=ops as text
// frames {"type":"ops","ops":[...]} with colours resolved against the
// palette. State, error and tunnel events go out as JSON text frames. The
// socket closes when the session's event stream ends.
func (s *Server) terminal(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.worker(w, r)
	if !ok {
		return
	}
	events, cancelSub, err := s.Sessions.Subscribe(wk.ID(), 256)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	defer cancelSub()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger().Warn("terminal websocket accept failed", "session", wk.ID(), "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	logger := s.logger().With("session", wk.ID())
	renderMode := r.URL.Query().Get("render") == "ops"
	palette := s.palette()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	info, _ := json.Marshal(map[string]interface{}{
		"type":    "session_info",
		"session": wk.ID(),
		"state":   wk.State(),
	})
	if err := conn.Write(ctx, websocket.MessageText, info); err != nil {
		return
	}
	logger.Info("terminal attached", "render", renderMode)
	defer logger.Info("terminal detached")

	// Session events -> browser
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "session ended")
					return
				}
				if err := writeEvent(ctx, conn, palette, e, renderMode); err != nil {
					return
				}
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(terminalRateLimit), terminalRateBurst)

	// Browser -> session
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			s.send(ctx, conn, wk, data)
			continue
		}
		var msg termClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "resize":
			if msg.Cols <= 0 || msg.Rows <= 0 {
				continue
			}
			wk.Resize(min(msg.Rows, maxResizeRows), min(msg.Cols, maxResizeCols))
		case "key":
			b, err := keymap.Encode(msg.Key)
			if err != nil {
				logger.Debug("terminal unknown key", "key", logutil.SanitizeForLog(msg.Key))
				continue
			}
			s.send(ctx, conn, wk, b)
		case "input":
			s.send(ctx, conn, wk, []byte(msg.Data))
		}
	}
}

// send forwards input in chunks of at most maxInputMessageSize. A
// queue-full error is reported to the client and the rest of p is not sent;
// the worker already emits not-ready errors as events.
func (s *Server) send(ctx context.Context, conn *websocket.Conn, wk *session.Worker, p []byte) {
	for len(p) > 0 {
		n := min(len(p), maxInputMessageSize)
		err := wk.Send(p[:n])
		if errors.Is(err, session.ErrSessionNotReady) {
			return
		}
		if err != nil {
			msg, _ := json.Marshal(map[string]interface{}{
				"type":    "send_error",
				"detail":  err.Error(),
				"dropped": len(p),
			})
			conn.Write(ctx, websocket.MessageText, msg)
			return
		}
		p = p[n:]
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, p *theme.Palette, e session.Event, renderMode bool) error {
	if e.Type != session.EventOutput {
		msg, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, msg)
	}
	if !renderMode {
		return conn.Write(ctx, websocket.MessageBinary, e.Data)
	}
	ops := renderOps(p, e.Ops)
	if len(ops) == 0 {
		return nil
	}
	msg, err := json.Marshal(map[string]interface{}{
		"type":    "ops",
		"channel": e.Channel,
		"ops":     ops,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}
