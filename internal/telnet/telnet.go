// Package telnet implements the client side of Telnet option negotiation.
//
// A Negotiator sits between the socket and the terminal parser: Feed strips
// IAC command sequences out of the inbound stream and returns the replies
// that must be written back. Policy is a fixed table keyed by option code;
// anything not in the table is refused. Replies are only sent when an
// option's state actually changes, so a misbehaving peer cannot start a
// negotiation loop.
package telnet

import (
	"errors"
	"fmt"
	"sync"
)

// Commands
const (
	SE   byte = 240
	NOP  byte = 241
	DM   byte = 242
	BRK  byte = 243
	IP   byte = 244
	AO   byte = 245
	AYT  byte = 246
	EC   byte = 247
	EL   byte = 248
	GA   byte = 249
	SB   byte = 250
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255
)

type Option byte

const (
	OptBinary Option = 0
	OptEcho   Option = 1
	OptSGA    Option = 3
	OptTType  Option = 24
	OptNAWS   Option = 31
)

func (o Option) String() string {
	switch o {
	case OptBinary:
		return "BINARY"
	case OptEcho:
		return "ECHO"
	case OptSGA:
		return "SGA"
	case OptTType:
		return "TTYPE"
	case OptNAWS:
		return "NAWS"
	default:
		return fmt.Sprintf("OPT%d", byte(o))
	}
}

// TTYPE subnegotiation codes
const (
	ttypeIS   byte = 0
	ttypeSend byte = 1
)

// maxSubneg bounds a subnegotiation payload.
const maxSubneg = 512

// policy says whether the peer may enable an option on its side (remote)
// and whether we agree to enable it on ours (local).
type policy struct {
	remote bool
	local  bool
}

var policies = map[Option]policy{
	OptEcho:   {remote: true, local: false},
	OptSGA:    {remote: true, local: true},
	OptBinary: {remote: true, local: true},
	OptNAWS:   {remote: false, local: true},
	OptTType:  {remote: false, local: true},
}

// ProtocolError reports malformed negotiation. It never ends the session.
// Option is only meaningful when Command is SB.
type ProtocolError struct {
	Command byte
	Option  Option
	Detail  string
}

func (e *ProtocolError) Error() string {
	if e.Command == SB {
		return fmt.Sprintf("telnet: %s: %s", e.Option, e.Detail)
	}
	return "telnet: " + e.Detail
}

type optState struct {
	local, remote               bool
	localPending, remotePending bool // we asked and are waiting for an answer
}

type parseState uint8

const (
	psData parseState = iota
	psIAC
	psVerb
	psSB
	psSBData
	psSBIAC
)

type Negotiator struct {
	mu       sync.Mutex
	termType string
	rows     int
	cols     int

	opts  map[Option]*optState
	state parseState
	verb  byte
	sbOpt Option
	sb    []byte
	sbBad bool
	cr    bool // last data byte was CR
}

func NewNegotiator(termType string, rows, cols int) *Negotiator {
	if termType == "" {
		termType = "xterm-256color"
	}
	return &Negotiator{
		termType: termType,
		rows:     rows,
		cols:     cols,
		opts:     make(map[Option]*optState),
	}
}

func (n *Negotiator) opt(o Option) *optState {
	s, ok := n.opts[o]
	if !ok {
		s = &optState{}
		n.opts[o] = s
	}
	return s
}

// Initial returns the offers sent right after connecting: WILL NAWS,
// WILL TTYPE and DO SGA.
func (n *Negotiator) Initial() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opt(OptNAWS).localPending = true
	n.opt(OptTType).localPending = true
	n.opt(OptSGA).remotePending = true
	return []byte{
		IAC, WILL, byte(OptNAWS),
		IAC, WILL, byte(OptTType),
		IAC, DO, byte(OptSGA),
	}
}

// Enabled reports whether o is active on our side and on the peer's side.
func (n *Negotiator) Enabled(o Option) (local, remote bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.opts[o]; ok {
		return s.local, s.remote
	}
	return false, false
}

// Feed consumes bytes read from the peer. It returns the payload with
// command sequences removed and any reply to send. Sequences split across
// reads are completed by later calls. err joins the *ProtocolErrors seen in
// p; data and reply are valid regardless.
func (n *Negotiator) Feed(p []byte) (data, reply []byte, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := feedResult{data: make([]byte, 0, len(p))}
	for _, b := range p {
		n.step(b, &out)
	}
	return out.data, out.reply, errors.Join(out.errs...)
}

type feedResult struct {
	data  []byte
	reply []byte
	errs  []error
}

func (n *Negotiator) step(b byte, out *feedResult) {
	switch n.state {
	case psData:
		if b == IAC {
			n.state = psIAC
			return
		}
		if n.cr && b == 0 {
			n.cr = false
			return
		}
		n.cr = b == '\r'
		out.data = append(out.data, b)
	case psIAC:
		n.state = psData
		switch b {
		case IAC:
			n.cr = false
			out.data = append(out.data, IAC)
		case WILL, WONT, DO, DONT:
			n.verb = b
			n.state = psVerb
		case SB:
			n.state = psSB
		case SE:
			out.errs = append(out.errs, &ProtocolError{Command: SE, Detail: "SE outside subnegotiation"})
		case NOP, DM, BRK, IP, AO, AYT, EC, EL, GA:
		default:
			out.errs = append(out.errs, &ProtocolError{Command: b, Detail: fmt.Sprintf("unknown command %d", b)})
		}
	case psVerb:
		n.state = psData
		out.reply = n.negotiate(out.reply, n.verb, Option(b))
	case psSB:
		n.sbOpt = Option(b)
		n.sb = n.sb[:0]
		n.sbBad = false
		n.state = psSBData
	case psSBData:
		if b == IAC {
			n.state = psSBIAC
			return
		}
		n.sbPut(b)
	case psSBIAC:
		switch b {
		case SE:
			n.state = psData
			var err error
			out.reply, err = n.subnegotiate(out.reply)
			if err != nil {
				out.errs = append(out.errs, err)
			}
		case IAC:
			n.state = psSBData
			n.sbPut(IAC)
		default:
			// IAC <cmd> inside SB: the subnegotiation was never closed.
			// Drop it and treat b as a command.
			out.errs = append(out.errs, &ProtocolError{Command: SB, Option: n.sbOpt, Detail: "unterminated subnegotiation"})
			n.state = psIAC
			n.step(b, out)
		}
	}
}

func (n *Negotiator) sbPut(b byte) {
	if len(n.sb) >= maxSubneg {
		n.sbBad = true
		return
	}
	n.sb = append(n.sb, b)
}

func (n *Negotiator) negotiate(reply []byte, verb byte, o Option) []byte {
	pol := policies[o]
	s := n.opt(o)
	switch verb {
	case DO:
		if !pol.local {
			// A request in the NO state is always answered. WONT/DONT
			// arriving in that state are never answered, which is what
			// keeps negotiation from looping.
			return append(reply, IAC, WONT, byte(o))
		}
		if s.local {
			return reply
		}
		s.local = true
		if s.localPending {
			s.localPending = false
		} else {
			reply = append(reply, IAC, WILL, byte(o))
		}
		if o == OptNAWS {
			reply = append(reply, n.naws()...)
		}
	case DONT:
		switch {
		case s.local:
			s.local = false
			reply = append(reply, IAC, WONT, byte(o))
		case s.localPending:
			s.localPending = false
		}
	case WILL:
		if !pol.remote {
			return append(reply, IAC, DONT, byte(o))
		}
		if s.remote {
			return reply
		}
		s.remote = true
		if s.remotePending {
			s.remotePending = false
		} else {
			reply = append(reply, IAC, DO, byte(o))
		}
	case WONT:
		switch {
		case s.remote:
			s.remote = false
			reply = append(reply, IAC, DONT, byte(o))
		case s.remotePending:
			s.remotePending = false
		}
	}
	return reply
}

func (n *Negotiator) subnegotiate(reply []byte) ([]byte, error) {
	if n.sbBad {
		return reply, &ProtocolError{Command: SB, Option: n.sbOpt, Detail: "subnegotiation too long"}
	}
	switch n.sbOpt {
	case OptTType:
		if len(n.sb) == 0 || n.sb[0] != ttypeSend {
			return reply, nil
		}
		if s := n.opts[OptTType]; s == nil || !s.local {
			return reply, &ProtocolError{Command: SB, Option: OptTType, Detail: "SEND before TTYPE was agreed"}
		}
		reply = append(reply, IAC, SB, byte(OptTType), ttypeIS)
		reply = append(reply, escape([]byte(n.termType))...)
		reply = append(reply, IAC, SE)
	}
	return reply, nil
}

// WindowSize records the terminal size and returns the NAWS report to send,
// or nil when NAWS has not been agreed.
func (n *Negotiator) WindowSize(rows, cols int) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rows, n.cols = rows, cols
	if s := n.opts[OptNAWS]; s == nil || !s.local {
		return nil
	}
	return n.naws()
}

func (n *Negotiator) naws() []byte {
	clamp := func(v int) uint16 {
		if v < 0 {
			return 0
		}
		if v > 0xffff {
			return 0xffff
		}
		return uint16(v)
	}
	c, r := clamp(n.cols), clamp(n.rows)
	payload := escape([]byte{byte(c >> 8), byte(c), byte(r >> 8), byte(r)})
	out := []byte{IAC, SB, byte(OptNAWS)}
	out = append(out, payload...)
	return append(out, IAC, SE)
}

// Escape doubles IAC bytes in outbound data.
func (n *Negotiator) Escape(p []byte) []byte {
	return escape(p)
}

func escape(p []byte) []byte {
	count := 0
	for _, b := range p {
		if b == IAC {
			count++
		}
	}
	if count == 0 {
		return p
	}
	out := make([]byte, 0, len(p)+count)
	for _, b := range p {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}
