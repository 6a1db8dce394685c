// Package ansi decodes a terminal output byte stream into ordered terminal
// operations.
//
// The decoder is a table-driven state machine in the style of the DEC
// ANSI-compatible parser: every input byte selects exactly one transition
// (an action plus a next state) from a [state][byte] table. State carries
// across Feed calls, so a sequence split over any number of reads decodes
// exactly as if it had arrived in one piece. Malformed input never fails;
// it degrades to Unknown operations and the parser returns to ground.
package ansi

import (
	"bytes"
	"unicode/utf8"
)

const (
	// DefaultMaxParams bounds the number of CSI parameters.
	DefaultMaxParams = 16
	// maxParamValue is the largest accepted CSI parameter.
	maxParamValue = 65535
	// maxSequence bounds the bytes kept for one escape sequence or OSC string.
	// Control sequences past it abort; strings keep running to their
	// terminator with the excess discarded.
	maxSequence = 4096
)

type state uint8

const (
	stateGround state = iota
	stateEscape
	stateEscapeIntermediate
	stateCSIEntry
	stateCSIParam
	stateCSIIntermediate
	stateCSIIgnore
	stateOSCString
	stateOSCEscape
	stateStringIgnore // DCS, SOS, PM, APC payloads
	stateStringEscape
	stateCount
)

func (s state) String() string {
	switch s {
	case stateGround:
		return "ground"
	case stateEscape:
		return "escape"
	case stateEscapeIntermediate:
		return "escape_intermediate"
	case stateCSIEntry:
		return "csi_entry"
	case stateCSIParam:
		return "csi_param"
	case stateCSIIntermediate:
		return "csi_intermediate"
	case stateCSIIgnore:
		return "csi_ignore"
	case stateOSCString:
		return "osc_string"
	case stateOSCEscape:
		return "osc_escape"
	case stateStringIgnore:
		return "string_ignore"
	case stateStringEscape:
		return "string_escape"
	default:
		return "unknown"
	}
}

// inString reports whether s collects an OSC or DCS/SOS/PM/APC payload.
// Those run until their terminator however long they get.
func (s state) inString() bool {
	switch s {
	case stateOSCString, stateOSCEscape, stateStringIgnore, stateStringEscape:
		return true
	}
	return false
}

type action uint8

const (
	actNone action = iota
	actPrint
	actExecute
	actIgnore
	actEnter   // start a new sequence (ESC seen)
	actRestart // abort the current sequence and start a new one
	actAbort   // CAN/SUB: abort the current sequence
	actCollect // intermediate byte
	actPrivate // CSI private marker
	actParam   // digit or separator
	actEscDispatch
	actCSIDispatch
	actCSIIgnoreEnd
	actOSCPut
	actOSCEnd
	actOSCAbort // ESC inside OSC not followed by '\'
	actStringPut
	actStringEnd
	actStringAbort
)

type transition struct {
	act  action
	next state
}

var table [stateCount][256]transition

func init() {
	for s := state(0); s < stateCount; s++ {
		for b := 0; b < 256; b++ {
			table[s][b] = transition{actIgnore, s}
		}
	}

	set := func(s state, from, to int, act action, next state) {
		for b := from; b <= to; b++ {
			table[s][b] = transition{act, next}
		}
	}
	// C0 controls execute in ground, escape and CSI states.
	executeC0 := func(s state) {
		set(s, 0x00, 0x17, actExecute, s)
		set(s, 0x19, 0x19, actExecute, s)
		set(s, 0x1c, 0x1f, actExecute, s)
	}

	// ground
	executeC0(stateGround)
	set(stateGround, 0x20, 0x7e, actPrint, stateGround)
	set(stateGround, 0x80, 0xff, actPrint, stateGround)
	set(stateGround, 0x1b, 0x1b, actEnter, stateEscape)
	set(stateGround, 0x18, 0x18, actIgnore, stateGround)
	set(stateGround, 0x1a, 0x1a, actIgnore, stateGround)

	// escape
	executeC0(stateEscape)
	set(stateEscape, 0x20, 0x2f, actCollect, stateEscapeIntermediate)
	set(stateEscape, 0x30, 0x7e, actEscDispatch, stateGround)
	set(stateEscape, '[', '[', actNone, stateCSIEntry)
	set(stateEscape, ']', ']', actNone, stateOSCString)
	set(stateEscape, 'P', 'P', actNone, stateStringIgnore)
	set(stateEscape, 'X', 'X', actNone, stateStringIgnore)
	set(stateEscape, '^', '^', actNone, stateStringIgnore)
	set(stateEscape, '_', '_', actNone, stateStringIgnore)
	set(stateEscape, 0x80, 0xff, actAbort, stateGround)

	// escape intermediate
	executeC0(stateEscapeIntermediate)
	set(stateEscapeIntermediate, 0x20, 0x2f, actCollect, stateEscapeIntermediate)
	set(stateEscapeIntermediate, 0x30, 0x7e, actEscDispatch, stateGround)
	set(stateEscapeIntermediate, 0x80, 0xff, actAbort, stateGround)

	// csi entry
	executeC0(stateCSIEntry)
	set(stateCSIEntry, 0x20, 0x2f, actCollect, stateCSIIntermediate)
	set(stateCSIEntry, 0x30, 0x3b, actParam, stateCSIParam)
	set(stateCSIEntry, 0x3c, 0x3f, actPrivate, stateCSIParam)
	set(stateCSIEntry, 0x40, 0x7e, actCSIDispatch, stateGround)
	set(stateCSIEntry, 0x80, 0xff, actNone, stateCSIIgnore)

	// csi param
	executeC0(stateCSIParam)
	set(stateCSIParam, 0x20, 0x2f, actCollect, stateCSIIntermediate)
	set(stateCSIParam, 0x30, 0x3b, actParam, stateCSIParam)
	set(stateCSIParam, 0x3c, 0x3f, actNone, stateCSIIgnore)
	set(stateCSIParam, 0x40, 0x7e, actCSIDispatch, stateGround)
	set(stateCSIParam, 0x80, 0xff, actNone, stateCSIIgnore)

	// csi intermediate
	executeC0(stateCSIIntermediate)
	set(stateCSIIntermediate, 0x20, 0x2f, actCollect, stateCSIIntermediate)
	set(stateCSIIntermediate, 0x30, 0x3f, actNone, stateCSIIgnore)
	set(stateCSIIntermediate, 0x40, 0x7e, actCSIDispatch, stateGround)
	set(stateCSIIntermediate, 0x80, 0xff, actNone, stateCSIIgnore)

	// csi ignore
	executeC0(stateCSIIgnore)
	set(stateCSIIgnore, 0x40, 0x7e, actCSIIgnoreEnd, stateGround)

	// osc
	set(stateOSCString, 0x20, 0xff, actOSCPut, stateOSCString)
	set(stateOSCString, 0x07, 0x07, actOSCEnd, stateGround)
	set(stateOSCString, 0x1b, 0x1b, actNone, stateOSCEscape)
	set(stateOSCEscape, 0x00, 0xff, actOSCAbort, stateEscape)
	set(stateOSCEscape, '\\', '\\', actOSCEnd, stateGround)

	// dcs / sos / pm / apc payloads are swallowed
	set(stateStringIgnore, 0x00, 0xff, actStringPut, stateStringIgnore)
	set(stateStringIgnore, 0x1b, 0x1b, actNone, stateStringEscape)
	set(stateStringEscape, 0x00, 0xff, actStringAbort, stateEscape)
	set(stateStringEscape, '\\', '\\', actStringEnd, stateGround)

	// ESC restarts and CAN/SUB abort in every sequence state. OSC and
	// string states route ESC through their escape states above.
	for s := stateEscape; s < stateCount; s++ {
		if s != stateOSCString && s != stateStringIgnore {
			table[s][0x1b] = transition{actRestart, stateEscape}
		}
		table[s][0x18] = transition{actAbort, stateGround}
		table[s][0x1a] = transition{actAbort, stateGround}
	}
	table[stateOSCEscape][0x1b] = transition{actOSCAbort, stateEscape}
	table[stateStringEscape][0x1b] = transition{actStringAbort, stateEscape}
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxParams sets the CSI parameter cap. Values below 1 are ignored.
func WithMaxParams(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxParams = n
		}
	}
}

// Parser is an incremental escape-sequence decoder. It is not safe for
// concurrent use; each interactive channel owns one.
type Parser struct {
	state     state
	attr      Attributes
	maxParams int

	run []byte // pending printable bytes, possibly ending in a partial rune
	raw []byte // bytes of the current sequence, capped at maxSequence

	intermediates []byte
	private       byte
	params        []int
	colon         []bool
	cur           int
	curSet        bool
	sawParam      bool
	nextColon     bool
	overflow      bool // parameter count or value out of range
	tooLong       bool
	reported      bool // an Unknown was already emitted for this sequence

	osc []byte
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{maxParams: DefaultMaxParams}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed decodes data and returns the resulting operations.
func (p *Parser) Feed(data []byte) []Op {
	var ops []Op
	p.FeedFunc(data, func(op Op) { ops = append(ops, op) })
	return ops
}

// FeedFunc decodes data, calling emit for each operation in order. Pending
// printable text is flushed before returning, except for a trailing partial
// UTF-8 sequence, which is held for the next call.
func (p *Parser) FeedFunc(data []byte, emit func(Op)) {
	for _, b := range data {
		p.step(b, emit)
	}
	p.flushRun(emit, true)
}

// InGround reports whether the parser is between sequences.
func (p *Parser) InGround() bool { return p.state == stateGround }

// Attributes returns the rendition that applies to the next printed text.
func (p *Parser) Attributes() Attributes { return p.attr }

// Reset returns the parser to its initial state, dropping any partial input.
func (p *Parser) Reset() {
	p.state = stateGround
	p.attr = Attributes{}
	p.run = p.run[:0]
	p.clear()
}

func (p *Parser) step(b byte, emit func(Op)) {
	t := table[p.state][b]
	if p.state != stateGround && t.act != actRestart && t.act != actOSCAbort && t.act != actStringAbort {
		p.record(b)
	}

	switch t.act {
	case actNone, actIgnore:
	case actPrint:
		p.run = append(p.run, b)
		return
	case actExecute:
		p.flushRun(emit, false)
		p.execute(b, emit)
		return
	case actEnter:
		p.flushRun(emit, false)
		p.clear()
		p.record(b)
	case actRestart:
		p.unknown(emit)
		p.clear()
		p.record(b)
	case actAbort:
		p.unknown(emit)
		p.clear()
	case actCollect:
		if len(p.intermediates) < 4 {
			p.intermediates = append(p.intermediates, b)
		}
	case actPrivate:
		p.private = b
	case actParam:
		p.param(b)
	case actEscDispatch:
		p.escDispatch(b, emit)
		p.clear()
	case actCSIDispatch:
		if p.sawParam {
			p.pushParam()
		}
		if p.overflow {
			p.unknown(emit)
		} else {
			p.csiDispatch(b, emit)
		}
		p.clear()
	case actCSIIgnoreEnd:
		p.unknown(emit)
		p.clear()
	case actOSCPut:
		if len(p.osc) < maxSequence {
			p.osc = append(p.osc, b)
		}
	case actOSCEnd:
		if p.tooLong {
			p.unknown(emit)
		} else {
			p.oscDispatch(emit)
		}
		p.clear()
	case actOSCAbort, actStringAbort:
		// The ESC that looked like a string terminator starts a new
		// sequence; the interrupted string is reported and b is reprocessed.
		p.unknown(emit)
		p.clear()
		p.record(0x1b)
		p.state = stateEscape
		p.step(b, emit)
		return
	case actStringPut:
	case actStringEnd:
		p.unknown(emit)
		p.clear()
	}

	p.state = t.next
	if p.tooLong && !p.state.inString() {
		// An unterminated sequence must not swallow the stream.
		p.unknown(emit)
		p.clear()
		p.state = stateGround
		return
	}
	if p.overflow && p.state == stateCSIParam {
		p.state = stateCSIIgnore
	}
}

// record appends b to the raw sequence, flagging sequences that outgrow
// maxSequence. Bytes past the cap are dropped.
func (p *Parser) record(b byte) {
	if len(p.raw) < maxSequence {
		p.raw = append(p.raw, b)
		return
	}
	p.tooLong = true
}

func (p *Parser) clear() {
	p.raw = p.raw[:0]
	p.intermediates = p.intermediates[:0]
	p.private = 0
	p.params = p.params[:0]
	p.colon = p.colon[:0]
	p.cur = 0
	p.curSet = false
	p.sawParam = false
	p.nextColon = false
	p.overflow = false
	p.tooLong = false
	p.reported = false
	p.osc = p.osc[:0]
}

func (p *Parser) unknown(emit func(Op)) {
	if p.reported || len(p.raw) == 0 {
		return
	}
	p.reported = true
	emit(Unknown{Raw: bytes.Clone(p.raw)})
}

func (p *Parser) param(b byte) {
	p.sawParam = true
	if p.overflow {
		return
	}
	if b == ';' || b == ':' {
		p.pushParam()
		p.nextColon = b == ':'
		return
	}
	p.cur = p.cur*10 + int(b-'0')
	p.curSet = true
	if p.cur > maxParamValue {
		p.overflow = true
	}
}

func (p *Parser) pushParam() {
	if p.overflow {
		return
	}
	if len(p.params) >= p.maxParams {
		p.overflow = true
		return
	}
	v := -1
	if p.curSet {
		v = p.cur
	}
	p.params = append(p.params, v)
	p.colon = append(p.colon, p.nextColon)
	p.cur = 0
	p.curSet = false
	p.nextColon = false
}

// flushRun emits pending text. When holdPartial is set a trailing partial
// UTF-8 sequence stays pending.
func (p *Parser) flushRun(emit func(Op), holdPartial bool) {
	if len(p.run) == 0 {
		return
	}
	end := len(p.run)
	if holdPartial {
		end = completePrefix(p.run)
	}
	if end == 0 {
		return
	}
	emit(PrintRun{Text: decodeRun(p.run[:end]), Attr: p.attr})
	n := copy(p.run, p.run[end:])
	p.run = p.run[:n]
}

// completePrefix returns the length of the longest prefix of b that ends on a
// rune boundary as seen by a left-to-right decoder.
func completePrefix(b []byte) int {
	i := 0
	for i < len(b) {
		if !utf8.FullRune(b[i:]) {
			return i
		}
		_, size := utf8.DecodeRune(b[i:])
		i += size
	}
	return i
}

// decodeRun converts b to valid UTF-8, replacing each invalid byte with
// U+FFFD so the result does not depend on where b was split.
func decodeRun(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}

func (p *Parser) execute(b byte, emit func(Op)) {
	switch b {
	case 0x00:
	case 0x07:
		emit(Bell{})
	case 0x08:
		emit(Backspace{})
	case 0x09:
		emit(Tab{})
	case 0x0a, 0x0b, 0x0c:
		emit(LineFeed{})
	case 0x0d:
		emit(CarriageReturn{})
	default:
		emit(Unknown{Raw: []byte{b}})
	}
}

func (p *Parser) escDispatch(final byte, emit func(Op)) {
	if len(p.intermediates) > 0 {
		p.unknown(emit)
		return
	}
	switch final {
	case '7':
		emit(SaveCursor{})
	case '8':
		emit(RestoreCursor{})
	case 'c':
		p.attr = Attributes{}
		emit(Reset{})
	case 'D':
		emit(LineFeed{})
	case 'E':
		emit(CarriageReturn{})
		emit(LineFeed{})
	default:
		p.unknown(emit)
	}
}

// arg returns parameter i, or def when it is missing or empty.
func (p *Parser) arg(i, def int) int {
	if i >= len(p.params) || p.params[i] < 0 {
		return def
	}
	return p.params[i]
}

// count is like arg but treats 0 as 1, as cursor movement does.
func (p *Parser) count(i int) int {
	n := p.arg(i, 1)
	if n == 0 {
		return 1
	}
	return n
}

func (p *Parser) csiDispatch(final byte, emit func(Op)) {
	if len(p.intermediates) > 0 {
		p.unknown(emit)
		return
	}
	if p.private != 0 {
		if p.private == '?' && (final == 'h' || final == 'l') {
			emit(ModeChange{Private: true, Set: final == 'h', Modes: p.modes()})
			return
		}
		p.unknown(emit)
		return
	}

	keep := Axis{Mode: AxisKeep}
	switch final {
	case 'A':
		emit(CursorMove{Row: Axis{AxisRelative, -p.count(0)}, Col: keep})
	case 'B':
		emit(CursorMove{Row: Axis{AxisRelative, p.count(0)}, Col: keep})
	case 'C':
		emit(CursorMove{Row: keep, Col: Axis{AxisRelative, p.count(0)}})
	case 'D':
		emit(CursorMove{Row: keep, Col: Axis{AxisRelative, -p.count(0)}})
	case 'E':
		emit(CursorMove{Row: Axis{AxisRelative, p.count(0)}, Col: Axis{AxisAbsolute, 1}})
	case 'F':
		emit(CursorMove{Row: Axis{AxisRelative, -p.count(0)}, Col: Axis{AxisAbsolute, 1}})
	case 'G':
		emit(CursorMove{Row: keep, Col: Axis{AxisAbsolute, p.count(0)}})
	case 'd':
		emit(CursorMove{Row: Axis{AxisAbsolute, p.count(0)}, Col: keep})
	case 'H', 'f':
		emit(CursorMove{Row: Axis{AxisAbsolute, p.count(0)}, Col: Axis{AxisAbsolute, p.count(1)}})
	case 'J':
		switch p.arg(0, 0) {
		case 0:
			emit(EraseRegion{Kind: EraseToEnd})
		case 1:
			emit(EraseRegion{Kind: EraseToStart})
		case 2:
			emit(EraseRegion{Kind: EraseScreen})
		case 3:
			emit(EraseRegion{Kind: EraseScrollback})
		default:
			p.unknown(emit)
		}
	case 'K':
		switch p.arg(0, 0) {
		case 0:
			emit(EraseRegion{Kind: EraseLineToEnd})
		case 1:
			emit(EraseRegion{Kind: EraseLineToStart})
		case 2:
			emit(EraseRegion{Kind: EraseLine})
		default:
			p.unknown(emit)
		}
	case 'm':
		p.attr = applySGR(p.attr, p.params, p.colon)
		emit(SetAttribute{Attr: p.attr})
	case 's':
		emit(SaveCursor{})
	case 'u':
		emit(RestoreCursor{})
	case 'h', 'l':
		emit(ModeChange{Set: final == 'h', Modes: p.modes()})
	default:
		p.unknown(emit)
	}
}

func (p *Parser) modes() []int {
	modes := make([]int, 0, len(p.params))
	for _, v := range p.params {
		if v >= 0 {
			modes = append(modes, v)
		}
	}
	return modes
}

// oscDispatch handles a terminated OSC string. Only window and icon title
// (0 and 2) are interpreted; other commands are dropped.
func (p *Parser) oscDispatch(emit func(Op)) {
	cmd, text, ok := bytes.Cut(p.osc, []byte{';'})
	if !ok {
		return
	}
	switch string(cmd) {
	case "0", "2":
		emit(SetTitle{Title: decodeRun(text)})
	}
}
