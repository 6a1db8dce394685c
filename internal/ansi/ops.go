package ansi

// Op is one terminal operation decoded from the byte stream. Consumers apply
// ops in the order they are produced.
type Op interface {
	isOp()
}

// PrintRun is a run of printable text drawn with Attr. Text is valid UTF-8.
type PrintRun struct {
	Text string
	Attr Attributes
}

// AxisMode says how one coordinate of a CursorMove is interpreted.
type AxisMode uint8

const (
	AxisKeep     AxisMode = iota // leave the coordinate unchanged
	AxisRelative                 // move by N (negative is up/left)
	AxisAbsolute                 // move to N, 1-based
)

type Axis struct {
	Mode AxisMode
	N    int
}

// CursorMove moves the cursor. Row and Col are independent.
type CursorMove struct {
	Row Axis
	Col Axis
}

type EraseKind uint8

const (
	EraseToEnd       EraseKind = iota // ED 0: cursor to end of screen
	EraseToStart                      // ED 1: start of screen to cursor
	EraseScreen                       // ED 2
	EraseScrollback                   // ED 3
	EraseLineToEnd                    // EL 0
	EraseLineToStart                  // EL 1
	EraseLine                         // EL 2
)

func (k EraseKind) String() string {
	switch k {
	case EraseToEnd:
		return "to_end"
	case EraseToStart:
		return "to_start"
	case EraseScreen:
		return "screen"
	case EraseScrollback:
		return "scrollback"
	case EraseLineToEnd:
		return "line_to_end"
	case EraseLineToStart:
		return "line_to_start"
	case EraseLine:
		return "line"
	default:
		return "unknown"
	}
}

type EraseRegion struct {
	Kind EraseKind
}

// SetAttribute carries the complete attribute set after an SGR sequence.
type SetAttribute struct {
	Attr Attributes
}

type Bell struct{}
type LineFeed struct{}
type CarriageReturn struct{}
type Backspace struct{}
type Tab struct{}
type SaveCursor struct{}
type RestoreCursor struct{}

// Reset is a full terminal reset (ESC c). Attributes are back to default.
type Reset struct{}

// ModeChange is SM/RM (CSI h / CSI l), DEC private when Private is set.
type ModeChange struct {
	Private bool
	Set     bool
	Modes   []int
}

type SetTitle struct {
	Title string
}

// Unknown is a sequence the parser recognised structurally but does not
// interpret, or one it aborted. Raw holds the bytes consumed, capped.
type Unknown struct {
	Raw []byte
}

func (PrintRun) isOp()       {}
func (CursorMove) isOp()     {}
func (EraseRegion) isOp()    {}
func (SetAttribute) isOp()   {}
func (Bell) isOp()           {}
func (LineFeed) isOp()       {}
func (CarriageReturn) isOp() {}
func (Backspace) isOp()      {}
func (Tab) isOp()            {}
func (SaveCursor) isOp()     {}
func (RestoreCursor) isOp()  {}
func (Reset) isOp()          {}
func (ModeChange) isOp()     {}
func (SetTitle) isOp()       {}
func (Unknown) isOp()        {}

// Coalesce merges adjacent PrintRuns that share attributes. Feeding a stream
// in pieces can split runs at chunk boundaries; after Coalesce the result is
// independent of how the stream was chunked.
func Coalesce(ops []Op) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		if run, ok := op.(PrintRun); ok && len(out) > 0 {
			if prev, ok := out[len(out)-1].(PrintRun); ok && prev.Attr == run.Attr {
				prev.Text += run.Text
				out[len(out)-1] = prev
				continue
			}
		}
		out = append(out, op)
	}
	return out
}
