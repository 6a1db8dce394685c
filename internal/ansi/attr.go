package ansi

type ColorMode uint8

const (
	ColorDefault ColorMode = iota
	ColorIndexed16
	ColorIndexed256
	ColorRGB
)

func (m ColorMode) String() string {
	switch m {
	case ColorDefault:
		return "default"
	case ColorIndexed16:
		return "indexed16"
	case ColorIndexed256:
		return "indexed256"
	case ColorRGB:
		return "rgb"
	default:
		return "unknown"
	}
}

// Color is a foreground or background colour. Exactly one representation is
// active, selected by Mode; Index is used by the indexed modes and R, G, B by
// ColorRGB.
type Color struct {
	Mode    ColorMode
	Index   uint8
	R, G, B uint8
}

func DefaultColor() Color       { return Color{} }
func Indexed16(i uint8) Color   { return Color{Mode: ColorIndexed16, Index: i & 0x0f} }
func Indexed256(i uint8) Color  { return Color{Mode: ColorIndexed256, Index: i} }
func RGB(r, g, b uint8) Color   { return Color{Mode: ColorRGB, R: r, G: g, B: b} }
func (c Color) IsDefault() bool { return c.Mode == ColorDefault }

// Attributes is the rendition state applied to printed text. The zero value
// is the default rendition. Attributes is comparable.
type Attributes struct {
	FG, BG        Color
	Bold          bool
	Faint         bool
	Italic        bool
	Underline     bool
	Blink         bool
	Inverse       bool
	Hidden        bool
	Strikethrough bool
}

// applySGR updates a with the SGR parameters. params holds -1 for an empty
// parameter; colon[i] reports that params[i] was joined to the previous one
// with ':'. A malformed extended colour stops processing of the rest.
func applySGR(a Attributes, params []int, colon []bool) Attributes {
	if len(params) == 0 {
		return Attributes{}
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		if p < 0 {
			p = 0
		}
		switch {
		case p == 0:
			a = Attributes{}
		case p == 1:
			a.Bold = true
		case p == 2:
			a.Faint = true
		case p == 3:
			a.Italic = true
		case p == 4 || p == 21:
			a.Underline = true
		case p == 5 || p == 6:
			a.Blink = true
		case p == 7:
			a.Inverse = true
		case p == 8:
			a.Hidden = true
		case p == 9:
			a.Strikethrough = true
		case p == 22:
			a.Bold, a.Faint = false, false
		case p == 23:
			a.Italic = false
		case p == 24:
			a.Underline = false
		case p == 25:
			a.Blink = false
		case p == 27:
			a.Inverse = false
		case p == 28:
			a.Hidden = false
		case p == 29:
			a.Strikethrough = false
		case p >= 30 && p <= 37:
			a.FG = Indexed16(uint8(p - 30))
		case p == 39:
			a.FG = DefaultColor()
		case p >= 40 && p <= 47:
			a.BG = Indexed16(uint8(p - 40))
		case p == 49:
			a.BG = DefaultColor()
		case p >= 90 && p <= 97:
			a.FG = Indexed16(uint8(p - 90 + 8))
		case p >= 100 && p <= 107:
			a.BG = Indexed16(uint8(p - 100 + 8))
		case p == 38 || p == 48:
			c, next, ok := extendedColor(params, colon, i+1)
			if !ok {
				return a
			}
			if p == 38 {
				a.FG = c
			} else {
				a.BG = c
			}
			i = next - 1
		}
	}
	return a
}

// extendedColor decodes the parameters after 38/48 starting at i. It accepts
// the semicolon form (38;5;n and 38;2;r;g;b) and the colon form, where the
// RGB variant may carry a colour-space id (38:2:id:r:g:b). next is the index
// of the first parameter not consumed.
func extendedColor(params []int, colon []bool, i int) (c Color, next int, ok bool) {
	if i >= len(params) {
		return Color{}, i, false
	}

	var group []int
	if colon[i] {
		j := i
		for j < len(params) && colon[j] {
			group = append(group, params[j])
			j++
		}
		next = j
	} else {
		switch params[i] {
		case 5:
			if i+1 >= len(params) {
				return Color{}, i, false
			}
			group = params[i : i+2]
		case 2:
			if i+3 >= len(params) {
				return Color{}, i, false
			}
			group = params[i : i+4]
		default:
			return Color{}, i, false
		}
		next = i + len(group)
	}

	byteVal := func(v int) (uint8, bool) {
		if v < 0 {
			v = 0
		}
		if v > 255 {
			return 0, false
		}
		return uint8(v), true
	}

	switch group[0] {
	case 5:
		if len(group) != 2 {
			return Color{}, next, false
		}
		n, ok := byteVal(group[1])
		if !ok {
			return Color{}, next, false
		}
		return Indexed256(n), next, true
	case 2:
		var rgb []int
		switch len(group) {
		case 4:
			rgb = group[1:]
		case 5:
			rgb = group[2:]
		default:
			return Color{}, next, false
		}
		r, ok1 := byteVal(rgb[0])
		g, ok2 := byteVal(rgb[1])
		b, ok3 := byteVal(rgb[2])
		if !ok1 || !ok2 || !ok3 {
			return Color{}, next, false
		}
		return RGB(r, g, b), next, true
	}
	return Color{}, next, false
}
