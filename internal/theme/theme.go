// Package theme resolves terminal colours against a palette.
package theme

import (
	"fmt"
	"os"

	"github.com/Pequito/sessionvault/internal/ansi"
	"github.com/lucasb-eyer/go-colorful"
	"gopkg.in/yaml.v3"
)

// Palette maps the default and 16 indexed colours to concrete values.
type Palette struct {
	Name       string
	Foreground colorful.Color
	Background colorful.Color
	ANSI       [16]colorful.Color

	// BoldIsBright renders bold text in colours 0-7 with their bright variant.
	BoldIsBright bool
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(fmt.Sprintf("theme: bad colour %q: %v", s, err))
	}
	return c
}

// Mocha is the default dark palette.
func Mocha() *Palette {
	surface1 := mustHex("#45475a")
	surface2 := mustHex("#585b70")
	red := mustHex("#f38ba8")
	green := mustHex("#a6e3a1")
	yellow := mustHex("#f9e2af")
	blue := mustHex("#89b4fa")
	mauve := mustHex("#cba6f7")
	teal := mustHex("#94e2d5")
	text := mustHex("#cdd6f4")
	return &Palette{
		Name:       "mocha",
		Foreground: text,
		Background: mustHex("#1e1e2e"),
		ANSI: [16]colorful.Color{
			surface1, red, green, yellow, blue, mauve, teal, text,
			surface2, red, green, yellow, blue, mauve, teal, text,
		},
	}
}

// Color256 returns index n of the xterm 256-colour table: the palette's 16
// colours, the 6x6x6 cube, then the 24-step grey ramp.
func (p *Palette) Color256(n uint8) colorful.Color {
	switch {
	case n < 16:
		return p.ANSI[n]
	case n < 232:
		idx := int(n) - 16
		level := func(x int) uint8 {
			if x == 0 {
				return 0
			}
			return uint8(55 + x*40)
		}
		return rgb255(level(idx/36%6), level(idx/6%6), level(idx%6))
	default:
		v := uint8(8 + (int(n)-232)*10)
		return rgb255(v, v, v)
	}
}

func rgb255(r, g, b uint8) colorful.Color {
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}

// Color resolves c; def is used for the default colour.
func (p *Palette) Color(c ansi.Color, def colorful.Color) colorful.Color {
	switch c.Mode {
	case ansi.ColorIndexed16:
		return p.ANSI[c.Index&0x0f]
	case ansi.ColorIndexed256:
		return p.Color256(c.Index)
	case ansi.ColorRGB:
		return rgb255(c.R, c.G, c.B)
	default:
		return def
	}
}

// Resolve returns the foreground and background hex colours for text drawn
// with a, honouring inverse, faint and hidden.
func (p *Palette) Resolve(a ansi.Attributes) (fg, bg string) {
	fgc := a.FG
	if p.BoldIsBright && a.Bold && fgc.Mode == ansi.ColorIndexed16 && fgc.Index < 8 {
		fgc = ansi.Indexed16(fgc.Index + 8)
	}
	f := p.Color(fgc, p.Foreground)
	b := p.Color(a.BG, p.Background)
	if a.Inverse {
		f, b = b, f
	}
	if a.Faint {
		f = f.BlendRgb(b, 0.4)
	}
	if a.Hidden {
		f = b
	}
	return f.Clamped().Hex(), b.Clamped().Hex()
}

// Nearest256 returns the 256-colour index closest to c in CIE Lab space.
func (p *Palette) Nearest256(c colorful.Color) uint8 {
	best, bestDist := 0, -1.0
	for i := 0; i < 256; i++ {
		d := c.DistanceLab(p.Color256(uint8(i)))
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return uint8(best)
}

type paletteFile struct {
	Name         string   `yaml:"name"`
	Foreground   string   `yaml:"foreground"`
	Background   string   `yaml:"background"`
	ANSI         []string `yaml:"ansi"`
	BoldIsBright bool     `yaml:"bold_is_bright"`
}

// Load reads a palette from a YAML file. Missing entries fall back to Mocha.
func Load(path string) (*Palette, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read palette: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Palette, error) {
	var f paletteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse palette: %w", err)
	}
	if len(f.ANSI) > 16 {
		return nil, fmt.Errorf("parse palette: %d ansi colours, want at most 16", len(f.ANSI))
	}

	p := Mocha()
	if f.Name != "" {
		p.Name = f.Name
	}
	p.BoldIsBright = f.BoldIsBright
	set := func(dst *colorful.Color, hex, field string) error {
		if hex == "" {
			return nil
		}
		c, err := colorful.Hex(hex)
		if err != nil {
			return fmt.Errorf("parse palette %s: %w", field, err)
		}
		*dst = c
		return nil
	}
	if err := set(&p.Foreground, f.Foreground, "foreground"); err != nil {
		return nil, err
	}
	if err := set(&p.Background, f.Background, "background"); err != nil {
		return nil, err
	}
	for i, hex := range f.ANSI {
		if err := set(&p.ANSI[i], hex, fmt.Sprintf("ansi[%d]", i)); err != nil {
			return nil, err
		}
	}
	return p, nil
}
