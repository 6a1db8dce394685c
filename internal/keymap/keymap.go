// Package keymap translates named keys into the bytes a VT-style terminal
// sends for them.
package keymap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownKey = errors.New("unknown key")

var special = map[string][]byte{
	"return":    []byte("\r"),
	"enter":     []byte("\r"),
	"backspace": []byte("\x7f"),
	"tab":       []byte("\t"),
	"escape":    []byte("\x1b"),
	"esc":       []byte("\x1b"),
	"up":        []byte("\x1b[A"),
	"down":      []byte("\x1b[B"),
	"right":     []byte("\x1b[C"),
	"left":      []byte("\x1b[D"),
	"home":      []byte("\x1b[H"),
	"end":       []byte("\x1b[F"),
	"delete":    []byte("\x1b[3~"),
	"pageup":    []byte("\x1b[5~"),
	"pagedown":  []byte("\x1b[6~"),
	"f1":        []byte("\x1bOP"),
	"f2":        []byte("\x1bOQ"),
	"f3":        []byte("\x1bOR"),
	"f4":        []byte("\x1bOS"),
}

// Encode returns the bytes for a key name such as "Up", "F2" or "ctrl+c".
// Names are case-insensitive.
func Encode(name string) ([]byte, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if b, ok := special[key]; ok {
		return append([]byte(nil), b...), nil
	}
	if rest, ok := strings.CutPrefix(key, "ctrl+"); ok && len(rest) == 1 {
		c := rest[0]
		switch {
		case c >= 'a' && c <= 'z':
			return []byte{c - 'a' + 1}, nil
		case c >= '@' && c <= '_':
			return []byte{c - '@'}, nil
		case c == ' ':
			return []byte{0}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, name)
}

// Names lists the named keys Encode accepts, sorted.
func Names() []string {
	names := make([]string, 0, len(special))
	for k := range special {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
