package keymap

import (
	"errors"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Return", "\r"},
		{"enter", "\r"},
		{"Backspace", "\x7f"},
		{"Up", "\x1b[A"},
		{"LEFT", "\x1b[D"},
		{"Home", "\x1b[H"},
		{"End", "\x1b[F"},
		{"Delete", "\x1b[3~"},
		{"PageDown", "\x1b[6~"},
		{"F1", "\x1bOP"},
		{"F4", "\x1bOS"},
		{"ctrl+c", "\x03"},
		{"Ctrl+D", "\x04"},
		{"ctrl+[", "\x1b"},
	}
	for _, tt := range tests {
		got, err := Encode(tt.name)
		if err != nil {
			t.Errorf("Encode(%q): %v", tt.name, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Encode(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEncodeUnknown(t *testing.T) {
	for _, name := range []string{"F13", "ctrl+", "ctrl+ab", ""} {
		if _, err := Encode(name); !errors.Is(err, ErrUnknownKey) {
			t.Errorf("Encode(%q) error = %v, want ErrUnknownKey", name, err)
		}
	}
}

func TestEncodeReturnsCopy(t *testing.T) {
	b, _ := Encode("up")
	b[0] = 'x'
	again, _ := Encode("up")
	if again[0] != 0x1b {
		t.Fatal("Encode leaked the shared table")
	}
}
