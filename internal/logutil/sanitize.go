package logutil

import (
	"fmt"
	"strings"
)

// SanitizeForLog removes newlines and control characters from remote or
// user-provided strings so they cannot forge log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 0x7f {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Preview describes typed input without revealing it. Keystrokes may carry
// passwords, so only the size and a count of control bytes are logged.
func Preview(p []byte) string {
	ctl := 0
	for _, b := range p {
		if b < 0x20 || b == 0x7f {
			ctl++
		}
	}
	if ctl == 0 {
		return fmt.Sprintf("%d bytes", len(p))
	}
	return fmt.Sprintf("%d bytes (%d control)", len(p), ctl)
}
