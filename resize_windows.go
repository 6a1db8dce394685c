//go:build windows

package main

import "github.com/Pequito/sessionvault/internal/session"

// Windows consoles have no SIGWINCH; the size is fixed at connect time.
func watchResize(fd int, w *session.Worker) (stop func()) {
	return func() {}
}
