//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Pequito/sessionvault/internal/session"
)

// watchResize forwards local window changes to the session.
func watchResize(fd int, w *session.Worker) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				if cols, rows, err := term.GetSize(fd); err == nil {
					w.Resize(rows, cols)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
