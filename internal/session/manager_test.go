package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Pequito/sessionvault/internal/hostkeys"
)

func TestManagerSubscribeAndRemove(t *testing.T) {
	srv := newTestSSHServer(t)
	store := hostkeys.NewMemoryStore()
	m := NewManager(nil, store)
	defer m.CloseAll()

	w := m.Open(sshTestConfig(srv))
	events, cancel, err := m.Subscribe(w.ID(), 16)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got, ok := m.Get(w.ID()); !ok || got != w {
		t.Fatal("worker not registered")
	}
	if _, ok, _ := store.Lookup(hostkeys.Normalize(srv.addr)); !ok {
		t.Fatal("manager's host key store was not used")
	}

	var out strings.Builder
	timeout := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "welcome") {
		select {
		case ev := <-events:
			out.Write(ev.Data)
		case <-timeout:
			t.Fatalf("no output via subscription, got %q", out.String())
		}
	}

	if err := m.Remove(w.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// The subscription ends with the worker.
	for {
		select {
		case _, ok := <-events:
			if !ok {
				if len(m.List()) != 0 {
					t.Fatal("worker still listed")
				}
				if err := m.Remove(w.ID()); !errors.Is(err, ErrUnknownSession) {
					t.Fatalf("second Remove: %v", err)
				}
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("subscription not closed after Remove")
		}
	}
}

func TestManagerConnectFailureStaysListed(t *testing.T) {
	m := NewManager(nil, nil)
	w, err := m.Connect(context.Background(), Config{Host: "127.0.0.1", Port: 1, ConnectTimeout: time.Second})
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if w.State() != StateFailed {
		t.Fatalf("state = %s", w.State())
	}
	if len(m.List()) != 1 {
		t.Fatal("failed worker not listed")
	}
	events, cancel, err := m.Subscribe(w.ID(), 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	select {
	case _, ok := <-events:
		if ok {
			// A late event may still be in flight; the channel must close.
			for range events {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription to a finished worker did not close")
	}
	if _, _, err := m.Subscribe("nope", 1); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Subscribe unknown: %v", err)
	}
}
