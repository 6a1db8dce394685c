package session

import (
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	allowed := [][2]State{
		{StateIdle, StateConnecting},
		{StateConnecting, StateAuthenticating},
		{StateConnecting, StateNegotiating},
		{StateAuthenticating, StateReady},
		{StateNegotiating, StateReady},
		{StateReady, StateClosing},
		{StateReady, StateFailed},
		{StateClosing, StateClosed},
	}
	for _, tr := range allowed {
		if !canTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]State{
		{StateReady, StateConnecting},
		{StateReady, StateAuthenticating},
		{StateFailed, StateConnecting},
		{StateClosed, StateConnecting},
		{StateClosed, StateFailed},
		{StateClosing, StateReady},
		{StateIdle, StateReady},
		{StateNegotiating, StateAuthenticating},
	}
	for _, tr := range denied {
		if canTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be denied", tr[0], tr[1])
		}
	}
	for _, s := range []State{StateClosed, StateFailed} {
		if !s.Terminal() || len(transitions[s]) != 0 {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestStateMachineRecordsTransitions(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sm := newStateMachine(func() time.Time { return now })
	var seen []StateTransition
	sm.set(StateConnecting, "dial", func(tr StateTransition) { seen = append(seen, tr) })
	if sm.set(StateReady, "skip", nil) {
		t.Fatal("connecting -> ready accepted")
	}
	sm.set(StateAuthenticating, "auth", nil)

	h := sm.history()
	if len(h) != 2 || h[0].From != StateIdle || h[1].To != StateAuthenticating || !h[0].Timestamp.Equal(now) {
		t.Fatalf("unexpected history %+v", h)
	}
	if len(seen) != 1 || seen[0].Reason != "dial" {
		t.Fatalf("callback saw %+v", seen)
	}
	if s, reason := sm.get(); s != StateAuthenticating || reason != "auth" {
		t.Fatalf("get = %s, %q", s, reason)
	}
}

func TestEventLogKeepsNewest(t *testing.T) {
	var l eventLog
	for i := 0; i < eventBufferSize+5; i++ {
		l.record(Event{Detail: string(rune('a' + i%26)), Reason: time.Duration(i).String()})
	}
	h := l.history()
	if len(h) != eventBufferSize {
		t.Fatalf("len = %d", len(h))
	}
	if h[0].Reason != time.Duration(5).String() || h[len(h)-1].Reason != time.Duration(eventBufferSize+4).String() {
		t.Fatalf("wrong window: first %q last %q", h[0].Reason, h[len(h)-1].Reason)
	}
}

func TestEventQueuePreservesOrder(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 1000; i++ {
		q.push(Event{Detail: time.Duration(i).String()})
	}
	q.close()
	i := 0
	for e := range q.out {
		if e.Detail != time.Duration(i).String() {
			t.Fatalf("event %d out of order: %s", i, e.Detail)
		}
		i++
	}
	if i != 1000 {
		t.Fatalf("delivered %d events", i)
	}
}

func TestDisplayAddr(t *testing.T) {
	tests := []struct {
		display, network, addr string
		screen                 int
	}{
		{":0", "unix", "/tmp/.X11-unix/X0", 0},
		{"unix:1.2", "unix", "/tmp/.X11-unix/X1", 2},
		{"localhost:10.0", "tcp", "localhost:6010", 0},
	}
	for _, tt := range tests {
		network, addr, err := displayAddr(tt.display)
		if err != nil || network != tt.network || addr != tt.addr {
			t.Errorf("displayAddr(%q) = %s %s %v", tt.display, network, addr, err)
		}
		if _, screen, _ := parseDisplay(tt.display); screen != tt.screen {
			t.Errorf("screen(%q) = %d", tt.display, screen)
		}
	}
	for _, bad := range []string{"", "nodisplay", ":x"} {
		if _, _, err := displayAddr(bad); err == nil {
			t.Errorf("displayAddr(%q) should fail", bad)
		}
	}
}

func TestClassifyHandshake(t *testing.T) {
	err := classifyHandshake("h:22", "bob", errString("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), nil)
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("expected AuthError, got %T", err)
	}
	err = classifyHandshake("h:22", "bob", errString("ssh: handshake failed: EOF"), nil)
	if ce, ok := err.(*ConnectError); !ok || ce.Reason != ReasonHandshake {
		t.Fatalf("expected handshake ConnectError, got %v", err)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
