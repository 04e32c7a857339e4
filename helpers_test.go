package zumi

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSession(endpoints ...string) *Session {
	if len(endpoints) == 0 {
		endpoints = []string{"ws://gw-a.test", "ws://gw-b.test"}
	}
	return &Session{
		UID:         "uid-1",
		SecretKey:   "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", // "0123456789abcdef" twice
		APIType:     4,
		APIVersion:  "1",
		WSEndpoints: endpoints,
	}
}

// waitEvent drains ch until an event of the wanted kind shows up.
func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitConnState(t *testing.T, c *Connection, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("connection state = %s, want %s", c.State(), want)
}

func waitPhase(t *testing.T, rt *Runtime, want RuntimePhase) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rt.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("runtime phase = %s, want %s", rt.Phase(), want)
}
