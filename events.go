package zumi

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates lifecycle notifications.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventDuplicate    EventKind = "duplicate"
	EventError        EventKind = "error"
	EventClosed       EventKind = "closed"
)

// CloseReason classifies why a connection went away. It rides on
// `disconnected` events.
type CloseReason string

const (
	ReasonNone             CloseReason = ""
	ReasonNormal           CloseReason = "normal"
	ReasonExplicit         CloseReason = "explicit"
	ReasonNetworkError     CloseReason = "network_error"
	ReasonDuplicate        CloseReason = "duplicate"
	ReasonInvalidCipherKey CloseReason = "invalid_cipher_key"
	ReasonAuthError        CloseReason = "auth_error"
	ReasonSessionExpired   CloseReason = "session_expired"
)

// SessionExpiry reports whether the reason invalidates the session
// itself, calling for a fresh login instead of a reconnect.
func (r CloseReason) SessionExpiry() bool {
	switch r {
	case ReasonDuplicate, ReasonInvalidCipherKey, ReasonAuthError, ReasonSessionExpired:
		return true
	}
	return false
}

// Event is one lifecycle notification for one account.
type Event struct {
	ID      string
	Kind    EventKind
	Account string
	Reason  CloseReason
	Code    int   // websocket close code, when the gateway sent one
	Err     error // set on EventError
	At      time.Time
}

func newEvent(kind EventKind, account string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Account: account, At: time.Now()}
}

// Dispatcher fans lifecycle events out to subscribers. Publishing never
// blocks: a subscriber that stops draining loses events rather than
// stalling the connection's read path.
type Dispatcher struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int

	dropped atomic.Int64
}

// NewDispatcher returns an empty dispatcher. A nil logger falls back to
// slog.Default.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer (minimum 1).
// The returned cancel removes the subscription and closes the channel;
// it is safe to call more than once.
func (d *Dispatcher) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 16
	}
	ch := make(chan Event, buf)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			close(ch)
			d.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish hands ev to every subscriber with buffer room and counts the
// rest as dropped.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.dropped.Add(1)
			d.log.Debug("event dropped, subscriber lagging",
				"kind", ev.Kind, "account", ev.Account)
		}
	}
}

// Dropped returns how many events were discarded on full subscriber
// buffers.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }
