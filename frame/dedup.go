package frame

import (
	"sync"
	"time"
)

const (
	dedupWindowSize = 1000
	dedupWindowTTL  = 5 * time.Minute
)

type dedupEntry struct {
	id   string
	seen time.Time
}

// DedupWindow drops the second copy of a live event: after a reconnect
// the gateway replays recent messages and reactions, and the same
// message id can arrive on both the old and the new link. It remembers
// up to dedupWindowSize ids or dedupWindowTTL, whichever bound hits
// first.
type DedupWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
}

func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		entries: make([]dedupEntry, 0, dedupWindowSize),
	}
}

// IsDuplicate reports whether msgID was already seen inside the window,
// recording it when it was not.
func (d *DedupWindow) IsDuplicate(msgID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	cutoff := now.Add(-dedupWindowTTL)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	for _, e := range d.entries {
		if e.id == msgID {
			return true
		}
	}

	if len(d.entries) >= dedupWindowSize {
		d.entries = d.entries[1:]
	}

	d.entries = append(d.entries, dedupEntry{id: msgID, seen: now})
	return false
}

// Len returns the current number of tracked ids.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
