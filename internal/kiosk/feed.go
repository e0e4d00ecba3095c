package kiosk

import (
	"sync"
	"time"

	"qrattendance/internal/attendance"
)

// StatusSuppressed marks scans dropped as repeats within the cooldown.
const StatusSuppressed = "suppressed"

// Entry is the presented result of one scan.
type Entry struct {
	ScanID     string             `json:"scan_id"`
	Text       string             `json:"text"`
	Source     string             `json:"source,omitempty"`
	ObservedAt time.Time          `json:"observed_at"`
	Status     string             `json:"status"`
	Person     *attendance.Person `json:"person,omitempty"`
	Event      *attendance.Event  `json:"event,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Feed keeps the most recent entries and a running count per status. It is safe for
// concurrent use.
type Feed struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	counts  map[string]int
}

// NewFeed keeps up to size entries.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 100
	}
	return &Feed{entries: make([]Entry, size), counts: map[string]int{}}
}

// Add appends e, evicting the oldest entry when full.
func (f *Feed) Add(e Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[f.next] = e
	f.next = (f.next + 1) % len(f.entries)
	if f.next == 0 {
		f.full = true
	}
	f.counts[e.Status]++
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all retained.
func (f *Feed) Recent(limit int) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := f.len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (f.next - 1 - i + len(f.entries)) % len(f.entries)
		out = append(out, f.entries[idx])
	}
	return out
}

// Lookup finds a retained entry by scan ID.
func (f *Feed) Lookup(scanID string) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := f.len()
	for i := 0; i < n; i++ {
		idx := (f.next - 1 - i + len(f.entries)) % len(f.entries)
		if f.entries[idx].ScanID == scanID {
			return f.entries[idx], true
		}
	}
	return Entry{}, false
}

// Counts returns a copy of the per-status totals since start.
func (f *Feed) Counts() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

func (f *Feed) len() int {
	if f.full {
		return len(f.entries)
	}
	return f.next
}
