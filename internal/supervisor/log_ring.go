package supervisor

import (
	"sync"
	"time"
)

// MaxLogs is the capacity of the log ring; the oldest entry is evicted on
// overflow.
const MaxLogs = 1000

// LogEntry is one captured line of child output or supervisor commentary
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, warn, error
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// LogRing is a bounded ring buffer of log entries. Writers append and trim;
// readers take snapshots. Seq counts every entry ever appended, which lets
// the stream endpoint ship only deltas on each tick.
type LogRing struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	seq      uint64
}

// NewLogRing creates a ring with the given capacity
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = MaxLogs
	}
	return &LogRing{capacity: capacity}
}

// Append adds an entry, evicting the oldest when full
func (r *LogRing) Append(entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
	r.seq++
}

// Snapshot returns a copy of the current entries
func (r *LogRing) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// SnapshotFrom returns the entries appended since a previous sequence
// number, plus the new cursor. Entries already evicted are silently gone.
func (r *LogRing) SnapshotFrom(seq uint64) ([]LogEntry, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	missed := r.seq - seq
	if missed == 0 {
		return nil, r.seq
	}
	if missed > uint64(len(r.entries)) {
		missed = uint64(len(r.entries))
	}
	out := make([]LogEntry, missed)
	copy(out, r.entries[uint64(len(r.entries))-missed:])
	return out, r.seq
}

// Len returns the number of retained entries
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
