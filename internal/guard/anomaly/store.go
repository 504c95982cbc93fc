package anomaly

import (
	"sync"
	"time"
)

// RecordParams carries the thresholds the store needs to maintain a client
// activity record for one observed request.
type RecordParams struct {
	Window       time.Duration
	MinInterval  time.Duration
	PatternDelta int
}

// Snapshot is the state of a client record after an observation.
type Snapshot struct {
	Count    int
	Patterns int
	Interval time.Duration // time since the previous request; 0 on first sight
}

// ClientStateStore owns the per-client detection state and the block
// registry. State is process-local in the default implementation; an
// external shared store can replace it for horizontally scaled deployments.
type ClientStateStore interface {
	// Record observes one request from clientKey. The request count resets
	// when the detection window has elapsed — a cross-window count is stale
	// and must never be incremented. The pattern counter accumulates
	// PatternDelta, plus one more when the inter-arrival interval is below
	// MinInterval.
	Record(clientKey string, now time.Time, p RecordParams) Snapshot
	// IsBlocked reports whether clientKey has an unexpired block entry.
	// Expired entries are removed on read.
	IsBlocked(clientKey string, now time.Time) bool
	// Block inserts a block entry for clientKey lasting until the given time.
	Block(clientKey string, until time.Time)
	// BlockedCount returns the number of unexpired block entries.
	BlockedCount(now time.Time) int
	// BlockedKeys returns the currently blocked client keys and expiries.
	BlockedKeys(now time.Time) map[string]time.Time
	// Sweep evicts expired block entries and activity records idle longer
	// than staleAfter. Returns counts of removed entries.
	Sweep(now time.Time, staleAfter time.Duration) (blocks, records int)
}

// MemoryStore is the in-memory ClientStateStore. Records carry their own
// mutex inside a sync.Map so concurrent requests for different clients never
// serialize on a shared lock.
type MemoryStore struct {
	activity sync.Map // clientKey -> *activityRecord
	blocks   sync.Map // clientKey -> time.Time (blocked until)
}

type activityRecord struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lastSeen    time.Time
	patterns    int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Record(clientKey string, now time.Time, p RecordParams) Snapshot {
	v, _ := m.activity.LoadOrStore(clientKey, &activityRecord{})
	rec := v.(*activityRecord)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	var interval time.Duration
	if !rec.lastSeen.IsZero() {
		interval = now.Sub(rec.lastSeen)
	}

	if rec.windowStart.IsZero() || now.Sub(rec.windowStart) > p.Window {
		rec.count = 1
		rec.windowStart = now
	} else {
		rec.count++
	}

	rec.patterns += p.PatternDelta
	if interval > 0 && interval < p.MinInterval {
		rec.patterns++
	}
	rec.lastSeen = now

	return Snapshot{Count: rec.count, Patterns: rec.patterns, Interval: interval}
}

func (m *MemoryStore) IsBlocked(clientKey string, now time.Time) bool {
	v, ok := m.blocks.Load(clientKey)
	if !ok {
		return false
	}
	until := v.(time.Time)
	if now.After(until) {
		m.blocks.Delete(clientKey)
		return false
	}
	return true
}

func (m *MemoryStore) Block(clientKey string, until time.Time) {
	m.blocks.Store(clientKey, until)
}

func (m *MemoryStore) BlockedCount(now time.Time) int {
	count := 0
	m.blocks.Range(func(_, v interface{}) bool {
		if now.Before(v.(time.Time)) {
			count++
		}
		return true
	})
	return count
}

func (m *MemoryStore) BlockedKeys(now time.Time) map[string]time.Time {
	out := make(map[string]time.Time)
	m.blocks.Range(func(k, v interface{}) bool {
		until := v.(time.Time)
		if now.Before(until) {
			out[k.(string)] = until
		}
		return true
	})
	return out
}

func (m *MemoryStore) Sweep(now time.Time, staleAfter time.Duration) (blocks, records int) {
	m.blocks.Range(func(k, v interface{}) bool {
		if now.After(v.(time.Time)) {
			m.blocks.Delete(k)
			blocks++
		}
		return true
	})

	cutoff := now.Add(-staleAfter)
	m.activity.Range(func(k, v interface{}) bool {
		rec := v.(*activityRecord)
		rec.mu.Lock()
		stale := rec.lastSeen.Before(cutoff)
		rec.mu.Unlock()
		if stale {
			m.activity.Delete(k)
			records++
		}
		return true
	})
	return blocks, records
}
