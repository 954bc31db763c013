package alerting

import (
	"sync"
	"time"
)

const (
	DefaultCapacity  = 10
	DefaultRetention = 5 * time.Minute
)

// History keeps the most recent alerts first, capped at capacity. Active
// additionally filters by age.
type History struct {
	mu        sync.RWMutex
	capacity  int
	retention time.Duration
	items     []Alert
}

// NewHistory builds a history; non-positive arguments fall back to defaults.
func NewHistory(capacity int, retention time.Duration) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &History{capacity: capacity, retention: retention}
}

// Add prepends alerts, keeping their relative order, then drops the oldest
// entries beyond capacity.
func (h *History) Add(alerts ...Alert) {
	if len(alerts) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	combined := make([]Alert, 0, len(alerts)+len(h.items))
	combined = append(combined, alerts...)
	combined = append(combined, h.items...)
	if len(combined) > h.capacity {
		combined = combined[:h.capacity]
	}
	h.items = combined
}

// Active returns alerts younger than the retention window at now.
func (h *History) Active(now time.Time) []Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Alert, 0, len(h.items))
	for _, a := range h.items {
		if now.Sub(a.Timestamp) < h.retention {
			out = append(out, a)
		}
	}
	return out
}

// All returns a copy of every stored alert.
func (h *History) All() []Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Alert(nil), h.items...)
}

// Len reports the number of stored alerts.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// Dismiss removes the alert with id and reports whether it was present.
func (h *History) Dismiss(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, a := range h.items {
		if a.ID == id {
			h.items = append(h.items[:i:i], h.items[i+1:]...)
			return true
		}
	}
	return false
}

// Capacity returns the configured cap.
func (h *History) Capacity() int { return h.capacity }

// Retention returns the active window.
func (h *History) Retention() time.Duration { return h.retention }
