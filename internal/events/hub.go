// Package events is the in-process event stream behind GET /events.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeReportClassified = "report.classified"
	TypeTriggerEnqueued  = "trigger.enqueued"
	TypeTriggerCompleted = "trigger.completed"
	TypeCatalogChanged   = "catalog.changed"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// ReportClassified is the payload of TypeReportClassified.
type ReportClassified struct {
	Revision  string `json:"revision"`
	Keys      int    `json:"keys"`
	NewBuilds int    `json:"new_builds"`
}

// TriggerEnqueued is the payload of TypeTriggerEnqueued.
type TriggerEnqueued struct {
	JobID    string `json:"job_id"`
	Revision string `json:"revision"`
	Builder  string `json:"builder"`
	Priority string `json:"priority"`
}

// TriggerCompleted is the payload of TypeTriggerCompleted.
type TriggerCompleted struct {
	JobID    string `json:"job_id"`
	Revision string `json:"revision"`
	Builder  string `json:"builder"`
	Status   string `json:"status"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}

// CatalogChanged is the payload of TypeCatalogChanged.
type CatalogChanged struct {
	Fingerprint string `json:"fingerprint"`
	Builders    int    `json:"builders"`
}

var knownTypes = []string{TypeReportClassified, TypeTriggerEnqueued, TypeTriggerCompleted, TypeCatalogChanged}

// Filter selects event types. An entry ending in ".*" matches a family, so
// "trigger.*" covers enqueued and completed. An empty Filter matches all.
type Filter []string

// ParseFilter reads a comma separated list such as "trigger.*,catalog.changed".
func ParseFilter(s string) (Filter, error) {
	var f Filter
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !Filter([]string{part}).matchesAny(knownTypes) {
			return nil, fmt.Errorf("unknown event type %q", part)
		}
		f = append(f, part)
	}
	return f, nil
}

// Match reports whether eventType passes the filter.
func (f Filter) Match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, sel := range f {
		if family, ok := strings.CutSuffix(sel, ".*"); ok {
			if strings.HasPrefix(eventType, family+".") {
				return true
			}
			continue
		}
		if sel == eventType {
			return true
		}
	}
	return false
}

func (f Filter) matchesAny(types []string) bool {
	for _, t := range types {
		if f.Match(t) {
			return true
		}
	}
	return false
}

// Publisher is the producer side of a Hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish stamps and fans out an event. Subscribers that are not keeping up
// miss it; they can resync from SnapshotSince.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.filter.Match(eventType) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a live channel of events passing filter and a cancel func
// that closes it.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = subscriber{ch: ch, filter: filter}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
