// Package tui implements the monitor command: a terminal view of a running
// server's trigger jobs and catalog changes, fed by GET /events.
package tui

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/tryextender/internal/events"
)

const (
	maxJobs   = 200
	maxEvents = 50
)

// JobRow is one trigger job as seen on the event stream.
type JobRow struct {
	ID       string
	Revision string
	Builder  string
	Priority string
	Status   string
	Attempt  int
	Error    string
	Updated  time.Time
}

// Board folds hub events into the state the monitor renders.
type Board struct {
	jobs   map[string]*JobRow
	order  []string // newest first
	log    []events.Event
	lastID int64

	Classified      int
	Catalog         string
	CatalogBuilders int
}

func NewBoard() *Board {
	return &Board{jobs: make(map[string]*JobRow)}
}

// Apply folds ev into the board. Events at or below the last seen ID are
// ignored so the replay after a reconnect does not count twice.
func (b *Board) Apply(ev events.Event) bool {
	if ev.ID != 0 && ev.ID <= b.lastID {
		return false
	}
	if ev.ID != 0 {
		b.lastID = ev.ID
	}
	b.log = append([]events.Event{ev}, b.log...)
	if len(b.log) > maxEvents {
		b.log = b.log[:maxEvents]
	}

	switch ev.Type {
	case events.TypeTriggerEnqueued:
		var p events.TriggerEnqueued
		if json.Unmarshal(ev.Data, &p) != nil || p.JobID == "" {
			return true
		}
		row := b.job(p.JobID)
		row.Revision, row.Builder, row.Priority = p.Revision, p.Builder, p.Priority
		if row.Status == "" {
			row.Status = "queued"
		}
		row.Updated = ev.At

	case events.TypeTriggerCompleted:
		var p events.TriggerCompleted
		if json.Unmarshal(ev.Data, &p) != nil || p.JobID == "" {
			return true
		}
		row := b.job(p.JobID)
		if row.Revision == "" {
			row.Revision, row.Builder = p.Revision, p.Builder
		}
		row.Status, row.Attempt, row.Error = p.Status, p.Attempt, p.Error
		row.Updated = ev.At

	case events.TypeReportClassified:
		b.Classified++

	case events.TypeCatalogChanged:
		var p events.CatalogChanged
		if json.Unmarshal(ev.Data, &p) == nil {
			b.Catalog, b.CatalogBuilders = p.Fingerprint, p.Builders
		}
	}
	return true
}

func (b *Board) job(id string) *JobRow {
	if row, ok := b.jobs[id]; ok {
		return row
	}
	row := &JobRow{ID: id}
	b.jobs[id] = row
	b.order = append([]string{id}, b.order...)
	if len(b.order) > maxJobs {
		for _, old := range b.order[maxJobs:] {
			delete(b.jobs, old)
		}
		b.order = b.order[:maxJobs]
	}
	return row
}

// Jobs returns the tracked jobs, newest first.
func (b *Board) Jobs() []JobRow {
	out := make([]JobRow, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.jobs[id])
	}
	return out
}

// Events returns recent events, newest first.
func (b *Board) Events() []events.Event {
	return b.log
}

// LastID is the ID to resume the stream from.
func (b *Board) LastID() int64 {
	return b.lastID
}
