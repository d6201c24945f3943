package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Kind tells whether a job triggers a downstream job of a scheduled build or
// a new build of the try pool.
type Kind string

const (
	KindDownstream Kind = "downstream"
	KindBuild      Kind = "build"
)

// Priority orders queued jobs; lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityDefault
	PriorityLow
)

var priorityNames = [...]string{"high", "default", "low"}

// Priorities lists every priority, highest first.
var Priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

func (p Priority) String() string {
	if p < PriorityHigh || p > PriorityLow {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts "high", "default" or "low". The empty string is default.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityDefault, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Job struct {
	ID          string     `json:"job_id"`
	Revision    string     `json:"revision"`
	Builder     string     `json:"builder"`
	Kind        Kind       `json:"kind"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	SubmittedBy string     `json:"submitted_by"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

type EnqueueRequest struct {
	Revision    string
	Builder     string
	Kind        Kind
	Priority    Priority
	SubmittedBy string
	MaxAttempts int
}

var ErrJobNotFound = errors.New("job not found")
