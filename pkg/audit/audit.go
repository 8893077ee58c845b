// Package audit is the append-only event record. Every decision, lifecycle
// transition, enforcement violation, and executor step lands here, keyed by
// the trace IDs so a whole mission can be reconstructed from the log.
// Duplicates are allowed; audit is a log, not a set.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Category groups events by the component that emitted them.
type Category string

const (
	CategoryDecision    Category = "decision"
	CategoryLifecycle   Category = "lifecycle"
	CategoryEnforcement Category = "enforcement"
	CategoryReflex      Category = "reflex"
	CategoryExecutor    Category = "executor"
	CategoryManifest    Category = "manifest"
	CategorySystem      Category = "system"
)

// Event is one audit record. The trace ID fields carry whichever subset the
// emitting component knows.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	Severity  fault.Severity `json:"severity"`
	EventType string         `json:"event_type"`
	MissionID string         `json:"mission_id,omitempty"`
	PlanID    string         `json:"plan_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	AttemptID string         `json:"attempt_id,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Query filters the log. Zero fields match everything; results come back
// newest first.
type Query struct {
	MissionID string
	PlanID    string
	JobID     string
	AttemptID string
	Category  Category
	Severity  fault.Severity
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// DefaultQueryLimit applies when a query names no limit.
const DefaultQueryLimit = 100

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Search(ctx context.Context, q Query) ([]*Event, error)
}

// MemoryStore implements Store in memory, append-only.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *e
	s.events = append(s.events, &clone)
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, q Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var out []*Event
	skipped := 0
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if !matches(e, q) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(e *Event, q Query) bool {
	if q.MissionID != "" && e.MissionID != q.MissionID {
		return false
	}
	if q.PlanID != "" && e.PlanID != q.PlanID {
		return false
	}
	if q.JobID != "" && e.JobID != q.JobID {
		return false
	}
	if q.AttemptID != "" && e.AttemptID != q.AttemptID {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

// NewEventID issues a unique audit event ID.
func NewEventID() string {
	return "ev_" + uuid.NewString()
}
