package store

import (
	"time"

	"github.com/google/uuid"
)

// TaskRun is the materialized row for one task run.
type TaskRun struct {
	ID             uuid.UUID      `json:"id"`
	FlowRunID      *uuid.UUID     `json:"flow_run_id,omitempty"`
	Name           string         `json:"name"`
	TaskKey        string         `json:"task_key"`
	DynamicKey     string         `json:"dynamic_key"`
	Tags           []string       `json:"tags"`
	Attributes     map[string]any `json:"attributes"`
	StateID        *uuid.UUID     `json:"state_id,omitempty"`
	StateType      string         `json:"state_type,omitempty"`
	StateName      string         `json:"state_name,omitempty"`
	StateTimestamp *time.Time     `json:"state_timestamp,omitempty"`
	Created        time.Time      `json:"created"`
	Updated        time.Time      `json:"updated"`
}

// TaskRunState is one state transition of a task run. Its ID is the id of
// the event that reported it.
type TaskRunState struct {
	ID           uuid.UUID      `json:"id"`
	TaskRunID    uuid.UUID      `json:"task_run_id"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Message      string         `json:"message"`
	Timestamp    time.Time      `json:"timestamp"`
	StateDetails map[string]any `json:"state_details"`
	Created      time.Time      `json:"created"`
}

// Descriptive task_runs columns an event payload may leave out.
const (
	ColumnName       = "name"
	ColumnTaskKey    = "task_key"
	ColumnDynamicKey = "dynamic_key"
	ColumnTags       = "tags"
)

// TaskRunEvent is what one lifecycle event contributes: the task run's
// attributes as of the event and the state it reports. Only TaskRun's
// descriptive fields are read; the state fields come from State.
type TaskRunEvent struct {
	TaskRun TaskRun
	State   TaskRunState

	// Present names the descriptive columns the event carries. A newer
	// event only overwrites those; the others keep their stored value.
	// A nil Present carries every column.
	Present map[string]bool
}

// Carries reports whether the event sets column.
func (e TaskRunEvent) Carries(column string) bool {
	return e.Present == nil || e.Present[column]
}

// ConcurrencyLimit is a tag-scoped admission limit. ActiveSlots lists the
// holders of its leases in acquisition order.
type ConcurrencyLimit struct {
	ID               uuid.UUID `json:"id"`
	Tag              string    `json:"tag"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	ActiveSlots      []string  `json:"active_slots"`
	Created          time.Time `json:"created"`
	Updated          time.Time `json:"updated"`
}

// Available returns the number of free slots.
func (l ConcurrencyLimit) Available() int {
	if n := l.ConcurrencyLimit - len(l.ActiveSlots); n > 0 {
		return n
	}
	return 0
}

// HasHolder reports whether holder occupies a slot.
func (l ConcurrencyLimit) HasHolder(holder string) bool {
	for _, h := range l.ActiveSlots {
		if h == holder {
			return true
		}
	}
	return false
}

// IncrementResult is the outcome of an increment. When Acquired is false
// nothing was written and Blocking names the limits without room.
type IncrementResult struct {
	Acquired bool
	Limits   []ConcurrencyLimit
	Blocking []string
}

// SlotRelease is the accounting row written when a decrement removes a lease.
type SlotRelease struct {
	ID               int64     `json:"id"`
	LimitID          uuid.UUID `json:"limit_id"`
	Tag              string    `json:"tag"`
	HolderID         string    `json:"holder_id"`
	OccupancySeconds float64   `json:"occupancy_seconds"`
	HeldSeconds      float64   `json:"held_seconds"`
	Released         time.Time `json:"released"`
}

// DeadLetter is a message the recorder gave up on.
type DeadLetter struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Data      []byte    `json:"data"`
	Created   time.Time `json:"created"`
}
