// Package task implements the delegation state machine. A Task tracks
// one unit of work handed from a delegator to a delegate, from the
// initial request through to exactly one of four terminal states.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Well-known reason tags attached to terminal transitions.
const (
	ReasonCancelled = "cancelled"
	ReasonTTL       = "ttl_elapsed"
)

var (
	// ErrTaskNotFound is returned when no Task matches the given ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskAlreadyTerminal is returned by any transition attempted
	// on a terminal Task.
	ErrTaskAlreadyTerminal = errors.New("task already terminal")
	// ErrInvalidTransition is returned when the requested transition
	// is not legal from the current state.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrChildrenPending is returned when completion is reported while
	// sub-delegated child tasks are still running.
	ErrChildrenPending = errors.New("child tasks still pending")
)

// Task is a unit of delegated work. All mutation goes through a Store,
// which serializes writers per task; Task values handed out by the
// Store are snapshots.
type Task struct {
	ID              string          `json:"task_id"`
	OriginMessageID string          `json:"origin_message_id"`
	DelegatorID     string          `json:"delegator_id"`
	DelegateID      string          `json:"delegate_id"`
	Status          Status          `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Deadline        time.Time       `json:"deadline,omitempty"`
	ParentTaskID    string          `json:"parent_task_id,omitempty"`
	ChildTaskIDs    []string        `json:"child_task_ids,omitempty"`
}

// ExpiredAt reports whether the deadline elapsed before now while the
// task was still non-terminal. Tasks without a deadline never expire.
func (t Task) ExpiredAt(now time.Time) bool {
	if t.Status.Terminal() || t.Deadline.IsZero() {
		return false
	}
	return now.After(t.Deadline)
}
