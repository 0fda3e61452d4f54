package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// entry pairs a task with its own mutex so transitions on one task
// never contend with transitions on another. The single-writer-per-task
// discipline lives here.
type entry struct {
	mu   sync.Mutex
	task Task
}

// Store holds every Task this node participates in, on either side of
// a delegation. Reads return snapshots; writes are serialized per task.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the store clock, used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new Task in requested state. deadline may be zero
// for tasks without a TTL.
func (s *Store) Create(id, originMessageID, delegatorID, delegateID string, deadline time.Time, parentTaskID string) (Task, error) {
	if id == "" {
		return Task{}, fmt.Errorf("task requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return Task{}, fmt.Errorf("task %s already exists", id)
	}

	now := s.now()
	t := Task{
		ID:              id,
		OriginMessageID: originMessageID,
		DelegatorID:     delegatorID,
		DelegateID:      delegateID,
		Status:          StatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
		Deadline:        deadline,
		ParentTaskID:    parentTaskID,
	}
	s.entries[id] = &entry{task: t}

	if parentTaskID != "" {
		if parent, ok := s.entries[parentTaskID]; ok {
			parent.mu.Lock()
			if parent.task.Status != StatusInProgress {
				status := parent.task.Status
				parent.mu.Unlock()
				delete(s.entries, id)
				return Task{}, fmt.Errorf("create child of task %s in %s: %w", parentTaskID, status, ErrInvalidTransition)
			}
			parent.task.ChildTaskIDs = append(parent.task.ChildTaskIDs, id)
			parent.mu.Unlock()
		}
	}
	return t, nil
}

// Get returns a snapshot of a Task, lazily expiring it first if its
// deadline has elapsed.
func (s *Store) Get(id string) (Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return Task{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.expireLocked(e)
	return e.task, nil
}

// Accept transitions requested -> accepted. The permission check
// happens in the engine before this is called.
func (s *Store) Accept(id string) (Task, error) {
	return s.transition(id, StatusAccepted, "", nil, StatusRequested)
}

// Reject transitions requested|accepted -> rejected with a reason tag.
func (s *Store) Reject(id, reason string) (Task, error) {
	return s.transition(id, StatusRejected, reason, nil, StatusRequested, StatusAccepted)
}

// Start transitions accepted -> in_progress. Receiving the start
// signal twice is not an error: the second call returns the current
// snapshot unchanged, satisfying at-least-once delivery.
func (s *Store) Start(id string) (Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return Task{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.expireLocked(e)

	switch {
	case e.task.Status == StatusInProgress:
		return e.task, nil
	case e.task.Status.Terminal():
		return e.task, fmt.Errorf("start task %s: %w", id, ErrTaskAlreadyTerminal)
	case e.task.Status != StatusAccepted:
		return e.task, fmt.Errorf("start task %s from %s: %w", id, e.task.Status, ErrInvalidTransition)
	}

	e.task.Status = StatusInProgress
	e.task.UpdatedAt = s.now()
	return e.task, nil
}

// Complete transitions in_progress -> completed with a result. It
// refuses while any child task is non-terminal: a parent is never
// completed purely because its children finished, and never before
// they have.
func (s *Store) Complete(id string, result []byte) (Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return Task{}, err
	}

	// Resolving child entries takes the store lock, which must not be
	// acquired while holding e.mu (Create locks store-then-parent). The
	// check therefore runs unlocked and is verified under the parent
	// lock before transitioning: children are append-only, so an
	// unchanged count means no child slipped in between.
	for {
		e.mu.Lock()
		children := append([]string(nil), e.task.ChildTaskIDs...)
		e.mu.Unlock()

		if err := s.childrenTerminal(children); err != nil {
			return Task{}, fmt.Errorf("complete task %s: %w", id, err)
		}

		e.mu.Lock()
		if len(e.task.ChildTaskIDs) != len(children) {
			e.mu.Unlock()
			continue
		}
		t, err := s.transitionLocked(e, id, StatusCompleted, "", result, StatusInProgress)
		e.mu.Unlock()
		return t, err
	}
}

// Fail transitions in_progress -> failed with an optional reason and
// result payload describing the failure.
func (s *Store) Fail(id, reason string, result []byte) (Task, error) {
	return s.transition(id, StatusFailed, reason, result, StatusInProgress)
}

// Cancel marks a non-terminal task failed with the cancelled reason.
// The local state is authoritative for the initiating side.
func (s *Store) Cancel(id string) (Task, error) {
	return s.transition(id, StatusFailed, ReasonCancelled, nil,
		StatusRequested, StatusAccepted, StatusInProgress)
}

// Expire forces a non-terminal task to expired. Used by sweeps; Get,
// Start, and the transition paths also expire lazily.
func (s *Store) Expire(id string) (Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return Task{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Status.Terminal() {
		return e.task, fmt.Errorf("expire task %s: %w", id, ErrTaskAlreadyTerminal)
	}
	e.task.Status = StatusExpired
	e.task.Reason = ReasonTTL
	e.task.UpdatedAt = s.now()
	return e.task, nil
}

// SweepExpired moves every task whose deadline elapsed before now to
// expired and returns their IDs, sorted.
func (s *Store) SweepExpired(now time.Time) []string {
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	s.mu.RUnlock()

	var swept []string
	for _, e := range candidates {
		e.mu.Lock()
		if e.task.ExpiredAt(now) {
			e.task.Status = StatusExpired
			e.task.Reason = ReasonTTL
			e.task.UpdatedAt = s.now()
			swept = append(swept, e.task.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(swept)
	return swept
}

// List returns snapshots of all tasks, sorted by creation time then ID.
func (s *Store) List() []Task {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tasks held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear drops every task. Intended for tests and teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return e, nil
}

// expireLocked applies lazy TTL expiry. Caller holds e.mu.
func (s *Store) expireLocked(e *entry) {
	if e.task.ExpiredAt(s.now()) {
		e.task.Status = StatusExpired
		e.task.Reason = ReasonTTL
		e.task.UpdatedAt = s.now()
	}
}

func (s *Store) transition(id string, to Status, reason string, result []byte, from ...Status) (Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return Task{}, err
	}
	return s.transitionEntry(e, id, to, reason, result, from...)
}

func (s *Store) transitionEntry(e *entry, id string, to Status, reason string, result []byte, from ...Status) (Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.transitionLocked(e, id, to, reason, result, from...)
}

// transitionLocked applies a guarded transition. Caller holds e.mu.
func (s *Store) transitionLocked(e *entry, id string, to Status, reason string, result []byte, from ...Status) (Task, error) {
	s.expireLocked(e)

	if e.task.Status.Terminal() {
		return e.task, fmt.Errorf("transition task %s to %s: %w", id, to, ErrTaskAlreadyTerminal)
	}

	legal := false
	for _, f := range from {
		if e.task.Status == f {
			legal = true
			break
		}
	}
	if !legal {
		return e.task, fmt.Errorf("transition task %s from %s to %s: %w", id, e.task.Status, to, ErrInvalidTransition)
	}

	e.task.Status = to
	e.task.Reason = reason
	if result != nil {
		e.task.Result = result
	}
	e.task.UpdatedAt = s.now()
	return e.task, nil
}

// childrenTerminal verifies every listed child has reached a terminal
// state. It takes child locks one at a time; children never lock their
// parent, so lock order is acyclic.
func (s *Store) childrenTerminal(children []string) error {
	for _, childID := range children {
		child, err := s.entry(childID)
		if err != nil {
			continue // child tracked elsewhere
		}
		child.mu.Lock()
		s.expireLocked(child)
		terminal := child.task.Status.Terminal()
		child.mu.Unlock()
		if !terminal {
			return fmt.Errorf("child %s: %w", childID, ErrChildrenPending)
		}
	}
	return nil
}
