package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"flowpilot/shared"
)

// MemoryStore is an in-process Store. Records are deep copied on the way in
// and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*shared.WorkflowInstance
	history   map[string][]shared.HistoryEntry
	tasks     map[string]*shared.Task
	timers    map[string]*shared.Timer
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*shared.WorkflowInstance),
		history:   make(map[string][]shared.HistoryEntry),
		tasks:     make(map[string]*shared.Task),
		timers:    make(map[string]*shared.Timer),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateInstance(_ context.Context, inst *shared.WorkflowInstance, changes Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrConflict)
	}
	if err := s.checkChanges(changes); err != nil {
		return err
	}
	inst.Revision = 1
	s.instances[inst.ID] = inst.Clone()
	s.applyChanges(inst.ID, changes)
	return nil
}

func (s *MemoryStore) LoadInstance(_ context.Context, id string) (*shared.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) SaveInstance(_ context.Context, inst *shared.WorkflowInstance, changes Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrNotFound)
	}
	if current.Revision != inst.Revision {
		return fmt.Errorf("instance %s revision %d (stored %d): %w", inst.ID, inst.Revision, current.Revision, ErrConflict)
	}
	if err := s.checkChanges(changes); err != nil {
		return err
	}
	inst.Revision++
	s.instances[inst.ID] = inst.Clone()
	s.applyChanges(inst.ID, changes)
	return nil
}

// checkChanges verifies every task and timer write before anything is
// applied, replaying the writes in order so a task resolved earlier in the
// same commit frees its node for a new one.
func (s *MemoryStore) checkChanges(changes Changes) error {
	staged := make(map[string]*shared.Task, len(changes.Tasks))
	lookup := func(id string) *shared.Task {
		if t, ok := staged[id]; ok {
			return t
		}
		return s.tasks[id]
	}
	for _, t := range changes.Tasks {
		if cur := lookup(t.ID); cur != nil && !cur.Status.Open() {
			return fmt.Errorf("task %s is %s: %w", t.ID, cur.Status, ErrConflict)
		}
		if t.Status.Open() {
			for id := range s.tasks {
				if other := lookup(id); id != t.ID && other.InstanceID == t.InstanceID && other.NodeID == t.NodeID && other.Status.Open() {
					return fmt.Errorf("open task for %s/%s: %w", t.InstanceID, t.NodeID, ErrConflict)
				}
			}
			for id, other := range staged {
				if id != t.ID && other.InstanceID == t.InstanceID && other.NodeID == t.NodeID && other.Status.Open() {
					return fmt.Errorf("open task for %s/%s: %w", t.InstanceID, t.NodeID, ErrConflict)
				}
			}
		}
		staged[t.ID] = t
	}

	timers := make(map[string]*shared.Timer, len(changes.Timers))
	for _, t := range changes.Timers {
		cur, ok := timers[t.ID]
		if !ok {
			cur = s.timers[t.ID]
		}
		if cur != nil && !cur.Pending() {
			return fmt.Errorf("timer %s is no longer pending: %w", t.ID, ErrConflict)
		}
		timers[t.ID] = t
	}
	return nil
}

func (s *MemoryStore) applyChanges(instanceID string, changes Changes) {
	s.appendHistory(instanceID, changes.History)
	for _, t := range changes.Tasks {
		s.tasks[t.ID] = t.Clone()
	}
	for _, t := range changes.Timers {
		c := *t
		s.timers[t.ID] = &c
	}
}

func (s *MemoryStore) History(_ context.Context, instanceID string) ([]shared.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instances[instanceID]; !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	entries := s.history[instanceID]
	out := make([]shared.HistoryEntry, len(entries))
	for i, e := range entries {
		e.Data = shared.CloneData(e.Data)
		out[i] = e
	}
	return out, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *shared.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, ErrConflict)
	}
	for _, t := range s.tasks {
		if t.InstanceID == task.InstanceID && t.NodeID == task.NodeID && t.Status.Open() {
			return fmt.Errorf("open task for %s/%s: %w", task.InstanceID, task.NodeID, ErrConflict)
		}
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*shared.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *shared.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) FindOpenTask(_ context.Context, instanceID, nodeID string) (*shared.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.InstanceID == instanceID && t.NodeID == nodeID && t.Status.Open() {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("open task for %s/%s: %w", instanceID, nodeID, ErrNotFound)
}

func (s *MemoryStore) ListOpenTasks(_ context.Context, instanceID string) ([]*shared.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.Task
	for _, t := range s.tasks {
		if t.InstanceID == instanceID && t.Status.Open() {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) ListTasksForUser(_ context.Context, userID string) ([]*shared.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.Task
	for _, t := range s.tasks {
		if t.Status.Open() && t.Assignee.Allows(userID) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(tasks []*shared.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func (s *MemoryStore) CreateTimer(_ context.Context, timer *shared.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.timers[timer.ID]; exists {
		return fmt.Errorf("timer %s: %w", timer.ID, ErrConflict)
	}
	t := *timer
	s.timers[timer.ID] = &t
	return nil
}

func (s *MemoryStore) GetTimer(_ context.Context, id string) (*shared.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timers[id]
	if !ok {
		return nil, fmt.Errorf("timer %s: %w", id, ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) ConsumeTimer(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false, fmt.Errorf("timer %s: %w", id, ErrNotFound)
	}
	if !t.Pending() {
		return false, nil
	}
	t.Consumed = true
	return true, nil
}

func (s *MemoryStore) CancelTimer(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false, fmt.Errorf("timer %s: %w", id, ErrNotFound)
	}
	if !t.Pending() {
		return false, nil
	}
	t.Cancelled = true
	return true, nil
}

func (s *MemoryStore) ListPendingTimers(_ context.Context) ([]*shared.Timer, error) {
	return s.filterTimers(func(t *shared.Timer) bool { return t.Pending() }), nil
}

func (s *MemoryStore) ListDueTimers(_ context.Context, now time.Time) ([]*shared.Timer, error) {
	return s.filterTimers(func(t *shared.Timer) bool { return t.Pending() && !t.FireAt.After(now) }), nil
}

func (s *MemoryStore) ListInstanceTimers(_ context.Context, instanceID string) ([]*shared.Timer, error) {
	return s.filterTimers(func(t *shared.Timer) bool { return t.InstanceID == instanceID }), nil
}

func (s *MemoryStore) filterTimers(keep func(*shared.Timer) bool) []*shared.Timer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.Timer
	for _, t := range s.timers {
		if keep(t) {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}
