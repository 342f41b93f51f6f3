// Package store holds the persistence contracts of the engine and their
// in-memory, PostgreSQL and Redis backed implementations.
package store

import (
	"context"
	"errors"
	"time"

	"flowpilot/shared"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a save races with another writer or a
	// record with the same key already exists.
	ErrConflict = errors.New("store: conflict")
)

// Changes are the writes that commit together with an instance: its new
// history entries and the tasks and timers the transition created or
// resolved. A task or timer that does not exist yet is inserted. An existing
// task is only replaced while it is still open and an existing timer only
// while it is still pending; otherwise the whole commit fails with
// ErrConflict and nothing is written.
type Changes struct {
	History []shared.HistoryEntry
	Tasks   []*shared.Task
	Timers  []*shared.Timer
}

// InstanceStore persists instances and their append-only history. Create and
// Save apply the instance and its Changes atomically.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *shared.WorkflowInstance, changes Changes) error
	LoadInstance(ctx context.Context, id string) (*shared.WorkflowInstance, error)
	// SaveInstance writes inst if its revision still matches the stored one.
	SaveInstance(ctx context.Context, inst *shared.WorkflowInstance, changes Changes) error
	History(ctx context.Context, instanceID string) ([]shared.HistoryEntry, error)
}

// TaskStore persists human tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *shared.Task) error
	GetTask(ctx context.Context, id string) (*shared.Task, error)
	UpdateTask(ctx context.Context, task *shared.Task) error
	// FindOpenTask returns the pending or in-progress task of a node.
	FindOpenTask(ctx context.Context, instanceID, nodeID string) (*shared.Task, error)
	ListOpenTasks(ctx context.Context, instanceID string) ([]*shared.Task, error)
	// ListTasksForUser returns open tasks assigned to the user directly or
	// through a group the user was a member of at creation time.
	ListTasksForUser(ctx context.Context, userID string) ([]*shared.Task, error)
}

// TimerStore persists durable timers.
type TimerStore interface {
	CreateTimer(ctx context.Context, timer *shared.Timer) error
	GetTimer(ctx context.Context, id string) (*shared.Timer, error)
	// ConsumeTimer atomically marks a pending timer consumed. It reports
	// false when the timer was already consumed or cancelled.
	ConsumeTimer(ctx context.Context, id string) (bool, error)
	// CancelTimer marks a pending timer cancelled. It reports false when the
	// timer was no longer pending.
	CancelTimer(ctx context.Context, id string) (bool, error)
	ListPendingTimers(ctx context.Context) ([]*shared.Timer, error)
	ListDueTimers(ctx context.Context, now time.Time) ([]*shared.Timer, error)
	ListInstanceTimers(ctx context.Context, instanceID string) ([]*shared.Timer, error)
}

// Store bundles every persistence contract the engine needs.
type Store interface {
	InstanceStore
	TaskStore
	TimerStore
}
