package shared

import (
	"errors"
	"fmt"
)

// ValidationError reports the first problem found in a workflow definition.
type ValidationError struct {
	NodeID string
	EdgeID string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("invalid definition: node %s: %s", e.NodeID, e.Reason)
	case e.EdgeID != "":
		return fmt.Sprintf("invalid definition: edge %s: %s", e.EdgeID, e.Reason)
	}
	return "invalid definition: " + e.Reason
}

// TaskErrorKind classifies caller-facing task errors.
type TaskErrorKind string

const (
	TaskNotFound        TaskErrorKind = "not_found"
	TaskAlreadyResolved TaskErrorKind = "already_resolved"
	TaskForbidden       TaskErrorKind = "forbidden"
	TaskInvalidDecision TaskErrorKind = "invalid_decision"
	TaskInvalidResult   TaskErrorKind = "invalid_result"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskAlreadyResolved = errors.New("task already resolved")
	ErrTaskForbidden       = errors.New("actor is not allowed to act on task")
	ErrTaskInvalidDecision = errors.New("invalid task decision")
	ErrTaskInvalidResult   = errors.New("task result rejected")
)

var taskSentinels = map[TaskErrorKind]error{
	TaskNotFound:        ErrTaskNotFound,
	TaskAlreadyResolved: ErrTaskAlreadyResolved,
	TaskForbidden:       ErrTaskForbidden,
	TaskInvalidDecision: ErrTaskInvalidDecision,
	TaskInvalidResult:   ErrTaskInvalidResult,
}

// TaskError is returned by task operations. It matches the sentinel of its
// kind with errors.Is.
type TaskError struct {
	Kind   TaskErrorKind
	TaskID string
	Detail string
}

// NewTaskError builds a TaskError.
func NewTaskError(kind TaskErrorKind, taskID, detail string) *TaskError {
	return &TaskError{Kind: kind, TaskID: taskID, Detail: detail}
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %s: %s", e.TaskID, taskSentinels[e.Kind])
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TaskError) Unwrap() error { return taskSentinels[e.Kind] }

// InstanceErrorKind classifies caller-facing instance errors.
type InstanceErrorKind string

const (
	InstanceNotFound        InstanceErrorKind = "not_found"
	InstanceAlreadyTerminal InstanceErrorKind = "already_terminal"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceTerminal = errors.New("instance already terminal")
)

// InstanceError is returned by instance operations.
type InstanceError struct {
	Kind       InstanceErrorKind
	InstanceID string
}

// NewInstanceError builds an InstanceError.
func NewInstanceError(kind InstanceErrorKind, instanceID string) *InstanceError {
	return &InstanceError{Kind: kind, InstanceID: instanceID}
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("instance %s: %s", e.InstanceID, e.Unwrap())
}

func (e *InstanceError) Unwrap() error {
	if e.Kind == InstanceNotFound {
		return ErrInstanceNotFound
	}
	return ErrInstanceTerminal
}

// ErrDefinitionNotFound is returned by definition providers.
var ErrDefinitionNotFound = errors.New("definition not found")

// ExternalCallError wraps a failure of an api, webhook or database node.
type ExternalCallError struct {
	NodeID     string
	Target     string
	StatusCode int
	Err        error
}

func (e *ExternalCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("external call %s from node %s failed with status %d: %v", e.Target, e.NodeID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("external call %s from node %s failed: %v", e.Target, e.NodeID, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }
