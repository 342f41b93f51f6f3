package shared

import (
	"encoding/json"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// CursorStatus is the state of a single point of progress within an instance.
type CursorStatus string

// Ready cursors are stepped by the engine. Suspended cursors wait on a
// ResumeToken. Waiting cursors are parked at a join barrier until every
// sibling branch has resolved; they are then marked Joined and replaced by
// one merged cursor.
const (
	CursorReady     CursorStatus = "ready"
	CursorSuspended CursorStatus = "suspended"
	CursorWaiting   CursorStatus = "waiting" // parked at a join barrier
	CursorEnded     CursorStatus = "ended"
	CursorJoined    CursorStatus = "joined"
	CursorFailed    CursorStatus = "failed"
	CursorCancelled CursorStatus = "cancelled"
)

// Live reports whether the cursor still holds the instance open.
func (s CursorStatus) Live() bool {
	return s == CursorReady || s == CursorSuspended || s == CursorWaiting
}

// TokenKind identifies the external collaborator that resumes a cursor.
type TokenKind string

const (
	TokenTask  TokenKind = "task"
	TokenTimer TokenKind = "timer"
)

// ResumeToken names the task or timer a suspended cursor waits on.
type ResumeToken struct {
	Kind TokenKind `json:"kind"`
	ID   string    `json:"id"`
}

// Cursor tracks one branch of execution. Forks lists the enclosing fork ids,
// innermost last. A fork id may outlive its Fork record: once a fork
// dissolves, its id stays on the stack of any branch that left it for an
// outer join and is skipped on lookup.
type Cursor struct {
	ID     string       `json:"id"`
	NodeID string       `json:"nodeId"`
	Status CursorStatus `json:"status"`
	Forks  []string     `json:"forks,omitempty"`
	Token  *ResumeToken `json:"token,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Fork is the join barrier bookkeeping of a fan-out. JoinNodeID is the
// nearest node every branch can reach, or empty when the branches never
// meet. Parent is the fork stack of the forking cursor; the merged cursor
// released at the join resumes with it.
type Fork struct {
	ID         string         `json:"id"`
	NodeID     string         `json:"nodeId"`
	JoinNodeID string         `json:"joinNodeId,omitempty"`
	Branches   int            `json:"branches"`
	Policy     ParallelPolicy `json:"policy,omitempty"`
	Parent     []string       `json:"parent,omitempty"`
}

// LoopState is the per-loop-node iteration counter.
type LoopState struct {
	Index int `json:"index"`
}

// WorkflowInstance is one execution of a workflow definition.
type WorkflowInstance struct {
	ID                string                `json:"id"`
	DefinitionID      string                `json:"definitionId"`
	DefinitionVersion int                   `json:"definitionVersion"`
	Status            InstanceStatus        `json:"status"`
	CurrentNodeIDs    []string              `json:"currentNodeIds"`
	Data              map[string]any        `json:"data"`
	Cursors           []*Cursor             `json:"cursors,omitempty"`
	Forks             map[string]*Fork      `json:"forks,omitempty"`
	Loops             map[string]*LoopState `json:"loops,omitempty"`
	Watchers          []string              `json:"watchers,omitempty"`
	StartedBy         string                `json:"startedBy"`
	StartedAt         time.Time             `json:"startedAt"`
	CompletedAt       *time.Time            `json:"completedAt,omitempty"`
	Error             string                `json:"error,omitempty"`
	// Revision is bumped by the store on every save.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of the instance.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.CurrentNodeIDs = append([]string(nil), w.CurrentNodeIDs...)
	c.Watchers = append([]string(nil), w.Watchers...)
	c.Data = CloneData(w.Data)
	c.Cursors = make([]*Cursor, 0, len(w.Cursors))
	for _, cur := range w.Cursors {
		cc := *cur
		cc.Forks = append([]string(nil), cur.Forks...)
		if cur.Token != nil {
			t := *cur.Token
			cc.Token = &t
		}
		c.Cursors = append(c.Cursors, &cc)
	}
	c.Forks = make(map[string]*Fork, len(w.Forks))
	for k, f := range w.Forks {
		fc := *f
		fc.Parent = append([]string(nil), f.Parent...)
		c.Forks[k] = &fc
	}
	c.Loops = make(map[string]*LoopState, len(w.Loops))
	for k, l := range w.Loops {
		lc := *l
		c.Loops[k] = &lc
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// LiveCursors returns the cursors still holding the instance open.
func (w *WorkflowInstance) LiveCursors() []*Cursor {
	var out []*Cursor
	for _, c := range w.Cursors {
		if c.Status.Live() {
			out = append(out, c)
		}
	}
	return out
}

// FindCursorByToken returns the suspended cursor waiting on the token.
func (w *WorkflowInstance) FindCursorByToken(kind TokenKind, id string) *Cursor {
	for _, c := range w.Cursors {
		if c.Status == CursorSuspended && c.Token != nil && c.Token.Kind == kind && c.Token.ID == id {
			return c
		}
	}
	return nil
}

// HistoryAction names an audit trail event.
type HistoryAction string

const (
	ActionInstanceStarted   HistoryAction = "instance_started"
	ActionTaskCreated       HistoryAction = "task_created"
	ActionTaskCompleted     HistoryAction = "task_completed"
	ActionTaskCancelled     HistoryAction = "task_cancelled"
	ActionTimerScheduled    HistoryAction = "timer_scheduled"
	ActionTimerFired        HistoryAction = "timer_fired"
	ActionTimerCancelled    HistoryAction = "timer_cancelled"
	ActionNodeExecuted      HistoryAction = "node_executed"
	ActionNodeError         HistoryAction = "node_error"
	ActionNodeFailed        HistoryAction = "node_failed"
	ActionInstanceCompleted HistoryAction = "instance_completed"
	ActionInstanceFailed    HistoryAction = "instance_failed"
	ActionInstanceCancelled HistoryAction = "instance_cancelled"
)

// HistoryEntry is one append-only audit record. Seq orders entries within
// an instance.
type HistoryEntry struct {
	InstanceID  string         `json:"instanceId"`
	Seq         int64          `json:"seq"`
	NodeID      string         `json:"nodeId,omitempty"`
	Action      HistoryAction  `json:"action"`
	ActorUserID string         `json:"actorUserId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// TaskType distinguishes the human task flavours.
type TaskType string

const (
	TaskApproval TaskType = "approval"
	TaskForm     TaskType = "form"
	TaskGeneric  TaskType = "generic"
)

// TaskTypeFor maps a task-like node type to its task type.
func TaskTypeFor(t NodeType) TaskType {
	switch t {
	case NodeTypeApproval:
		return TaskApproval
	case NodeTypeForm:
		return TaskForm
	}
	return TaskGeneric
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Open reports whether the task can still be completed.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskInProgress
}

// Decision is the outcome of an approval task.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Assignee is a resolved task assignee. Members is frozen at creation time.
type Assignee struct {
	Type    AssigneeType `json:"type"`
	ID      string       `json:"id"`
	Members []string     `json:"members,omitempty"`
}

// Allows reports whether userID may act on a task with this assignee.
func (a Assignee) Allows(userID string) bool {
	if userID == "" {
		return false
	}
	if a.Type == AssigneeGroup {
		for _, m := range a.Members {
			if m == userID {
				return true
			}
		}
		return false
	}
	return a.ID == userID
}

// Recipients returns the user ids that should hear about the task.
func (a Assignee) Recipients() []string {
	if a.Type == AssigneeGroup {
		return append([]string(nil), a.Members...)
	}
	return []string{a.ID}
}

// Task is a human interaction that suspends an instance cursor.
type Task struct {
	ID            string          `json:"id"`
	InstanceID    string          `json:"instanceId"`
	NodeID        string          `json:"nodeId"`
	Type          TaskType        `json:"type"`
	Title         string          `json:"title,omitempty"`
	Description   string          `json:"description,omitempty"`
	Assignee      Assignee        `json:"assignee"`
	Status        TaskStatus      `json:"status"`
	Priority      Priority        `json:"priority"`
	DueAt         *time.Time      `json:"dueAt,omitempty"`
	FormSchemaRef string          `json:"formSchemaRef,omitempty"`
	Schema        json.RawMessage `json:"schema,omitempty"`
	ClaimedBy     string          `json:"claimedBy,omitempty"`
	Decision      Decision        `json:"decision,omitempty"`
	ResultData    map[string]any  `json:"resultData,omitempty"`
	CompletedBy   string          `json:"completedBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Assignee.Members = append([]string(nil), t.Assignee.Members...)
	c.ResultData = CloneData(t.ResultData)
	c.Schema = append(json.RawMessage(nil), t.Schema...)
	if t.DueAt != nil {
		d := *t.DueAt
		c.DueAt = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// Timer is a one-shot durable wake-up for a suspended cursor.
type Timer struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId"`
	NodeID     string    `json:"nodeId"`
	FireAt     time.Time `json:"fireAt"`
	Consumed   bool      `json:"consumed"`
	Cancelled  bool      `json:"cancelled"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Pending reports whether the timer may still fire.
func (t Timer) Pending() bool {
	return !t.Consumed && !t.Cancelled
}

// InstanceSnapshot is the read model returned to collaborators.
type InstanceSnapshot struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionVersion int            `json:"definitionVersion"`
	Status            InstanceStatus `json:"status"`
	CurrentNodeIDs    []string       `json:"currentNodeIds"`
	Data              map[string]any `json:"data"`
	History           []HistoryEntry `json:"history"`
	StartedBy         string         `json:"startedBy"`
	StartedAt         time.Time      `json:"startedAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// CloneData deep copies instance data.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies maps and slices; other values are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

// MergeData writes every key of src into dst, overwriting existing keys.
func MergeData(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = CloneValue(v)
	}
}
