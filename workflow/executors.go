package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowpilot/clock"
	"flowpilot/events"
	"flowpilot/expression"
	"flowpilot/shared"
	"flowpilot/store"
	"go.uber.org/zap"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeAdvance OutcomeKind = iota
	OutcomeSuspend
	OutcomeFork
	OutcomeFail
	OutcomeEnd
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAdvance:
		return "advance"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeFork:
		return "fork"
	case OutcomeFail:
		return "fail"
	case OutcomeEnd:
		return "end"
	}
	return "unknown"
}

// Outcome is the transition decision produced by a node executor.
type Outcome struct {
	Kind     OutcomeKind
	Labels   []string
	Token    *shared.ResumeToken
	Branches int
	Err      error
}

// Advance continues along the edges matching labels; no labels selects every
// outgoing edge.
func Advance(labels ...string) Outcome { return Outcome{Kind: OutcomeAdvance, Labels: labels} }

// Suspend parks the cursor until the token is resumed.
func Suspend(token shared.ResumeToken) Outcome {
	return Outcome{Kind: OutcomeSuspend, Token: &token}
}

// Fork spawns one cursor per outgoing edge.
func Fork(branches int) Outcome { return Outcome{Kind: OutcomeFork, Branches: branches} }

// Fail reports a node execution error.
func Fail(err error) Outcome { return Outcome{Kind: OutcomeFail, Err: err} }

// Failf is Fail with a formatted error.
func Failf(format string, args ...any) Outcome { return Fail(fmt.Errorf(format, args...)) }

// End terminates the cursor's branch.
func End() Outcome { return Outcome{Kind: OutcomeEnd} }

// ResumeEvent carries what the external resumer contributed.
type ResumeEvent struct {
	Kind     shared.TokenKind
	ID       string
	Actor    string
	Decision shared.Decision
	Data     map[string]any
}

// NodeExecutor is the behavior bound to a node type.
type NodeExecutor interface {
	Execute(ec *ExecutionContext, node shared.Node) Outcome
}

// Resumer is implemented by executors whose nodes suspend. Resume decides
// how the cursor continues once the token is resolved.
type Resumer interface {
	Resume(ec *ExecutionContext, node shared.Node, ev ResumeEvent) Outcome
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ec *ExecutionContext, node shared.Node) Outcome

func (f ExecutorFunc) Execute(ec *ExecutionContext, node shared.Node) Outcome { return f(ec, node) }

// ExecutorRegistry maps node types to executors.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[shared.NodeType]NodeExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[shared.NodeType]NodeExecutor)}
}

// Register binds an executor to a node type, replacing any previous one.
func (r *ExecutorRegistry) Register(t shared.NodeType, exec NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = exec
}

// Lookup returns the executor for a node type.
func (r *ExecutorRegistry) Lookup(t shared.NodeType) (NodeExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[t]
	return exec, ok
}

type pendingEvent struct {
	users []string
	event events.Event
}

// ExecutionContext is the view of an instance handed to executors while the
// instance lock is held. Task and timer writes are staged here and committed
// together with the instance; events and post-commit effects run only after
// that commit succeeds.
type ExecutionContext struct {
	Ctx      context.Context
	Instance *shared.WorkflowInstance
	Graph    *GraphIndex
	Cursor   *shared.Cursor

	clock   clock.Clock
	logger  *zap.Logger
	history []shared.HistoryEntry
	tasks   []*shared.Task
	timers  []*shared.Timer
	events  []pendingEvent
	effects []func(context.Context)
}

func newExecutionContext(ctx context.Context, inst *shared.WorkflowInstance, g *GraphIndex, clk clock.Clock, logger *zap.Logger) *ExecutionContext {
	return &ExecutionContext{
		Ctx:      ctx,
		Instance: inst,
		Graph:    g,
		clock:    clk,
		logger:   logger.With(zap.String("instanceID", inst.ID)),
	}
}

// Data returns the mutable instance data.
func (ec *ExecutionContext) Data() map[string]any { return ec.Instance.Data }

// Now returns the engine clock's current time.
func (ec *ExecutionContext) Now() time.Time { return ec.clock.Now() }

// Logger returns a logger scoped to the instance.
func (ec *ExecutionContext) Logger() *zap.Logger { return ec.logger }

// Record appends a history entry.
func (ec *ExecutionContext) Record(nodeID string, action shared.HistoryAction, actor string, data map[string]any) {
	ec.history = append(ec.history, shared.HistoryEntry{
		InstanceID:  ec.Instance.ID,
		NodeID:      nodeID,
		Action:      action,
		ActorUserID: actor,
		Data:        data,
		Timestamp:   ec.clock.Now(),
	})
}

// Emit queues an event for users, published after the instance is saved.
func (ec *ExecutionContext) Emit(users []string, ev events.Event) {
	if ev.InstanceID == "" {
		ev.InstanceID = ec.Instance.ID
	}
	if ev.DefinitionID == "" {
		ev.DefinitionID = ec.Instance.DefinitionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ec.clock.Now()
	}
	ec.events = append(ec.events, pendingEvent{users: users, event: ev})
}

// AfterCommit queues f to run after the instance is saved.
func (ec *ExecutionContext) AfterCommit(f func(ctx context.Context)) {
	ec.effects = append(ec.effects, f)
}

// History returns the entries recorded so far.
func (ec *ExecutionContext) History() []shared.HistoryEntry { return ec.history }

// stageTask queues a task write. A later write of the same task replaces the
// earlier one.
func (ec *ExecutionContext) stageTask(t *shared.Task) {
	for i, staged := range ec.tasks {
		if staged.ID == t.ID {
			ec.tasks[i] = t
			return
		}
	}
	ec.tasks = append(ec.tasks, t)
}

func (ec *ExecutionContext) stagedTask(id string) (*shared.Task, bool) {
	for _, t := range ec.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// stageTimer queues a timer write, replacing an earlier write of the same
// timer.
func (ec *ExecutionContext) stageTimer(t *shared.Timer) {
	for i, staged := range ec.timers {
		if staged.ID == t.ID {
			ec.timers[i] = t
			return
		}
	}
	ec.timers = append(ec.timers, t)
}

// withStagedTasks overlays the staged writes on tasks read from the store.
func (ec *ExecutionContext) withStagedTasks(stored []*shared.Task) []*shared.Task {
	out := make([]*shared.Task, 0, len(stored)+len(ec.tasks))
	seen := make(map[string]bool, len(stored))
	for _, t := range stored {
		seen[t.ID] = true
		if staged, ok := ec.stagedTask(t.ID); ok {
			t = staged
		}
		out = append(out, t)
	}
	for _, t := range ec.tasks {
		if !seen[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// withStagedTimers overlays the staged writes on timers read from the store.
func (ec *ExecutionContext) withStagedTimers(stored []*shared.Timer) []*shared.Timer {
	staged := make(map[string]*shared.Timer, len(ec.timers))
	for _, t := range ec.timers {
		staged[t.ID] = t
	}
	out := make([]*shared.Timer, 0, len(stored)+len(ec.timers))
	for _, t := range stored {
		if s, ok := staged[t.ID]; ok {
			t = s
			delete(staged, t.ID)
		}
		out = append(out, t)
	}
	for _, t := range ec.timers {
		if _, ok := staged[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (ec *ExecutionContext) changes() store.Changes {
	return store.Changes{History: ec.history, Tasks: ec.tasks, Timers: ec.timers}
}

func (ec *ExecutionContext) evaluate(node shared.Node, expr string) (any, error) {
	v, err := expression.Evaluate(expr, ec.Instance.Data)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	return v, nil
}

func (ec *ExecutionContext) render(tpl string) (string, error) {
	return expression.Render(tpl, ec.Instance.Data)
}

func (ec *ExecutionContext) renderAll(tpls []string) ([]string, error) {
	out := make([]string, 0, len(tpls))
	for _, t := range tpls {
		s, err := ec.render(t)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// configAs asserts a node's config to the expected type.
func configAs[T shared.NodeConfig](node shared.Node) (T, error) {
	cfg, ok := node.Config.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("node %s: unexpected config type %T", node.ID, node.Config)
	}
	return cfg, nil
}
