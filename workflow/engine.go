package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"flowpilot/clock"
	"flowpilot/events"
	"flowpilot/shared"
	"flowpilot/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTimerNotDue is returned by FireTimer when called before the timer's
// fire time.
var ErrTimerNotDue = errors.New("timer is not due yet")

// timerFireTolerance absorbs clock skew between the alarm and the engine.
const timerFireTolerance = time.Second

// Engine is the workflow instance state machine. Every transition of one
// instance happens while holding that instance's lock; different instances
// proceed in parallel.
type Engine struct {
	defs     DefinitionProvider
	store    store.Store
	bus      *events.Bus
	locker   Locker
	clock    clock.Clock
	alarm    Alarm
	tasks    *TaskManager
	timers   *TimerScheduler
	registry *ExecutorRegistry
	metrics  *Metrics
	logger   *zap.Logger
	newID    func() string

	graphs sync.Map // definition key -> *GraphIndex
}

type engineOptions struct {
	logger    *zap.Logger
	clock     clock.Clock
	bus       *events.Bus
	locker    Locker
	alarm     Alarm
	resolver  AssigneeResolver
	notifier  Notifier
	http      HTTPCaller
	data      DataSource
	metrics   *Metrics
	newID     func() string
	executors map[shared.NodeType]NodeExecutor
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(o *engineOptions) { o.logger = l } }

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(o *engineOptions) { o.clock = c } }

// WithBus sets the event bus.
func WithBus(b *events.Bus) Option { return func(o *engineOptions) { o.bus = b } }

// WithLocker sets the per-instance locker.
func WithLocker(l Locker) Option { return func(o *engineOptions) { o.locker = l } }

// WithAlarm sets the timer alarm. The default is a LocalAlarm on the engine clock.
func WithAlarm(a Alarm) Option { return func(o *engineOptions) { o.alarm = a } }

// WithAssigneeResolver sets the task assignee resolver.
func WithAssigneeResolver(r AssigneeResolver) Option { return func(o *engineOptions) { o.resolver = r } }

// WithNotifier sets the notifier used by email, sms and notification nodes.
func WithNotifier(n Notifier) Option { return func(o *engineOptions) { o.notifier = n } }

// WithHTTPCaller sets the caller used by api and webhook nodes.
func WithHTTPCaller(c HTTPCaller) Option { return func(o *engineOptions) { o.http = c } }

// WithDataSource sets the data source used by database and crud nodes.
func WithDataSource(d DataSource) Option { return func(o *engineOptions) { o.data = d } }

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(o *engineOptions) { o.metrics = m } }

// WithIDGenerator overrides how instance, task, timer and cursor ids are made.
func WithIDGenerator(f func() string) Option { return func(o *engineOptions) { o.newID = f } }

// WithExecutor binds a custom executor to a node type.
func WithExecutor(t shared.NodeType, exec NodeExecutor) Option {
	return func(o *engineOptions) {
		if o.executors == nil {
			o.executors = make(map[shared.NodeType]NodeExecutor)
		}
		o.executors[t] = exec
	}
}

// NewEngine creates an engine over a definition provider and a store.
func NewEngine(defs DefinitionProvider, st store.Store, opts ...Option) *Engine {
	o := engineOptions{
		logger: zap.NewNop(),
		clock:  clock.Real{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = events.NewBus(events.WithLogger(o.logger))
	}
	if o.locker == nil {
		o.locker = NewKeyedMutex()
	}
	if o.alarm == nil {
		o.alarm = NewLocalAlarm(o.clock, o.logger)
	}
	if o.resolver == nil {
		o.resolver = NewStaticResolver(nil)
	}

	e := &Engine{
		defs:     defs,
		store:    st,
		bus:      o.bus,
		locker:   o.locker,
		clock:    o.clock,
		alarm:    o.alarm,
		registry: NewExecutorRegistry(),
		metrics:  o.metrics,
		logger:   o.logger,
		newID:    o.newID,
	}
	e.tasks = NewTaskManager(st, o.resolver, o.clock, o.newID, o.metrics, o.logger)
	e.timers = NewTimerScheduler(st, o.alarm, o.clock, o.newID, o.metrics, o.logger)
	e.timers.setFireFunc(e.FireTimer)
	e.registerDefaults(o)
	for t, exec := range o.executors {
		e.registry.Register(t, exec)
	}
	return e
}

func (e *Engine) registerDefaults(o engineOptions) {
	r := e.registry
	r.Register(shared.NodeTypeStart, startExecutor{})
	r.Register(shared.NodeTypeEnd, endExecutor{})
	tasks := taskExecutor{tasks: e.tasks}
	r.Register(shared.NodeTypeTask, tasks)
	r.Register(shared.NodeTypeApproval, tasks)
	r.Register(shared.NodeTypeForm, tasks)
	r.Register(shared.NodeTypeCondition, conditionExecutor{})
	r.Register(shared.NodeTypeSwitch, switchExecutor{})
	r.Register(shared.NodeTypeTimer, timerExecutor{timers: e.timers})
	r.Register(shared.NodeTypeParallel, parallelExecutor{})
	r.Register(shared.NodeTypeLoop, loopExecutor{})
	r.Register(shared.NodeTypeVariable, variableExecutor{})
	r.Register(shared.NodeTypeCalculate, calculateExecutor{})
	notify := notifyExecutor{notifier: o.notifier}
	r.Register(shared.NodeTypeEmail, notify)
	r.Register(shared.NodeTypeSMS, notify)
	r.Register(shared.NodeTypeNotification, notify)
	r.Register(shared.NodeTypeScript, scriptExecutor{})
	web := httpExecutor{caller: o.http, clock: e.clock}
	r.Register(shared.NodeTypeAPI, web)
	r.Register(shared.NodeTypeWebhook, web)
	r.Register(shared.NodeTypeDatabase, databaseExecutor{source: o.data})
	r.Register(shared.NodeTypeCRUD, crudExecutor{source: o.data})
	r.Register(shared.NodeTypeLog, logExecutor{})
}

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Timers returns the timer scheduler.
func (e *Engine) Timers() *TimerScheduler { return e.timers }

// Subscribe opens a push channel of events for userID.
func (e *Engine) Subscribe(userID string) *events.Subscription { return e.bus.Subscribe(userID) }

// Recover re-arms pending timers after a restart.
func (e *Engine) Recover(ctx context.Context) (int, error) { return e.timers.Recover(ctx) }

// Close stops background timer work owned by the engine.
func (e *Engine) Close() {
	e.timers.StopSweeper()
	if a, ok := e.alarm.(*LocalAlarm); ok {
		a.Close()
	}
}

func (e *Engine) graphFor(ctx context.Context, id string, version int) (*shared.WorkflowDefinition, *GraphIndex, error) {
	def, err := e.defs.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, nil, err
	}
	key := def.Key()
	if g, ok := e.graphs.Load(key); ok {
		return def, g.(*GraphIndex), nil
	}
	g, _ := e.graphs.LoadOrStore(key, NewGraphIndex(def))
	return def, g.(*GraphIndex), nil
}

// StartInstance starts the latest version of a definition and drives it
// until every cursor is suspended or the instance is terminal.
func (e *Engine) StartInstance(ctx context.Context, definitionID string, data map[string]any, startedBy string) (string, error) {
	return e.StartInstanceVersion(ctx, definitionID, 0, data, startedBy)
}

// StartInstanceVersion starts a specific definition version; 0 means latest.
func (e *Engine) StartInstanceVersion(ctx context.Context, definitionID string, version int, data map[string]any, startedBy string) (string, error) {
	def, graph, err := e.graphFor(ctx, definitionID, version)
	if err != nil {
		return "", err
	}
	starts := graph.StartNodes()
	if len(starts) != 1 {
		return "", &shared.ValidationError{Reason: fmt.Sprintf("definition %s has %d start nodes", def.Key(), len(starts))}
	}

	initial := shared.CloneData(data)
	if initial == nil {
		initial = make(map[string]any)
	}
	inst := &shared.WorkflowInstance{
		ID:                e.newID(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            shared.InstanceRunning,
		Data:              initial,
		Cursors:           []*shared.Cursor{{ID: e.newID(), NodeID: starts[0], Status: shared.CursorReady}},
		Forks:             make(map[string]*shared.Fork),
		Loops:             make(map[string]*shared.LoopState),
		StartedBy:         startedBy,
		StartedAt:         e.clock.Now(),
	}

	unlock, err := e.locker.Lock(ctx, inst.ID)
	if err != nil {
		return "", fmt.Errorf("lock instance %s: %w", inst.ID, err)
	}
	defer unlock()

	ec := newExecutionContext(ctx, inst, graph, e.clock, e.logger)
	ec.Record("", shared.ActionInstanceStarted, startedBy, map[string]any{
		"definitionId": def.ID,
		"version":      def.Version,
	})
	ec.Emit(instanceAudience(inst), events.Event{Type: events.InstanceStarted})
	e.metrics.RecordInstanceStarted(def.ID)
	e.logger.Info("Instance started",
		zap.String("instanceID", inst.ID),
		zap.String("definitionID", def.ID),
		zap.Int("version", def.Version),
		zap.String("startedBy", startedBy))

	e.drive(ec)
	if err := e.store.CreateInstance(ctx, inst, ec.changes()); err != nil {
		return "", fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	e.commit(ctx, ec)
	return inst.ID, nil
}

// CompleteTask resolves a task and resumes the cursor waiting on it.
func (e *Engine) CompleteTask(ctx context.Context, taskID, actor, decision string, result map[string]any) error {
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	unlock, err := e.locker.Lock(ctx, task.InstanceID)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", task.InstanceID, err)
	}
	defer unlock()

	// Re-read under the lock: a concurrent completion may have won.
	if task, err = e.getTask(ctx, taskID); err != nil {
		return err
	}
	dec, err := e.tasks.checkCompletion(task, actor, decision, result)
	if err != nil {
		return err
	}
	inst, graph, err := e.loadInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return shared.NewTaskError(shared.TaskAlreadyResolved, taskID, "instance is "+string(inst.Status))
	}

	// The task resolution is part of the instance commit: if the save fails
	// the task stays open and the completion can be retried.
	ec := newExecutionContext(ctx, inst, graph, e.clock, e.logger)
	e.tasks.markCompleted(ec, task, actor, dec, result)
	shared.MergeData(inst.Data, result)
	if dec != "" {
		inst.Data["decision"] = string(dec)
	}
	ec.Record(task.NodeID, shared.ActionTaskCompleted, actor, map[string]any{
		"taskId":   task.ID,
		"decision": string(dec),
	})
	ec.Emit(append(task.Assignee.Recipients(), instanceAudience(inst)...), events.Event{
		Type:   events.TaskCompleted,
		NodeID: task.NodeID,
		TaskID: task.ID,
		Data:   map[string]any{"decision": string(dec), "completedBy": actor},
	})

	token := shared.ResumeToken{Kind: shared.TokenTask, ID: task.ID}
	ev := ResumeEvent{Kind: shared.TokenTask, ID: task.ID, Actor: actor, Decision: dec, Data: result}
	if err := e.resume(ec, token, ev); err != nil {
		e.logger.Error("Task completed but no cursor was waiting on it",
			zap.String("instanceID", inst.ID), zap.String("taskID", task.ID), zap.Error(err))
	}
	return e.save(ctx, ec)
}

// ClaimTask moves a pending task to in_progress for actor.
func (e *Engine) ClaimTask(ctx context.Context, taskID, actor string) error {
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	unlock, err := e.locker.Lock(ctx, task.InstanceID)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", task.InstanceID, err)
	}
	defer unlock()
	if task, err = e.getTask(ctx, taskID); err != nil {
		return err
	}
	return e.tasks.claim(ctx, task, actor)
}

// ListTasks returns the open tasks userID may act on.
func (e *Engine) ListTasks(ctx context.Context, userID string) ([]*shared.Task, error) {
	return e.tasks.ListTasks(ctx, userID)
}

// GetTask returns a task by id.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*shared.Task, error) {
	return e.getTask(ctx, taskID)
}

// CancelInstance cancels a running instance together with its open tasks
// and timers. Cancelling a cancelled instance is a no-op.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, actor string) error {
	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	defer unlock()

	inst, graph, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	switch {
	case inst.Status == shared.InstanceCancelled:
		return nil
	case inst.Status.Terminal():
		return shared.NewInstanceError(shared.InstanceAlreadyTerminal, instanceID)
	}

	ec := newExecutionContext(ctx, inst, graph, e.clock, e.logger)
	if err := e.cancelOpenWork(ec, actor); err != nil {
		return err
	}
	e.finish(ec, shared.InstanceCancelled, actor)
	return e.save(ctx, ec)
}

// GetInstance returns the instance read model including its history.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*shared.InstanceSnapshot, error) {
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, translateInstanceErr(instanceID, err)
	}
	history, err := e.store.History(ctx, instanceID)
	if err != nil {
		return nil, translateInstanceErr(instanceID, err)
	}
	return &shared.InstanceSnapshot{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		Status:            inst.Status,
		CurrentNodeIDs:    inst.CurrentNodeIDs,
		Data:              inst.Data,
		History:           history,
		StartedBy:         inst.StartedBy,
		StartedAt:         inst.StartedAt,
		CompletedAt:       inst.CompletedAt,
		Error:             inst.Error,
	}, nil
}

// WatchInstance subscribes userID to the lifecycle events of an instance.
func (e *Engine) WatchInstance(ctx context.Context, instanceID, userID string) error {
	if userID == "" {
		return errors.New("watcher user id is required")
	}
	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	defer unlock()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return translateInstanceErr(instanceID, err)
	}
	if inst.StartedBy == userID {
		return nil
	}
	for _, w := range inst.Watchers {
		if w == userID {
			return nil
		}
	}
	inst.Watchers = append(inst.Watchers, userID)
	if err := e.store.SaveInstance(ctx, inst, store.Changes{}); err != nil {
		return fmt.Errorf("save instance %s: %w", instanceID, err)
	}
	return nil
}

// FireTimer resumes the cursor waiting on a timer. A timer fires at most
// once; firing a consumed or cancelled timer is a no-op.
func (e *Engine) FireTimer(ctx context.Context, timerID string) error {
	timer, err := e.store.GetTimer(ctx, timerID)
	if err != nil {
		return fmt.Errorf("load timer %s: %w", timerID, err)
	}
	if !timer.Pending() {
		return nil
	}
	if now := e.clock.Now(); now.Add(timerFireTolerance).Before(timer.FireAt) {
		return fmt.Errorf("timer %s fires at %s: %w", timerID, timer.FireAt.Format(time.RFC3339), ErrTimerNotDue)
	}

	unlock, err := e.locker.Lock(ctx, timer.InstanceID)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", timer.InstanceID, err)
	}
	defer unlock()

	// Re-read under the lock: the alarm and the sweeper race for due timers.
	if timer, err = e.store.GetTimer(ctx, timerID); err != nil {
		return fmt.Errorf("load timer %s: %w", timerID, err)
	}
	if !timer.Pending() {
		return nil
	}
	inst, graph, err := e.loadInstance(ctx, timer.InstanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		if _, err := e.store.ConsumeTimer(ctx, timerID); err != nil {
			return fmt.Errorf("consume timer %s: %w", timerID, err)
		}
		return nil
	}

	// Consuming the timer commits with the instance, so a failed save leaves
	// it pending for the next alarm or sweep. The conditional write still
	// lets only one firing win across processes.
	ec := newExecutionContext(ctx, inst, graph, e.clock, e.logger)
	consumed := *timer
	consumed.Consumed = true
	ec.stageTimer(&consumed)
	ec.Record(timer.NodeID, shared.ActionTimerFired, "", map[string]any{"timerId": timer.ID})
	ec.AfterCommit(func(context.Context) {
		e.metrics.RecordTimerFired()
		e.logger.Info("Timer fired",
			zap.String("instanceID", inst.ID),
			zap.String("nodeID", timer.NodeID),
			zap.String("timerID", timer.ID))
	})

	token := shared.ResumeToken{Kind: shared.TokenTimer, ID: timer.ID}
	if err := e.resume(ec, token, ResumeEvent{Kind: shared.TokenTimer, ID: timer.ID}); err != nil {
		e.logger.Error("Timer fired but no cursor was waiting on it",
			zap.String("instanceID", inst.ID), zap.String("timerID", timer.ID), zap.Error(err))
	}
	return e.save(ctx, ec)
}

func (e *Engine) getTask(ctx context.Context, taskID string) (*shared.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewTaskError(shared.TaskNotFound, taskID, "")
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return task, nil
}

func (e *Engine) loadInstance(ctx context.Context, id string) (*shared.WorkflowInstance, *GraphIndex, error) {
	inst, err := e.store.LoadInstance(ctx, id)
	if err != nil {
		return nil, nil, translateInstanceErr(id, err)
	}
	if inst.Data == nil {
		inst.Data = make(map[string]any)
	}
	if inst.Forks == nil {
		inst.Forks = make(map[string]*shared.Fork)
	}
	if inst.Loops == nil {
		inst.Loops = make(map[string]*shared.LoopState)
	}
	_, graph, err := e.graphFor(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("instance %s: %w", id, err)
	}
	return inst, graph, nil
}

func translateInstanceErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return shared.NewInstanceError(shared.InstanceNotFound, id)
	}
	return fmt.Errorf("load instance %s: %w", id, err)
}

// save commits the instance with its staged history, task and timer writes
// in one store call, then runs post-commit effects and publishes queued
// events. Nothing queued on ec survives a failed save.
func (e *Engine) save(ctx context.Context, ec *ExecutionContext) error {
	if err := e.store.SaveInstance(ctx, ec.Instance, ec.changes()); err != nil {
		return fmt.Errorf("save instance %s: %w", ec.Instance.ID, err)
	}
	e.commit(ctx, ec)
	return nil
}

func (e *Engine) commit(ctx context.Context, ec *ExecutionContext) {
	for _, f := range ec.effects {
		f(ctx)
	}
	for _, pe := range ec.events {
		e.bus.PublishAll(pe.users, pe.event)
	}
}

// resume applies the resumer's outcome to the cursor waiting on token and
// drives the instance onward.
func (e *Engine) resume(ec *ExecutionContext, token shared.ResumeToken, ev ResumeEvent) error {
	cur := ec.Instance.FindCursorByToken(token.Kind, token.ID)
	if cur == nil {
		return fmt.Errorf("no cursor waiting on %s %s", token.Kind, token.ID)
	}
	node, ok := ec.Graph.Node(cur.NodeID)
	if !ok {
		e.failCursor(ec, cur, cur.NodeID, fmt.Errorf("node %s is not part of the definition", cur.NodeID))
		e.drive(ec)
		return nil
	}
	ec.Cursor = cur
	out := Advance()
	if exec, ok := e.registry.Lookup(node.Type); ok {
		if r, ok := exec.(Resumer); ok {
			out = r.Resume(ec, node, ev)
		}
	}
	e.apply(ec, cur, node, out)
	e.drive(ec)
	return nil
}

// drive steps ready cursors until none is left, releasing join barriers as
// branches arrive, then settles the instance status.
//
// Cursors are stepped one node at a time in slice order, so branches
// interleave deterministically. Joins are re-checked before every step: a
// branch that ends or fails may be the last one a barrier was waiting for.
func (e *Engine) drive(ec *ExecutionContext) {
	for {
		e.releaseJoins(ec)
		if ec.Instance.Status.Terminal() {
			return
		}
		cur := nextReady(ec.Instance)
		if cur == nil {
			break
		}
		e.step(ec, cur)
	}
	e.settle(ec)
}

func nextReady(inst *shared.WorkflowInstance) *shared.Cursor {
	for _, c := range inst.Cursors {
		if c.Status == shared.CursorReady {
			return c
		}
	}
	return nil
}

func (e *Engine) step(ec *ExecutionContext, cur *shared.Cursor) {
	// A branch arriving at the join of any fork it belongs to parks there.
	// Only the merged cursor created by releaseJoins executes the join node.
	if joinFork(ec.Instance, cur) != nil {
		cur.Status = shared.CursorWaiting
		return
	}
	node, ok := ec.Graph.Node(cur.NodeID)
	if !ok {
		e.failCursor(ec, cur, cur.NodeID, fmt.Errorf("node %s is not part of the definition", cur.NodeID))
		return
	}
	exec, ok := e.registry.Lookup(node.Type)
	if !ok {
		e.fail(ec, cur, node, fmt.Errorf("no executor registered for node type %q", node.Type))
		return
	}
	ec.Cursor = cur
	started := time.Now()
	out := exec.Execute(ec, node)
	e.metrics.RecordNode(string(node.Type), out.Kind.String(), time.Since(started))
	e.logger.Debug("Node executed",
		zap.String("instanceID", ec.Instance.ID),
		zap.String("nodeID", node.ID),
		zap.String("type", string(node.Type)),
		zap.String("outcome", out.Kind.String()))
	e.apply(ec, cur, node, out)
}

func (e *Engine) apply(ec *ExecutionContext, cur *shared.Cursor, node shared.Node, out Outcome) {
	switch out.Kind {
	case OutcomeAdvance:
		e.advance(ec, cur, node, out.Labels, "")
	case OutcomeFork:
		policy := shared.PolicyIndependent
		if cfg, ok := node.Config.(*shared.ParallelConfig); ok && cfg.Policy != "" {
			policy = cfg.Policy
		}
		e.advance(ec, cur, node, nil, policy)
	case OutcomeSuspend:
		if out.Token == nil {
			e.fail(ec, cur, node, fmt.Errorf("node %s suspended without a resume token", node.ID))
			return
		}
		cur.Status = shared.CursorSuspended
		cur.Token = out.Token
	case OutcomeEnd:
		cur.Status = shared.CursorEnded
		cur.Token = nil
	case OutcomeFail:
		err := out.Err
		if err == nil {
			err = fmt.Errorf("node %s failed", node.ID)
		}
		e.fail(ec, cur, node, err)
	}
}

// advance moves the cursor along the selected edges. More than one edge
// forks the cursor; the branches meet again at the graph's join point.
func (e *Engine) advance(ec *ExecutionContext, cur *shared.Cursor, node shared.Node, labels []string, policy shared.ParallelPolicy) {
	edges := ec.Graph.SelectEdges(node.ID, labels)
	if len(edges) == 0 {
		if len(labels) > 0 {
			e.fail(ec, cur, node, fmt.Errorf("node %s has no outgoing edge for %q", node.ID, strings.Join(labels, ",")))
			return
		}
		cur.Status = shared.CursorEnded
		cur.Token = nil
		return
	}
	cur.Status = shared.CursorReady
	cur.Token = nil
	if len(edges) == 1 {
		cur.NodeID = edges[0].Target
		return
	}

	// Fan-out: the cursor takes the first edge and one sibling is spawned per
	// remaining edge. Every branch carries the new fork on top of the
	// parent's stack so the join can tell its own branches apart from those
	// of enclosing or sibling forks.
	if policy == "" {
		policy = shared.PolicyIndependent
	}
	targets := make([]string, len(edges))
	for i, edge := range edges {
		targets[i] = edge.Target
	}
	fork := &shared.Fork{
		ID:         e.newID(),
		NodeID:     node.ID,
		JoinNodeID: ec.Graph.JoinPoint(node.ID, targets),
		Branches:   len(targets),
		Policy:     policy,
		Parent:     append([]string(nil), cur.Forks...),
	}
	ec.Instance.Forks[fork.ID] = fork
	stack := append(append([]string(nil), cur.Forks...), fork.ID)
	cur.NodeID = targets[0]
	cur.Forks = stack
	for _, t := range targets[1:] {
		ec.Instance.Cursors = append(ec.Instance.Cursors, &shared.Cursor{
			ID:     e.newID(),
			NodeID: t,
			Status: shared.CursorReady,
			Forks:  append([]string(nil), stack...),
		})
	}
	e.logger.Debug("Cursor forked",
		zap.String("instanceID", ec.Instance.ID),
		zap.String("nodeID", node.ID),
		zap.Int("branches", fork.Branches),
		zap.String("joinNodeID", fork.JoinNodeID))
}

// fail handles a node error: continue-on-error nodes route via the error
// handle (or every edge), anything else fails the cursor.
func (e *Engine) fail(ec *ExecutionContext, cur *shared.Cursor, node shared.Node, err error) {
	if node.ContinueOnError {
		ec.Record(node.ID, shared.ActionNodeError, "", map[string]any{"error": err.Error()})
		ec.Logger().Warn("Node failed, continuing", zap.String("nodeID", node.ID), zap.Error(err))
		var labels []string
		if ec.Graph.HasRoute(node.ID, shared.ErrorHandle) {
			labels = []string{shared.ErrorHandle}
		}
		e.advance(ec, cur, node, labels, "")
		return
	}
	e.failCursor(ec, cur, node.ID, err)
}

func (e *Engine) failCursor(ec *ExecutionContext, cur *shared.Cursor, nodeID string, err error) {
	msg := err.Error()
	cur.Status = shared.CursorFailed
	cur.Error = msg
	cur.Token = nil
	ec.Instance.Error = msg
	ec.Record(nodeID, shared.ActionNodeFailed, "", map[string]any{"error": msg})
	ec.Logger().Error("Node failed", zap.String("nodeID", nodeID), zap.Error(err))

	for _, id := range cur.Forks {
		if f := ec.Instance.Forks[id]; f != nil && f.Policy == shared.PolicyAllOrNothing {
			if cerr := e.cancelOpenWork(ec, ""); cerr != nil {
				ec.Logger().Error("Failed to cancel sibling branches", zap.Error(cerr))
			}
			e.finish(ec, shared.InstanceFailed, "")
			return
		}
	}
}

// releaseJoins releases every fork whose branches have all resolved. The
// branches waiting at the join merge into one cursor there.
//
// For each fork, a branch is either waiting at this fork's join, finished
// (ended, failed, joined or cancelled), or still pending. A branch parked at
// the join of an enclosing fork has left this fork's scope: the merged
// cursor for the enclosing fork drops this fork from its stack, so it never
// comes back here and does not hold the fork open.
func (e *Engine) releaseJoins(ec *ExecutionContext) {
	inst := ec.Instance
	for changed := true; changed; {
		changed = false
		ids := make([]string, 0, len(inst.Forks))
		for id := range inst.Forks {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fork := inst.Forks[id]
			var waiting []*shared.Cursor
			pending := false
			for _, c := range inst.Cursors {
				depth := indexOf(c.Forks, id)
				if depth < 0 {
					continue
				}
				if c.Status == shared.CursorWaiting {
					if f := joinFork(inst, c); f != nil {
						if f.ID == id {
							waiting = append(waiting, c)
							continue
						}
						if indexOf(c.Forks, f.ID) < depth {
							continue
						}
					}
				}
				if c.Status.Live() {
					pending = true
					break
				}
			}
			if pending {
				continue
			}
			// Every branch has resolved. Without arrivals (all branches
			// ended or left for an outer join) the fork simply dissolves.
			delete(inst.Forks, id)
			changed = true
			if len(waiting) == 0 {
				continue
			}
			for _, w := range waiting {
				w.Status = shared.CursorJoined
			}
			inst.Cursors = append(inst.Cursors, &shared.Cursor{
				ID:     e.newID(),
				NodeID: fork.JoinNodeID,
				Status: shared.CursorReady,
				Forks:  append([]string(nil), fork.Parent...),
			})
			ec.Logger().Debug("Join released",
				zap.String("nodeID", fork.JoinNodeID),
				zap.Int("arrived", len(waiting)),
				zap.Int("branches", fork.Branches))
		}
	}
}

// joinFork returns the innermost open fork of cur whose join is the node
// cur stands on, or nil.
func joinFork(inst *shared.WorkflowInstance, cur *shared.Cursor) *shared.Fork {
	for i := len(cur.Forks) - 1; i >= 0; i-- {
		f := inst.Forks[cur.Forks[i]]
		if f != nil && f.JoinNodeID != "" && f.JoinNodeID == cur.NodeID {
			return f
		}
	}
	return nil
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

// settle updates the active node set while cursors remain and otherwise
// completes or fails the instance.
func (e *Engine) settle(ec *ExecutionContext) {
	inst := ec.Instance
	if inst.Status.Terminal() {
		return
	}
	live := inst.LiveCursors()
	if len(live) > 0 {
		inst.CurrentNodeIDs = cursorNodes(live)
		// Joined cursors only matter while releaseJoins runs; ended and
		// failed ones stay so the final status can be decided.
		kept := inst.Cursors[:0]
		for _, c := range inst.Cursors {
			if c.Status != shared.CursorJoined {
				kept = append(kept, c)
			}
		}
		inst.Cursors = kept
		return
	}
	// One branch reaching an end node completes the instance even if
	// independent siblings failed.
	for _, c := range inst.Cursors {
		if c.Status == shared.CursorEnded {
			e.finish(ec, shared.InstanceCompleted, "")
			return
		}
	}
	if inst.Error == "" {
		inst.Error = "no branch reached an end node"
	}
	e.finish(ec, shared.InstanceFailed, "")
}

// cancelOpenWork cancels open tasks, timers and live cursors.
func (e *Engine) cancelOpenWork(ec *ExecutionContext, actor string) error {
	live := ec.Instance.LiveCursors()
	if len(live) > 0 {
		ec.Instance.CurrentNodeIDs = cursorNodes(live)
	}
	if err := e.tasks.cancelOpen(ec, actor); err != nil {
		return err
	}
	if err := e.timers.cancelOpen(ec, actor); err != nil {
		return err
	}
	for _, c := range live {
		c.Status = shared.CursorCancelled
		c.Token = nil
	}
	return nil
}

// finish moves the instance into a terminal status.
func (e *Engine) finish(ec *ExecutionContext, status shared.InstanceStatus, actor string) {
	inst := ec.Instance
	now := e.clock.Now()
	inst.Status = status
	inst.CompletedAt = &now
	if status != shared.InstanceCancelled {
		var last []*shared.Cursor
		for _, c := range inst.Cursors {
			if c.Status == shared.CursorEnded || c.Status == shared.CursorFailed {
				last = append(last, c)
			}
		}
		if len(last) > 0 {
			inst.CurrentNodeIDs = cursorNodes(last)
		}
	}

	var action shared.HistoryAction
	var evType events.EventType
	switch status {
	case shared.InstanceCompleted:
		action, evType = shared.ActionInstanceCompleted, events.InstanceCompleted
	case shared.InstanceFailed:
		action, evType = shared.ActionInstanceFailed, events.InstanceFailed
	default:
		action, evType = shared.ActionInstanceCancelled, events.InstanceCancelled
	}
	var data map[string]any
	if status == shared.InstanceFailed && inst.Error != "" {
		data = map[string]any{"error": inst.Error}
	}
	ec.Record("", action, actor, data)
	ec.Emit(instanceAudience(inst), events.Event{Type: evType, Error: inst.Error})
	e.metrics.RecordInstanceFinished(inst.DefinitionID, string(status))
	e.logger.Info("Instance finished",
		zap.String("instanceID", inst.ID),
		zap.String("status", string(status)),
		zap.Strings("currentNodeIDs", inst.CurrentNodeIDs),
		zap.String("error", inst.Error))
}

func instanceAudience(inst *shared.WorkflowInstance) []string {
	out := make([]string, 0, len(inst.Watchers)+1)
	if inst.StartedBy != "" {
		out = append(out, inst.StartedBy)
	}
	return append(out, inst.Watchers...)
}

func cursorNodes(cursors []*shared.Cursor) []string {
	seen := make(map[string]bool, len(cursors))
	out := make([]string, 0, len(cursors))
	for _, c := range cursors {
		if !seen[c.NodeID] {
			seen[c.NodeID] = true
			out = append(out, c.NodeID)
		}
	}
	return out
}

