// Package steps binds the Gherkin scenarios under features/ to an in-memory
// engine driven by a fake clock.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"flowpilot/clock"
	"flowpilot/events"
	"flowpilot/shared"
	"flowpilot/store"
	"flowpilot/workflow"
	"github.com/cucumber/godog"
	"go.uber.org/zap"
)

// Epoch is the fake clock's start time in every scenario.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// EngineTestContext holds state across the steps of one scenario.
type EngineTestContext struct {
	definitionsDir string
	logger         *zap.Logger

	clock    *clock.Fake
	store    *store.MemoryStore
	defs     *workflow.DefinitionRegistry
	resolver *workflow.StaticResolver
	engine   *workflow.Engine

	instanceID string
	lastErr    error
	subs       map[string]*events.Subscription
	received   map[string][]events.EventType
}

// NewEngineTestContext creates a context that loads definitions from dir.
func NewEngineTestContext(definitionsDir string) *EngineTestContext {
	return &EngineTestContext{definitionsDir: definitionsDir, logger: zap.NewNop()}
}

// RegisterSteps connects Gherkin steps to Go functions.
func (c *EngineTestContext) RegisterSteps(ctx *godog.ScenarioContext) {
	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		c.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		for _, sub := range c.subs {
			sub.Close()
		}
		c.engine.Close()
		return ctx, nil
	})

	ctx.Step(`^the "([^"]*)" workflow is registered$`, c.theWorkflowIsRegistered)
	ctx.Step(`^the group "([^"]*)" has members "([^"]*)"$`, c.theGroupHasMembers)
	ctx.Step(`^"([^"]*)" is listening for events$`, c.isListeningForEvents)
	ctx.Step(`^"([^"]*)" starts "([^"]*)"$`, c.starts)
	ctx.Step(`^"([^"]*)" starts "([^"]*)" with:$`, c.startsWith)
	ctx.Step(`^"([^"]*)" (approves|rejects) the "([^"]*)" task$`, c.decides)
	ctx.Step(`^"([^"]*)" completes the "([^"]*)" task$`, c.completes)
	ctx.Step(`^"([^"]*)" tries to (approve|reject|complete) the "([^"]*)" task$`, c.triesTo)
	ctx.Step(`^"([^"]*)" cancels the instance$`, c.cancels)
	ctx.Step(`^(\d+) minutes? pass(?:es)?$`, c.minutesPass)
	ctx.Step(`^the attempt fails with "([^"]*)"$`, c.theAttemptFailsWith)
	ctx.Step(`^the instance is (running|completed|cancelled|failed)$`, c.theInstanceIs)
	ctx.Step(`^the instance is waiting at "([^"]*)"$`, c.theInstanceIsWaitingAt)
	ctx.Step(`^the instance data "([^"]*)" is "([^"]*)"$`, c.theInstanceDataIs)
	ctx.Step(`^"([^"]*)" has (\d+) open tasks?$`, c.hasOpenTasks)
	ctx.Step(`^the "([^"]*)" task is titled "([^"]*)"$`, c.theTaskIsTitled)
	ctx.Step(`^"([^"]*)" received the events "([^"]*)"$`, c.receivedTheEvents)
	ctx.Step(`^the history ends with "([^"]*)"$`, c.theHistoryEndsWith)
}

func (c *EngineTestContext) reset() {
	c.clock = clock.NewFake(Epoch)
	c.store = store.NewMemoryStore()
	c.defs = workflow.NewDefinitionRegistry(c.logger)
	c.resolver = workflow.NewStaticResolver(nil)
	c.engine = workflow.NewEngine(c.defs, c.store,
		workflow.WithClock(c.clock),
		workflow.WithLogger(c.logger),
		workflow.WithAssigneeResolver(c.resolver),
	)
	c.instanceID = ""
	c.lastErr = nil
	c.subs = make(map[string]*events.Subscription)
	c.received = make(map[string][]events.EventType)
}

func (c *EngineTestContext) ctx() context.Context { return context.Background() }

func (c *EngineTestContext) theWorkflowIsRegistered(id string) error {
	def, err := workflow.LoadDefinitionFile(filepath.Join(c.definitionsDir, id+".yaml"))
	if err != nil {
		return err
	}
	_, err = c.defs.Register(def)
	return err
}

func (c *EngineTestContext) theGroupHasMembers(group, members string) error {
	c.resolver.SetGroup(group, splitList(members))
	return nil
}

func (c *EngineTestContext) isListeningForEvents(user string) error {
	c.subs[user] = c.engine.Subscribe(user)
	return nil
}

func (c *EngineTestContext) starts(user, definitionID string) error {
	return c.start(user, definitionID, nil)
}

func (c *EngineTestContext) startsWith(user, definitionID string, doc *godog.DocString) error {
	var data map[string]any
	if err := json.Unmarshal([]byte(doc.Content), &data); err != nil {
		return fmt.Errorf("invalid instance data: %w", err)
	}
	return c.start(user, definitionID, data)
}

func (c *EngineTestContext) start(user, definitionID string, data map[string]any) error {
	id, err := c.engine.StartInstance(c.ctx(), definitionID, data, user)
	if err != nil {
		return err
	}
	c.instanceID = id
	return nil
}

// openTask finds the open task of the current instance at nodeID regardless
// of who may act on it.
func (c *EngineTestContext) openTask(nodeID string) (*shared.Task, error) {
	task, err := c.store.FindOpenTask(c.ctx(), c.instanceID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("no open task at %q: %w", nodeID, err)
	}
	return task, nil
}

func decisionFor(verb string) string {
	switch verb {
	case "approves", "approve":
		return string(shared.DecisionApproved)
	case "rejects", "reject":
		return string(shared.DecisionRejected)
	}
	return ""
}

func (c *EngineTestContext) decides(user, verb, nodeID string) error {
	task, err := c.openTask(nodeID)
	if err != nil {
		return err
	}
	return c.engine.CompleteTask(c.ctx(), task.ID, user, decisionFor(verb), nil)
}

func (c *EngineTestContext) completes(user, nodeID string) error {
	task, err := c.openTask(nodeID)
	if err != nil {
		return err
	}
	return c.engine.CompleteTask(c.ctx(), task.ID, user, "", nil)
}

// triesTo records the outcome instead of failing the step. Resolved tasks
// are looked up in the store so a second attempt reaches the engine.
func (c *EngineTestContext) triesTo(user, verb, nodeID string) error {
	tasks, err := c.allTasks(nodeID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no task was ever created at %q", nodeID)
	}
	c.lastErr = c.engine.CompleteTask(c.ctx(), tasks[len(tasks)-1], user, decisionFor(verb), nil)
	return nil
}

// allTasks returns the ids of every task created at nodeID, oldest first.
func (c *EngineTestContext) allTasks(nodeID string) ([]string, error) {
	history, err := c.store.History(c.ctx(), c.instanceID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, h := range history {
		if h.Action == shared.ActionTaskCreated && h.NodeID == nodeID {
			if id, ok := h.Data["taskId"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (c *EngineTestContext) cancels(user string) error {
	return c.engine.CancelInstance(c.ctx(), c.instanceID, user)
}

func (c *EngineTestContext) minutesPass(n int) error {
	c.clock.Advance(time.Duration(n) * time.Minute)
	return nil
}

func (c *EngineTestContext) theAttemptFailsWith(kind string) error {
	want := map[string]error{
		"forbidden":        shared.ErrTaskForbidden,
		"already resolved": shared.ErrTaskAlreadyResolved,
		"invalid decision": shared.ErrTaskInvalidDecision,
		"not found":        shared.ErrTaskNotFound,
	}[kind]
	if want == nil {
		return fmt.Errorf("unknown failure kind %q", kind)
	}
	if !errors.Is(c.lastErr, want) {
		return fmt.Errorf("expected %v, got %v", want, c.lastErr)
	}
	return nil
}

func (c *EngineTestContext) snapshot() (*shared.InstanceSnapshot, error) {
	return c.engine.GetInstance(c.ctx(), c.instanceID)
}

func (c *EngineTestContext) theInstanceIs(status string) error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	if string(snap.Status) != status {
		return fmt.Errorf("expected instance %s, got %s (error %q)", status, snap.Status, snap.Error)
	}
	return nil
}

func (c *EngineTestContext) theInstanceIsWaitingAt(nodes string) error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	want := splitList(nodes)
	if len(want) != len(snap.CurrentNodeIDs) {
		return fmt.Errorf("expected current nodes %v, got %v", want, snap.CurrentNodeIDs)
	}
	for _, n := range want {
		if !contains(snap.CurrentNodeIDs, n) {
			return fmt.Errorf("expected current nodes %v, got %v", want, snap.CurrentNodeIDs)
		}
	}
	return nil
}

func (c *EngineTestContext) theInstanceDataIs(key, value string) error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	got, ok := snap.Data[key]
	if !ok {
		return fmt.Errorf("instance data has no %q", key)
	}
	if fmt.Sprint(got) != value {
		return fmt.Errorf("expected %s=%s, got %v", key, value, got)
	}
	return nil
}

func (c *EngineTestContext) hasOpenTasks(user string, n int) error {
	tasks, err := c.engine.ListTasks(c.ctx(), user)
	if err != nil {
		return err
	}
	if len(tasks) != n {
		return fmt.Errorf("expected %d open tasks for %s, got %d", n, user, len(tasks))
	}
	return nil
}

func (c *EngineTestContext) theTaskIsTitled(nodeID, title string) error {
	task, err := c.openTask(nodeID)
	if err != nil {
		return err
	}
	if task.Title != title {
		return fmt.Errorf("expected title %q, got %q", title, task.Title)
	}
	return nil
}

func (c *EngineTestContext) receivedTheEvents(user, list string) error {
	sub, ok := c.subs[user]
	if !ok {
		return fmt.Errorf("%s is not listening", user)
	}
	for drained := false; !drained; {
		select {
		case ev := <-sub.Events():
			c.received[user] = append(c.received[user], ev.Type)
		default:
			drained = true
		}
	}
	want := splitList(list)
	got := c.received[user]
	if len(got) != len(want) {
		return fmt.Errorf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if string(got[i]) != want[i] {
			return fmt.Errorf("expected events %v, got %v", want, got)
		}
	}
	return nil
}

func (c *EngineTestContext) theHistoryEndsWith(list string) error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	want := splitList(list)
	if len(snap.History) < len(want) {
		return fmt.Errorf("history has only %d entries", len(snap.History))
	}
	tail := snap.History[len(snap.History)-len(want):]
	for i, h := range tail {
		if string(h.Action) != want[i] {
			got := make([]string, len(tail))
			for j, e := range tail {
				got[j] = string(e.Action)
			}
			return fmt.Errorf("expected history to end with %v, got %v", want, got)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
