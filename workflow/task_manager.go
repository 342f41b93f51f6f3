package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flowpilot/clock"
	"flowpilot/events"
	"flowpilot/shared"
	"flowpilot/store"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// TaskManager creates, assigns and resolves the human tasks that suspend
// task, approval and form nodes.
type TaskManager struct {
	store    store.TaskStore
	resolver AssigneeResolver
	clock    clock.Clock
	newID    func() string
	metrics  *Metrics
	logger   *zap.Logger
}

// NewTaskManager creates a task manager.
func NewTaskManager(st store.TaskStore, resolver AssigneeResolver, clk clock.Clock, newID func() string, metrics *Metrics, logger *zap.Logger) *TaskManager {
	return &TaskManager{
		store:    st,
		resolver: resolver,
		clock:    clk,
		newID:    newID,
		metrics:  metrics,
		logger:   logger,
	}
}

// CreateTask opens the task for a node. While a task for the same instance
// and node is still open, that task is returned instead of a new one.
func (m *TaskManager) CreateTask(ec *ExecutionContext, node shared.Node) (*shared.Task, error) {
	existing, err := m.findOpen(ec, node.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	like, ok := node.Config.(shared.TaskLike)
	if !ok {
		return nil, fmt.Errorf("node %s: %T is not a task config", node.ID, node.Config)
	}
	settings := like.TaskSettings()
	assignee, err := m.resolveAssignee(ec, settings.Assignee)
	if err != nil {
		return nil, fmt.Errorf("node %s: resolve assignee: %w", node.ID, err)
	}
	title, err := ec.render(settings.Title)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	if title == "" {
		title = node.Name
	}
	description, err := ec.render(settings.Description)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	priority := settings.Priority
	if priority == "" {
		priority = shared.PriorityNormal
	}

	now := m.clock.Now()
	task := &shared.Task{
		ID:          m.newID(),
		InstanceID:  ec.Instance.ID,
		NodeID:      node.ID,
		Type:        shared.TaskTypeFor(node.Type),
		Title:       title,
		Description: description,
		Assignee:    assignee,
		Status:      shared.TaskPending,
		Priority:    priority,
		CreatedAt:   now,
	}
	if settings.DueIn > 0 {
		due := now.Add(settings.DueIn.Std())
		task.DueAt = &due
	}
	if form, ok := node.Config.(*shared.FormConfig); ok {
		task.FormSchemaRef = form.FormSchemaRef
		task.Schema = append([]byte(nil), form.Schema...)
	}
	ec.stageTask(task)

	ec.Record(node.ID, shared.ActionTaskCreated, "", map[string]any{
		"taskId":   task.ID,
		"assignee": assignee.ID,
		"taskType": string(task.Type),
	})
	ec.Emit(assignee.Recipients(), events.Event{
		Type:   events.TaskAssigned,
		NodeID: node.ID,
		TaskID: task.ID,
		Data:   map[string]any{"title": task.Title, "priority": string(task.Priority)},
	})
	ec.AfterCommit(func(context.Context) {
		m.metrics.RecordTaskCreated(string(task.Type))
		m.logger.Info("Task created",
			zap.String("instanceID", task.InstanceID),
			zap.String("nodeID", node.ID),
			zap.String("taskID", task.ID),
			zap.String("assigneeType", string(assignee.Type)),
			zap.String("assignee", assignee.ID))
	})
	return task, nil
}

// findOpen returns the open task at nodeID as the pending commit would leave
// it, or nil.
func (m *TaskManager) findOpen(ec *ExecutionContext, nodeID string) (*shared.Task, error) {
	for _, t := range ec.tasks {
		if t.NodeID == nodeID && t.Status.Open() {
			return t, nil
		}
	}
	existing, err := m.store.FindOpenTask(ec.Ctx, ec.Instance.ID, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open task: %w", err)
	}
	// Resolved earlier in this commit, e.g. a loop revisiting the node.
	if staged, ok := ec.stagedTask(existing.ID); ok && !staged.Status.Open() {
		return nil, nil
	}
	return existing, nil
}

func (m *TaskManager) resolveAssignee(ec *ExecutionContext, spec shared.AssigneeSpec) (shared.Assignee, error) {
	if spec.Type == shared.AssigneeStarter {
		if ec.Instance.StartedBy == "" {
			return shared.Assignee{}, errors.New("instance has no starter")
		}
		return shared.Assignee{Type: shared.AssigneeUser, ID: ec.Instance.StartedBy}, nil
	}
	id, err := ec.render(spec.ID)
	if err != nil {
		return shared.Assignee{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return shared.Assignee{}, fmt.Errorf("%s assignee rendered to an empty id", spec.Type)
	}
	return m.resolver.Resolve(ec.Ctx, shared.AssigneeSpec{Type: spec.Type, ID: id})
}

// NormalizeDecision maps accepted decision spellings to a Decision.
func NormalizeDecision(s string) (shared.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve":
		return shared.DecisionApproved, true
	case "rejected", "reject":
		return shared.DecisionRejected, true
	}
	return "", false
}

// checkCompletion validates a completion request against a task and returns
// the normalized decision.
func (m *TaskManager) checkCompletion(task *shared.Task, actor, decision string, result map[string]any) (shared.Decision, error) {
	if !task.Status.Open() {
		return "", shared.NewTaskError(shared.TaskAlreadyResolved, task.ID, string(task.Status))
	}
	if !task.Assignee.Allows(actor) {
		return "", shared.NewTaskError(shared.TaskForbidden, task.ID, actor)
	}
	if task.Status == shared.TaskInProgress && task.ClaimedBy != "" && task.ClaimedBy != actor {
		return "", shared.NewTaskError(shared.TaskForbidden, task.ID, "claimed by "+task.ClaimedBy)
	}

	if decision == "" {
		if s, ok := result["decision"].(string); ok {
			decision = s
		}
	}
	var normalized shared.Decision
	if decision != "" {
		d, ok := NormalizeDecision(decision)
		if !ok {
			return "", shared.NewTaskError(shared.TaskInvalidDecision, task.ID, decision)
		}
		normalized = d
	}
	if task.Type == shared.TaskApproval && normalized == "" {
		return "", shared.NewTaskError(shared.TaskInvalidDecision, task.ID, "approval tasks require a decision")
	}

	if len(task.Schema) > 0 {
		if err := validateFormResult(task.Schema, result); err != nil {
			return "", shared.NewTaskError(shared.TaskInvalidResult, task.ID, err.Error())
		}
	}
	return normalized, nil
}

func validateFormResult(schema []byte, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(result))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// markCompleted stages the resolved task into ec's commit.
func (m *TaskManager) markCompleted(ec *ExecutionContext, task *shared.Task, actor string, decision shared.Decision, result map[string]any) {
	now := m.clock.Now()
	task.Status = shared.TaskCompleted
	task.Decision = decision
	task.ResultData = shared.CloneData(result)
	task.CompletedBy = actor
	task.CompletedAt = &now
	ec.stageTask(task)
	ec.AfterCommit(func(context.Context) {
		m.metrics.RecordTaskResolved(string(task.Type), string(task.Status))
		m.logger.Info("Task completed",
			zap.String("instanceID", task.InstanceID),
			zap.String("taskID", task.ID),
			zap.String("actor", actor),
			zap.String("decision", string(decision)))
	})
}

// claim moves a pending task to in_progress for actor.
func (m *TaskManager) claim(ctx context.Context, task *shared.Task, actor string) error {
	if !task.Status.Open() {
		return shared.NewTaskError(shared.TaskAlreadyResolved, task.ID, string(task.Status))
	}
	if !task.Assignee.Allows(actor) {
		return shared.NewTaskError(shared.TaskForbidden, task.ID, actor)
	}
	if task.Status == shared.TaskInProgress {
		if task.ClaimedBy == actor {
			return nil
		}
		return shared.NewTaskError(shared.TaskForbidden, task.ID, "claimed by "+task.ClaimedBy)
	}
	task.Status = shared.TaskInProgress
	task.ClaimedBy = actor
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	m.logger.Info("Task claimed", zap.String("taskID", task.ID), zap.String("actor", actor))
	return nil
}

// cancelOpen stages the cancellation of every open task of the instance,
// including tasks opened earlier in the same commit.
func (m *TaskManager) cancelOpen(ec *ExecutionContext, actor string) error {
	stored, err := m.store.ListOpenTasks(ec.Ctx, ec.Instance.ID)
	if err != nil {
		return fmt.Errorf("list open tasks: %w", err)
	}
	now := m.clock.Now()
	for _, task := range ec.withStagedTasks(stored) {
		if !task.Status.Open() {
			continue
		}
		task.Status = shared.TaskCancelled
		task.CompletedAt = &now
		ec.stageTask(task)
		ec.Record(task.NodeID, shared.ActionTaskCancelled, actor, map[string]any{"taskId": task.ID})
		ec.Emit(task.Assignee.Recipients(), events.Event{
			Type:   events.TaskCancelled,
			NodeID: task.NodeID,
			TaskID: task.ID,
		})
		taskType := string(task.Type)
		ec.AfterCommit(func(context.Context) {
			m.metrics.RecordTaskResolved(taskType, string(shared.TaskCancelled))
		})
	}
	return nil
}

// ListTasks returns the open tasks userID may act on.
func (m *TaskManager) ListTasks(ctx context.Context, userID string) ([]*shared.Task, error) {
	return m.store.ListTasksForUser(ctx, userID)
}
