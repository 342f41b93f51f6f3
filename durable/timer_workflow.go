// Package durable runs engine timers as Temporal workflows so that a due
// timer wakes its instance even when no engine process was alive while it
// was pending.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowpilot/activities"
	"flowpilot/shared"
	engine "flowpilot/workflow"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// DefaultTaskQueue is the task queue timer workflows run on.
const DefaultTaskQueue = "flowpilot-timers"

// FireTimerActivity is the registered name of the timer-fire activity.
const FireTimerActivity = "FireTimer"

// TimerInput is the argument of TimerWorkflow.
type TimerInput struct {
	TimerID    string    `json:"timerId"`
	InstanceID string    `json:"instanceId"`
	NodeID     string    `json:"nodeId"`
	FireAt     time.Time `json:"fireAt"`
}

// WorkflowID returns the Temporal workflow id for a timer.
func WorkflowID(timerID string) string {
	return "timer-" + timerID
}

// TimerWorkflow sleeps until FireAt and then asks the engine to fire the
// timer. Cancelling the workflow before FireAt disarms the timer.
func TimerWorkflow(ctx workflow.Context, in TimerInput) error {
	logger := workflow.GetLogger(ctx)
	if d := in.FireAt.Sub(workflow.Now(ctx)); d > 0 {
		logger.Info("Timer armed", zap.String("timerID", in.TimerID), zap.Duration("delay", d))
		if err := workflow.Sleep(ctx, d); err != nil {
			return err
		}
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    20,
		},
	})
	if err := workflow.ExecuteActivity(ctx, FireTimerActivity, in.TimerID).Get(ctx, nil); err != nil {
		logger.Error("Timer fire failed", zap.String("timerID", in.TimerID), zap.Error(err))
		return err
	}
	logger.Info("Timer fired", zap.String("timerID", in.TimerID), zap.String("instanceID", in.InstanceID))
	return nil
}

// Register adds the timer workflow and its activity to a worker.
func Register(r worker.Registry, acts *activities.TimerActivities) {
	r.RegisterWorkflow(TimerWorkflow)
	r.RegisterActivityWithOptions(acts.FireTimer, activity.RegisterOptions{Name: FireTimerActivity})
}

// WorkflowClient is the part of the Temporal client the alarm uses.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	CancelWorkflow(ctx context.Context, workflowID string, runID string) error
}

// TemporalAlarm arms each timer as its own Temporal workflow. Arming the same
// timer twice is a no-op because workflow ids are unique per timer.
type TemporalAlarm struct {
	client    WorkflowClient
	taskQueue string
	logger    *zap.Logger
}

var _ engine.Alarm = (*TemporalAlarm)(nil)

// NewTemporalAlarm creates an alarm that starts timer workflows on taskQueue.
func NewTemporalAlarm(c WorkflowClient, taskQueue string, logger *zap.Logger) *TemporalAlarm {
	if logger == nil {
		logger = zap.NewNop()
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &TemporalAlarm{client: c, taskQueue: taskQueue, logger: logger}
}

// Arm implements workflow.Alarm.
func (a *TemporalAlarm) Arm(ctx context.Context, timer shared.Timer) error {
	opts := client.StartWorkflowOptions{
		ID:                                       WorkflowID(timer.ID),
		TaskQueue:                                a.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	in := TimerInput{TimerID: timer.ID, InstanceID: timer.InstanceID, NodeID: timer.NodeID, FireAt: timer.FireAt}
	run, err := a.client.ExecuteWorkflow(ctx, opts, TimerWorkflow, in)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		a.logger.Debug("Timer workflow already exists", zap.String("timerID", timer.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("start timer workflow %s: %w", timer.ID, err)
	}
	a.logger.Info("Timer workflow started",
		zap.String("timerID", timer.ID),
		zap.String("instanceID", timer.InstanceID),
		zap.String("runID", run.GetRunID()),
		zap.Time("fireAt", timer.FireAt))
	return nil
}

// Disarm implements workflow.Alarm.
func (a *TemporalAlarm) Disarm(ctx context.Context, timerID string) error {
	err := a.client.CancelWorkflow(ctx, WorkflowID(timerID), "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel timer workflow %s: %w", timerID, err)
	}
	return nil
}
