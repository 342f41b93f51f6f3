package activities

import (
	"context"
	"errors"

	"flowpilot/store"
	"flowpilot/workflow"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// TimerFirer resumes the instance waiting on a timer.
type TimerFirer interface {
	FireTimer(ctx context.Context, timerID string) error
}

// TimerActivities hosts the activity a durable timer workflow calls once its
// sleep is over.
type TimerActivities struct {
	Engine TimerFirer
}

// FireTimer fires the timer on the engine. A timer that is not yet due is
// returned as a retryable error; a timer that no longer exists is not retried.
func (a *TimerActivities) FireTimer(ctx context.Context, timerID string) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Firing durable timer", zap.String("timerID", timerID))

	err := a.Engine.FireTimer(ctx, timerID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, workflow.ErrTimerNotDue):
		logger.Warn("Timer woke early, retrying", zap.String("timerID", timerID), zap.Error(err))
		return err
	case errors.Is(err, store.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), "TimerNotFound", err)
	default:
		logger.Error("Timer fire failed", zap.String("timerID", timerID), zap.Error(err))
		return err
	}
}
