package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowpilot/shared"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type TimerWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func TestTimerWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(TimerWorkflowTestSuite))
}

func (s *TimerWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.env.SetStartTime(t0)
	s.env.RegisterActivityWithOptions(func(ctx context.Context, timerID string) error { return nil },
		activity.RegisterOptions{Name: FireTimerActivity})
}

func (s *TimerWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func (s *TimerWorkflowTestSuite) Test_FiresAfterSleep() {
	fireAt := t0.Add(5 * time.Minute)
	s.env.OnActivity(FireTimerActivity, mock.Anything, "tm-1").Return(func(ctx context.Context, timerID string) error {
		s.False(s.env.Now().Before(fireAt), "fired before its deadline")
		return nil
	}).Once()

	s.env.ExecuteWorkflow(TimerWorkflow, TimerInput{TimerID: "tm-1", InstanceID: "i-1", FireAt: fireAt})

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *TimerWorkflowTestSuite) Test_OverdueFiresImmediately() {
	s.env.OnActivity(FireTimerActivity, mock.Anything, "late").Return(nil).Once()

	s.env.ExecuteWorkflow(TimerWorkflow, TimerInput{TimerID: "late", FireAt: t0.Add(-time.Hour)})

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *TimerWorkflowTestSuite) Test_CancelBeforeDueNeverFires() {
	s.env.RegisterDelayedCallback(func() {
		s.env.CancelWorkflow()
	}, time.Minute)

	s.env.ExecuteWorkflow(TimerWorkflow, TimerInput{TimerID: "tm-2", FireAt: t0.Add(time.Hour)})

	s.True(s.env.IsWorkflowCompleted())
	err := s.env.GetWorkflowError()
	s.Require().Error(err)
	var canceled *temporal.CanceledError
	s.True(errors.As(err, &canceled))
}

func (s *TimerWorkflowTestSuite) Test_ActivityFailureFailsWorkflow() {
	s.env.OnActivity(FireTimerActivity, mock.Anything, "tm-3").
		Return(temporal.NewNonRetryableApplicationError("gone", "TimerNotFound", nil)).Once()

	s.env.ExecuteWorkflow(TimerWorkflow, TimerInput{TimerID: "tm-3", FireAt: t0})

	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

type TemporalAlarmTestSuite struct {
	suite.Suite
	client *mocks.Client
	alarm  *TemporalAlarm
}

func TestTemporalAlarmTestSuite(t *testing.T) {
	suite.Run(t, new(TemporalAlarmTestSuite))
}

func (s *TemporalAlarmTestSuite) SetupTest() {
	s.client = &mocks.Client{}
	s.alarm = NewTemporalAlarm(s.client, "", nil)
}

func (s *TemporalAlarmTestSuite) AfterTest(suiteName, testName string) {
	s.client.AssertExpectations(s.T())
}

func (s *TemporalAlarmTestSuite) Test_ArmStartsOneWorkflowPerTimer() {
	timer := shared.Timer{ID: "tm-1", InstanceID: "i-1", NodeID: "wait", FireAt: t0}
	run := &mocks.WorkflowRun{}
	run.On("GetRunID").Return("run-1")

	s.client.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "timer-tm-1" &&
			o.TaskQueue == DefaultTaskQueue &&
			o.WorkflowIDReusePolicy == enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE
	}), mock.Anything, TimerInput{TimerID: "tm-1", InstanceID: "i-1", NodeID: "wait", FireAt: t0}).
		Return(run, nil).Once()
	s.NoError(s.alarm.Arm(context.Background(), timer))

	s.client.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, serviceerror.NewWorkflowExecutionAlreadyStarted("exists", "", "run-1")).Once()
	s.NoError(s.alarm.Arm(context.Background(), timer), "re-arming is a no-op")
}

func (s *TemporalAlarmTestSuite) Test_ArmSurfacesOtherErrors() {
	s.client.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, serviceerror.NewUnavailable("down")).Once()
	s.Error(s.alarm.Arm(context.Background(), shared.Timer{ID: "tm-1"}))
}

func (s *TemporalAlarmTestSuite) Test_DisarmCancelsWorkflow() {
	s.client.On("CancelWorkflow", mock.Anything, "timer-tm-1", "").Return(nil).Once()
	s.NoError(s.alarm.Disarm(context.Background(), "tm-1"))

	s.client.On("CancelWorkflow", mock.Anything, "timer-gone", "").Return(serviceerror.NewNotFound("done")).Once()
	s.NoError(s.alarm.Disarm(context.Background(), "gone"))
}
