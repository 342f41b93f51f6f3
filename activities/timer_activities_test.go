package activities

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"flowpilot/store"
	"flowpilot/workflow"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

type mockFirer struct {
	mock.Mock
}

func (m *mockFirer) FireTimer(ctx context.Context, timerID string) error {
	return m.Called(timerID).Error(0)
}

type TimerActivitiesTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env   *testsuite.TestActivityEnvironment
	firer *mockFirer
}

func TestTimerActivitiesTestSuite(t *testing.T) {
	suite.Run(t, new(TimerActivitiesTestSuite))
}

func (s *TimerActivitiesTestSuite) SetupTest() {
	s.env = s.NewTestActivityEnvironment()
	s.firer = &mockFirer{}
	s.env.RegisterActivity(&TimerActivities{Engine: s.firer})
}

func (s *TimerActivitiesTestSuite) AfterTest(suiteName, testName string) {
	s.firer.AssertExpectations(s.T())
}

func (s *TimerActivitiesTestSuite) Test_FiresTimer() {
	s.firer.On("FireTimer", "tm-1").Return(nil).Once()
	_, err := s.env.ExecuteActivity((&TimerActivities{}).FireTimer, "tm-1")
	s.NoError(err)
}

func (s *TimerActivitiesTestSuite) Test_NotDueIsRetryable() {
	s.firer.On("FireTimer", "tm-1").Return(fmt.Errorf("early: %w", workflow.ErrTimerNotDue)).Once()
	_, err := s.env.ExecuteActivity((&TimerActivities{}).FireTimer, "tm-1")
	s.Error(err)
	var appErr *temporal.ApplicationError
	s.Require().True(errors.As(err, &appErr))
	s.False(appErr.NonRetryable())
}

func (s *TimerActivitiesTestSuite) Test_MissingTimerIsNotRetried() {
	s.firer.On("FireTimer", "gone").Return(fmt.Errorf("load timer gone: %w", store.ErrNotFound)).Once()
	_, err := s.env.ExecuteActivity((&TimerActivities{}).FireTimer, "gone")
	var appErr *temporal.ApplicationError
	s.Require().True(errors.As(err, &appErr))
	s.True(appErr.NonRetryable())
	s.Equal("TimerNotFound", appErr.Type())
}
