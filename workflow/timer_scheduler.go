package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowpilot/clock"
	"flowpilot/shared"
	"flowpilot/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the due-timer sweep every 30 seconds.
const DefaultSweepSchedule = "*/30 * * * * *"

// FireFunc resumes the instance waiting on a timer.
type FireFunc func(ctx context.Context, timerID string) error

// Alarm wakes the engine when a timer is due. Arm may be called more than
// once for the same timer.
type Alarm interface {
	Arm(ctx context.Context, timer shared.Timer) error
	Disarm(ctx context.Context, timerID string) error
}

// HandlerAlarm is an Alarm that calls back into the engine in-process.
type HandlerAlarm interface {
	Alarm
	SetHandler(fire FireFunc)
}

// TimerScheduler owns durable timers: it persists them, arms an Alarm for
// each, re-arms them on recovery and sweeps for due timers the alarm missed.
type TimerScheduler struct {
	store   store.TimerStore
	alarm   Alarm
	clock   clock.Clock
	newID   func() string
	metrics *Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	fire  FireFunc
	sweep *cron.Cron
}

// NewTimerScheduler creates a scheduler. fire is set by the engine.
func NewTimerScheduler(st store.TimerStore, alarm Alarm, clk clock.Clock, newID func() string, metrics *Metrics, logger *zap.Logger) *TimerScheduler {
	return &TimerScheduler{
		store:   st,
		alarm:   alarm,
		clock:   clk,
		newID:   newID,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *TimerScheduler) setFireFunc(f FireFunc) {
	s.mu.Lock()
	s.fire = f
	s.mu.Unlock()
	if h, ok := s.alarm.(HandlerAlarm); ok {
		h.SetHandler(f)
	}
}

func (s *TimerScheduler) fireFunc() FireFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fire
}

// Schedule persists a timer for the node and arms it once the instance has
// been saved. fireAt is absolute and never recomputed.
func (s *TimerScheduler) Schedule(ec *ExecutionContext, nodeID string, fireAt time.Time) (*shared.Timer, error) {
	timer := &shared.Timer{
		ID:         s.newID(),
		InstanceID: ec.Instance.ID,
		NodeID:     nodeID,
		FireAt:     fireAt,
		CreatedAt:  s.clock.Now(),
	}
	ec.stageTimer(timer)
	ec.Record(nodeID, shared.ActionTimerScheduled, "", map[string]any{
		"timerId": timer.ID,
		"fireAt":  fireAt.UTC().Format(time.RFC3339Nano),
	})
	armed := *timer
	ec.AfterCommit(func(ctx context.Context) {
		if err := s.alarm.Arm(ctx, armed); err != nil {
			s.logger.Error("Failed to arm timer; the sweeper will pick it up",
				zap.String("timerID", armed.ID), zap.Error(err))
		}
		s.metrics.RecordTimerScheduled()
		s.logger.Info("Timer scheduled",
			zap.String("instanceID", armed.InstanceID),
			zap.String("nodeID", nodeID),
			zap.String("timerID", armed.ID),
			zap.Time("fireAt", fireAt))
	})
	return timer, nil
}

// cancelOpen stages the cancellation of every pending timer of the
// instance. Alarms are disarmed after the commit.
func (s *TimerScheduler) cancelOpen(ec *ExecutionContext, actor string) error {
	stored, err := s.store.ListInstanceTimers(ec.Ctx, ec.Instance.ID)
	if err != nil {
		return fmt.Errorf("list instance timers: %w", err)
	}
	for _, t := range ec.withStagedTimers(stored) {
		if !t.Pending() {
			continue
		}
		cancelled := *t
		cancelled.Cancelled = true
		ec.stageTimer(&cancelled)
		ec.Record(t.NodeID, shared.ActionTimerCancelled, actor, map[string]any{"timerId": t.ID})
		id := t.ID
		ec.AfterCommit(func(ctx context.Context) {
			if err := s.alarm.Disarm(ctx, id); err != nil {
				s.logger.Warn("Failed to disarm cancelled timer", zap.String("timerID", id), zap.Error(err))
			}
			s.metrics.RecordTimerCancelled()
		})
	}
	return nil
}

// Recover re-arms every pending timer whose fireAt lies in the future and
// fires the ones that are already due. It returns the number of timers
// handled.
func (s *TimerScheduler) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingTimers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending timers: %w", err)
	}
	now := s.clock.Now()
	var errs []error
	for _, t := range pending {
		if !t.FireAt.After(now) {
			if err := s.fireNow(ctx, t.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := s.alarm.Arm(ctx, *t); err != nil {
			errs = append(errs, fmt.Errorf("arm timer %s: %w", t.ID, err))
		}
	}
	s.logger.Info("Timers recovered", zap.Int("pending", len(pending)), zap.Int("errors", len(errs)))
	return len(pending), errors.Join(errs...)
}

// Sweep fires every due timer that is still pending.
func (s *TimerScheduler) Sweep(ctx context.Context) error {
	due, err := s.store.ListDueTimers(ctx, s.clock.Now())
	if err != nil {
		return fmt.Errorf("list due timers: %w", err)
	}
	var errs []error
	for _, t := range due {
		if err := s.fireNow(ctx, t.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(due) > 0 {
		s.logger.Info("Swept due timers", zap.Int("due", len(due)))
	}
	return errors.Join(errs...)
}

func (s *TimerScheduler) fireNow(ctx context.Context, timerID string) error {
	fire := s.fireFunc()
	if fire == nil {
		return fmt.Errorf("timer %s: no fire handler configured", timerID)
	}
	if err := fire(ctx, timerID); err != nil {
		return fmt.Errorf("fire timer %s: %w", timerID, err)
	}
	return nil
}

// StartSweeper runs Sweep on a cron schedule with a seconds field. An empty
// spec uses DefaultSweepSchedule.
func (s *TimerScheduler) StartSweeper(spec string) error {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweep != nil {
		return errors.New("timer sweeper already running")
	}
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(spec, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn("Timer sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.sweep = c
	s.logger.Info("Timer sweeper started", zap.String("schedule", spec))
	return nil
}

// StopSweeper stops the sweeper and waits for a running sweep to finish.
func (s *TimerScheduler) StopSweeper() {
	s.mu.Lock()
	c := s.sweep
	s.sweep = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// LocalAlarm arms timers on a clock inside the current process.
type LocalAlarm struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	handler FireFunc
	timers  map[string]clock.Timer
}

// NewLocalAlarm creates an in-process alarm.
func NewLocalAlarm(clk clock.Clock, logger *zap.Logger) *LocalAlarm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalAlarm{clock: clk, logger: logger, timers: make(map[string]clock.Timer)}
}

// SetHandler implements HandlerAlarm.
func (a *LocalAlarm) SetHandler(fire FireFunc) {
	a.mu.Lock()
	a.handler = fire
	a.mu.Unlock()
}

// Arm implements Alarm.
func (a *LocalAlarm) Arm(_ context.Context, timer shared.Timer) error {
	d := timer.FireAt.Sub(a.clock.Now())
	if d < 0 {
		d = 0
	}
	id := timer.ID
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.timers[id]; ok {
		prev.Stop()
	}
	a.timers[id] = a.clock.AfterFunc(d, func() {
		a.mu.Lock()
		delete(a.timers, id)
		fire := a.handler
		a.mu.Unlock()
		if fire == nil {
			a.logger.Warn("Timer due but no handler is set", zap.String("timerID", id))
			return
		}
		if err := fire(context.Background(), id); err != nil {
			a.logger.Error("Timer fire failed", zap.String("timerID", id), zap.Error(err))
		}
	})
	return nil
}

// Disarm implements Alarm.
func (a *LocalAlarm) Disarm(_ context.Context, timerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[timerID]; ok {
		t.Stop()
		delete(a.timers, timerID)
	}
	return nil
}

// Armed returns the number of armed timers.
func (a *LocalAlarm) Armed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Close disarms everything.
func (a *LocalAlarm) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}
