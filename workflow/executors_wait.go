package workflow

import (
	"fmt"

	"flowpilot/shared"
)

// taskExecutor suspends task, approval and form nodes on a human task.
type taskExecutor struct {
	tasks *TaskManager
}

func (x taskExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	task, err := x.tasks.CreateTask(ec, node)
	if err != nil {
		return Fail(err)
	}
	return Suspend(shared.ResumeToken{Kind: shared.TokenTask, ID: task.ID})
}

// Resume routes approvals by decision when the node has decision edges and
// follows every outgoing edge otherwise.
func (x taskExecutor) Resume(ec *ExecutionContext, node shared.Node, ev ResumeEvent) Outcome {
	cfg, ok := node.Config.(*shared.ApprovalConfig)
	if !ok {
		return Advance()
	}
	approved, rejected := cfg.Labels()
	if !ec.Graph.HasRoute(node.ID, approved) && !ec.Graph.HasRoute(node.ID, rejected) {
		return Advance()
	}
	switch ev.Decision {
	case shared.DecisionApproved:
		return Advance(approved)
	case shared.DecisionRejected:
		return Advance(rejected)
	}
	return Fail(fmt.Errorf("approval %s resumed without a decision", node.ID))
}

// timerExecutor suspends on a durable timer due duration from now.
type timerExecutor struct {
	timers *TimerScheduler
}

func (x timerExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.TimerConfig](node)
	if err != nil {
		return Fail(err)
	}
	timer, err := x.timers.Schedule(ec, node.ID, ec.Now().Add(cfg.Duration.Std()))
	if err != nil {
		return Fail(err)
	}
	return Suspend(shared.ResumeToken{Kind: shared.TokenTimer, ID: timer.ID})
}

func (x timerExecutor) Resume(*ExecutionContext, shared.Node, ResumeEvent) Outcome {
	return Advance()
}
