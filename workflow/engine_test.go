package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowpilot/clock"
	"flowpilot/events"
	"flowpilot/shared"
	"flowpilot/store"
	"github.com/stretchr/testify/suite"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type stubHTTPCaller struct {
	mu    sync.Mutex
	calls []HTTPRequest
	resp  *HTTPResponse
	err   error
}

func (c *stubHTTPCaller) Do(_ context.Context, req HTTPRequest) (*HTTPResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, _ string, _ []string, payload Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, payload)
	return nil
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

type EngineTestSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.Fake
	store    *store.MemoryStore
	defs     *DefinitionRegistry
	resolver *StaticResolver
	http     *stubHTTPCaller
	notifier *recordingNotifier
	engine   *Engine
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewFake(t0)
	s.store = store.NewMemoryStore()
	s.defs = NewDefinitionRegistry(nil)
	s.resolver = NewStaticResolver(map[string][]string{"managers": {"bob", "carol"}})
	s.http = &stubHTTPCaller{resp: &HTTPResponse{StatusCode: 200, Body: map[string]any{"ok": true}}}
	s.notifier = &recordingNotifier{}
	s.engine = s.newEngine(s.clock)
}

func (s *EngineTestSuite) TearDownTest() {
	s.engine.Close()
}

func (s *EngineTestSuite) newEngine(clk clock.Clock) *Engine {
	return NewEngine(s.defs, s.store,
		WithClock(clk),
		WithIDGenerator(sequentialIDs()),
		WithAssigneeResolver(s.resolver),
		WithHTTPCaller(s.http),
		WithNotifier(s.notifier),
	)
}

func (s *EngineTestSuite) register(doc string) *shared.WorkflowDefinition {
	def, err := LoadDefinitionFromYAML([]byte(doc))
	s.Require().NoError(err)
	registered, err := s.defs.Register(def)
	s.Require().NoError(err)
	return registered
}

func (s *EngineTestSuite) start(defID string, data map[string]any, startedBy string) string {
	id, err := s.engine.StartInstance(s.ctx, defID, data, startedBy)
	s.Require().NoError(err)
	return id
}

func (s *EngineTestSuite) snapshot(id string) *shared.InstanceSnapshot {
	snap, err := s.engine.GetInstance(s.ctx, id)
	s.Require().NoError(err)
	return snap
}

func (s *EngineTestSuite) onlyTask(userID string) *shared.Task {
	tasks, err := s.engine.ListTasks(s.ctx, userID)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	return tasks[0]
}

func actions(history []shared.HistoryEntry) []shared.HistoryAction {
	out := make([]shared.HistoryAction, len(history))
	for i, h := range history {
		out[i] = h.Action
	}
	return out
}

func drain(sub *events.Subscription) []events.EventType {
	var out []events.EventType
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func (s *EngineTestSuite) Test_Approval_RejectedRoutesThroughFalseEdge() {
	s.register(SampleApprovalDefinitionYAML())
	id := s.start("expense-approval", map[string]any{"amount": 120}, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceRunning, snap.Status)
	s.Equal([]string{"review"}, snap.CurrentNodeIDs)

	task := s.onlyTask("alice")
	s.Equal(shared.TaskApproval, task.Type)
	s.Contains(task.Title, "120")

	s.Require().NoError(s.engine.CompleteTask(s.ctx, task.ID, "alice", "rejected", nil))

	snap = s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal([]string{"rejected"}, snap.CurrentNodeIDs)
	s.Equal("rejected", snap.Data["decision"])
	s.Equal(t0, *snap.CompletedAt)
	s.Equal([]shared.HistoryAction{
		shared.ActionInstanceStarted,
		shared.ActionTaskCreated,
		shared.ActionTaskCompleted,
		shared.ActionInstanceCompleted,
	}, actions(snap.History))
	s.Equal("alice", snap.History[2].ActorUserID)
}

func (s *EngineTestSuite) Test_Approval_ApprovedRoutesThroughTrueEdge() {
	s.register(SampleApprovalDefinitionYAML())
	id := s.start("expense-approval", map[string]any{"amount": 40}, "alice")

	task := s.onlyTask("alice")
	s.Require().NoError(s.engine.CompleteTask(s.ctx, task.ID, "alice", "approve", map[string]any{"note": "fine"}))

	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal([]string{"approved"}, snap.CurrentNodeIDs)
	s.Equal("approved", snap.Data["decision"])
	s.Equal("fine", snap.Data["note"])
}

func (s *EngineTestSuite) Test_CompleteTask_SecondCompletionIsRejected() {
	s.register(SampleApprovalDefinitionYAML())
	id := s.start("expense-approval", map[string]any{"amount": 10}, "alice")
	task := s.onlyTask("alice")

	s.Require().NoError(s.engine.CompleteTask(s.ctx, task.ID, "alice", "approved", map[string]any{"count": 1}))
	before := s.snapshot(id)

	err := s.engine.CompleteTask(s.ctx, task.ID, "alice", "rejected", map[string]any{"count": 2})
	s.ErrorIs(err, shared.ErrTaskAlreadyResolved)

	after := s.snapshot(id)
	s.Equal(before.History, after.History)
	s.Equal(before.Data, after.Data)
	s.EqualValues(1, after.Data["count"])
}

func (s *EngineTestSuite) Test_CompleteTask_ConcurrentCompletionsResolveOnce() {
	s.register(SampleApprovalDefinitionYAML())
	id := s.start("expense-approval", nil, "alice")
	task := s.onlyTask("alice")

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.engine.CompleteTask(s.ctx, task.ID, "alice", "approved", nil); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), succeeded.Load())
	s.Len(s.snapshot(id).History, 4)
}

func (s *EngineTestSuite) Test_CompleteTask_Errors() {
	s.register(SampleApprovalDefinitionYAML())
	s.start("expense-approval", nil, "alice")
	task := s.onlyTask("alice")

	s.ErrorIs(s.engine.CompleteTask(s.ctx, "missing", "alice", "approved", nil), shared.ErrTaskNotFound)
	s.ErrorIs(s.engine.CompleteTask(s.ctx, task.ID, "mallory", "approved", nil), shared.ErrTaskForbidden)
	s.ErrorIs(s.engine.CompleteTask(s.ctx, task.ID, "alice", "", nil), shared.ErrTaskInvalidDecision)
	s.ErrorIs(s.engine.CompleteTask(s.ctx, task.ID, "alice", "maybe", nil), shared.ErrTaskInvalidDecision)

	var taskErr *shared.TaskError
	s.Require().ErrorAs(s.engine.CompleteTask(s.ctx, task.ID, "mallory", "approved", nil), &taskErr)
	s.Equal(shared.TaskForbidden, taskErr.Kind)
}

func (s *EngineTestSuite) Test_GroupTask_ClaimRestrictsCompletion() {
	s.register(`id: group-review
version: 1
nodes:
  - id: start
    type: start
  - id: review
    type: task
    config:
      assignee: {type: group, id: managers}
  - id: done
    type: end
edges:
  - {source: start, target: review}
  - {source: review, target: done}
`)
	id := s.start("group-review", nil, "alice")

	s.Empty(s.mustList("alice"))
	task := s.onlyTask("carol")
	s.Equal([]string{"bob", "carol"}, task.Assignee.Members)

	s.Require().NoError(s.engine.ClaimTask(s.ctx, task.ID, "bob"))
	s.ErrorIs(s.engine.ClaimTask(s.ctx, task.ID, "carol"), shared.ErrTaskForbidden)
	s.ErrorIs(s.engine.CompleteTask(s.ctx, task.ID, "carol", "", nil), shared.ErrTaskForbidden)
	s.Require().NoError(s.engine.CompleteTask(s.ctx, task.ID, "bob", "", nil))

	s.Equal(shared.InstanceCompleted, s.snapshot(id).Status)
}

func (s *EngineTestSuite) mustList(userID string) []*shared.Task {
	tasks, err := s.engine.ListTasks(s.ctx, userID)
	s.Require().NoError(err)
	return tasks
}

func (s *EngineTestSuite) Test_FormTask_ResultValidatedAgainstSchema() {
	s.register(`id: intake
version: 1
nodes:
  - id: start
    type: start
  - id: details
    type: form
    config:
      assignee: {type: starter}
      schema:
        type: object
        required: [email]
        properties:
          email: {type: string}
  - id: done
    type: end
edges:
  - {source: start, target: details}
  - {source: details, target: done}
`)
	id := s.start("intake", nil, "alice")
	task := s.onlyTask("alice")

	err := s.engine.CompleteTask(s.ctx, task.ID, "alice", "", map[string]any{"email": 42})
	s.ErrorIs(err, shared.ErrTaskInvalidResult)

	s.Require().NoError(s.engine.CompleteTask(s.ctx, task.ID, "alice", "", map[string]any{"email": "a@example.com"}))
	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal("a@example.com", snap.Data["email"])
}

const parallelReviewYAML = `id: parallel-review
version: 1
nodes:
  - id: start
    type: start
  - id: split
    type: parallel
  - id: legal
    type: task
    config: {assignee: {type: user, id: u1}}
  - id: finance
    type: task
    config: {assignee: {type: user, id: u2}}
  - id: security
    type: task
    config: {assignee: {type: user, id: u3}}
  - id: merge
    type: calculate
    config: {name: visits, expression: visits + 1}
  - id: done
    type: end
edges:
  - {source: start, target: split}
  - {source: split, target: legal}
  - {source: split, target: finance}
  - {source: split, target: security}
  - {source: legal, target: merge}
  - {source: finance, target: merge}
  - {source: security, target: merge}
  - {source: merge, target: done}
`

func (s *EngineTestSuite) Test_Parallel_JoinRunsOnceAfterAllBranches() {
	s.register(parallelReviewYAML)
	id := s.start("parallel-review", map[string]any{"visits": 0}, "alice")

	snap := s.snapshot(id)
	s.ElementsMatch([]string{"legal", "finance", "security"}, snap.CurrentNodeIDs)

	s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask("u2").ID, "u2", "", nil))
	s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask("u1").ID, "u1", "", nil))

	snap = s.snapshot(id)
	s.Equal(shared.InstanceRunning, snap.Status)
	s.Contains(snap.CurrentNodeIDs, "security")
	s.Contains(snap.CurrentNodeIDs, "merge")
	s.EqualValues(0, snap.Data["visits"])

	s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask("u3").ID, "u3", "", nil))

	snap = s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.EqualValues(1, snap.Data["visits"])
	s.Equal([]string{"done"}, snap.CurrentNodeIDs)
}

func (s *EngineTestSuite) Test_Parallel_AllOrNothingAbortsSiblings() {
	s.http.err = errors.New("connection refused")
	s.register(`id: all-or-nothing
version: 1
nodes:
  - id: start
    type: start
  - id: split
    type: parallel
    config: {policy: all_or_nothing}
  - id: sign
    type: task
    config: {assignee: {type: user, id: u1}}
  - id: notify
    type: api
    config: {url: "http://crm.internal/notify", method: POST}
  - id: done
    type: end
edges:
  - {source: start, target: split}
  - {source: split, target: sign}
  - {source: split, target: notify}
  - {source: sign, target: done}
  - {source: notify, target: done}
`)
	id := s.start("all-or-nothing", nil, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceFailed, snap.Status)
	s.Contains(snap.Error, "connection refused")
	s.Empty(s.mustList("u1"))
	s.Contains(actions(snap.History), shared.ActionTaskCancelled)
	s.Equal(shared.ActionInstanceFailed, snap.History[len(snap.History)-1].Action)
}

func (s *EngineTestSuite) Test_Parallel_IndependentBranchFailureKeepsSiblings() {
	s.http.err = errors.New("connection refused")
	s.register(`id: independent
version: 1
nodes:
  - id: start
    type: start
  - id: split
    type: parallel
  - id: sign
    type: task
    config: {assignee: {type: user, id: u1}}
  - id: notify
    type: api
    config: {url: "http://crm.internal/notify"}
  - id: done
    type: end
edges:
  - {source: start, target: split}
  - {source: split, target: sign}
  - {source: split, target: notify}
  - {source: sign, target: done}
  - {source: notify, target: done}
`)
	id := s.start("independent", nil, "alice")
	s.Equal(shared.InstanceRunning, s.snapshot(id).Status)

	s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask("u1").ID, "u1", "", nil))
	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Contains(actions(snap.History), shared.ActionNodeFailed)
}

func (s *EngineTestSuite) Test_CancelInstance_CascadesToTasks() {
	s.register(SampleApprovalDefinitionYAML())
	id := s.start("expense-approval", nil, "alice")
	task := s.onlyTask("alice")

	s.Require().NoError(s.engine.CancelInstance(s.ctx, id, "alice"))

	snap := s.snapshot(id)
	s.Equal(shared.InstanceCancelled, snap.Status)
	s.Equal([]string{"review"}, snap.CurrentNodeIDs)
	s.Equal([]shared.HistoryAction{
		shared.ActionInstanceStarted,
		shared.ActionTaskCreated,
		shared.ActionTaskCancelled,
		shared.ActionInstanceCancelled,
	}, actions(snap.History))

	stored, err := s.engine.GetTask(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(shared.TaskCancelled, stored.Status)
	s.ErrorIs(s.engine.CompleteTask(s.ctx, task.ID, "alice", "approved", nil), shared.ErrTaskAlreadyResolved)

	s.NoError(s.engine.CancelInstance(s.ctx, id, "alice"))
	s.Len(s.snapshot(id).History, 4)
}

func (s *EngineTestSuite) Test_CancelInstance_TerminalAndMissing() {
	s.register(SampleApprovalDefinitionYAML())
	id := s.start("expense-approval", nil, "alice")
	s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask("alice").ID, "alice", "approved", nil))

	s.ErrorIs(s.engine.CancelInstance(s.ctx, id, "alice"), shared.ErrInstanceTerminal)
	s.ErrorIs(s.engine.CancelInstance(s.ctx, "nope", "alice"), shared.ErrInstanceNotFound)
	_, err := s.engine.GetInstance(s.ctx, "nope")
	s.ErrorIs(err, shared.ErrInstanceNotFound)
}

func (s *EngineTestSuite) Test_HistoryOnlyGrows() {
	s.register(parallelReviewYAML)
	id := s.start("parallel-review", map[string]any{"visits": 0}, "alice")

	prev := s.snapshot(id).History
	for _, user := range []string{"u1", "u2", "u3"} {
		s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask(user).ID, user, "", nil))
		next := s.snapshot(id).History
		s.Require().Greater(len(next), len(prev))
		s.Equal(prev, next[:len(prev)])
		for i, h := range next {
			s.Equal(int64(i+1), h.Seq)
		}
		prev = next
	}
}

const timerYAML = `id: cooling-off
version: 1
nodes:
  - id: start
    type: start
  - id: wait
    type: timer
    config: {duration: 5m}
  - id: done
    type: end
edges:
  - {source: start, target: wait}
  - {source: wait, target: done}
`

func (s *EngineTestSuite) timerID(instanceID string) string {
	for _, h := range s.snapshot(instanceID).History {
		if h.Action == shared.ActionTimerScheduled {
			return h.Data["timerId"].(string)
		}
	}
	s.FailNow("no timer scheduled")
	return ""
}

func (s *EngineTestSuite) Test_Timer_FiresWhenDue() {
	s.register(timerYAML)
	id := s.start("cooling-off", nil, "alice")
	s.Equal([]string{"wait"}, s.snapshot(id).CurrentNodeIDs)

	s.clock.Advance(4 * time.Minute)
	s.Equal(shared.InstanceRunning, s.snapshot(id).Status)

	s.clock.Advance(time.Minute)
	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal(t0.Add(5*time.Minute), *snap.CompletedAt)

	// A second fire of the consumed timer is a no-op.
	s.NoError(s.engine.FireTimer(s.ctx, s.timerID(id)))
	s.Equal(snap.History, s.snapshot(id).History)
}

func (s *EngineTestSuite) Test_Timer_NotDueIsRejected() {
	s.register(timerYAML)
	id := s.start("cooling-off", nil, "alice")

	s.ErrorIs(s.engine.FireTimer(s.ctx, s.timerID(id)), ErrTimerNotDue)
	s.Equal(shared.InstanceRunning, s.snapshot(id).Status)
}

func (s *EngineTestSuite) Test_Timer_SurvivesRestart() {
	s.register(timerYAML)
	id := s.start("cooling-off", nil, "alice")

	// A new process comes up one minute later against the same store.
	restarted := clock.NewFake(t0.Add(time.Minute))
	engine := s.newEngine(restarted)
	defer engine.Close()

	n, err := engine.Recover(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	restarted.Advance(3 * time.Minute)
	s.Equal(shared.InstanceRunning, s.snapshot(id).Status)

	restarted.Advance(time.Minute)
	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal(t0.Add(5*time.Minute), *snap.CompletedAt)
	s.Contains(actions(snap.History), shared.ActionTimerFired)
}

func (s *EngineTestSuite) Test_Timer_CancelledWithInstance() {
	s.register(timerYAML)
	id := s.start("cooling-off", nil, "alice")
	timerID := s.timerID(id)

	s.Require().NoError(s.engine.CancelInstance(s.ctx, id, "alice"))
	timer, err := s.store.GetTimer(s.ctx, timerID)
	s.Require().NoError(err)
	s.True(timer.Cancelled)

	s.clock.Advance(10 * time.Minute)
	s.Equal(shared.InstanceCancelled, s.snapshot(id).Status)
	s.NoError(s.engine.FireTimer(s.ctx, timerID))
}

func (s *EngineTestSuite) Test_Condition_MissingEdgeFailsInstance() {
	s.register(`id: half-condition
version: 1
nodes:
  - id: start
    type: start
  - id: check
    type: condition
    config: {expression: amount > 100}
  - id: big
    type: end
edges:
  - {source: start, target: check}
  - {source: check, target: big, label: "true"}
`)
	id := s.start("half-condition", map[string]any{"amount": 500}, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceFailed, snap.Status)
	s.Contains(snap.Error, `"false"`)
	s.Equal([]string{"check"}, snap.CurrentNodeIDs)
}

func (s *EngineTestSuite) Test_ContinueOnError_FollowsErrorHandle() {
	s.http.err = errors.New("timeout")
	s.register(`id: fallback
version: 1
nodes:
  - id: start
    type: start
  - id: lookup
    type: api
    continueOnError: true
    config: {url: "http://scores.internal/{{ customer }}", resultVariable: score}
  - id: scored
    type: end
  - id: manual
    type: end
edges:
  - {source: start, target: lookup}
  - {source: lookup, target: scored}
  - {source: lookup, target: manual, sourceHandle: error}
`)
	id := s.start("fallback", map[string]any{"customer": "c-9"}, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal([]string{"manual"}, snap.CurrentNodeIDs)
	s.Contains(actions(snap.History), shared.ActionNodeError)
	s.Require().Len(s.http.calls, 1)
	s.Equal("http://scores.internal/c-9", s.http.calls[0].URL)
}

func (s *EngineTestSuite) Test_ExternalCall_StoresResult() {
	s.register(`id: enrich
version: 1
nodes:
  - id: start
    type: start
  - id: lookup
    type: api
    config: {url: "http://scores.internal/x", resultVariable: score}
  - id: done
    type: end
edges:
  - {source: start, target: lookup}
  - {source: lookup, target: done}
`)
	id := s.start("enrich", nil, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal(map[string]any{"status": 200, "body": map[string]any{"ok": true}}, snap.Data["score"])
}

func (s *EngineTestSuite) Test_Loop_IteratesCollection() {
	s.register(`id: summing
version: 1
nodes:
  - id: start
    type: start
  - id: each
    type: loop
    config: {collection: 'data["items"]'}
  - id: add
    type: calculate
    config: {name: total, expression: total + item}
  - id: done
    type: end
edges:
  - {source: start, target: each}
  - {source: each, target: add, label: body}
  - {source: add, target: each, reentrant: true}
  - {source: each, target: done, label: exit}
`)
	id := s.start("summing", map[string]any{"items": []any{1, 2, 3}, "total": 0}, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.EqualValues(6, snap.Data["total"])
}

func (s *EngineTestSuite) Test_Notification_FailureIsSkipped() {
	s.notifier.err = errors.New("smtp down")
	s.register(`id: notify
version: 1
nodes:
  - id: start
    type: start
  - id: mail
    type: email
    config: {recipients: ["{{ owner }}"], subject: "Hi"}
  - id: done
    type: end
edges:
  - {source: start, target: mail}
  - {source: mail, target: done}
`)
	id := s.start("notify", map[string]any{"owner": "ops@example.com"}, "alice")
	s.Equal(shared.InstanceCompleted, s.snapshot(id).Status)
}

func (s *EngineTestSuite) Test_Events_DeliveredToStarterAssigneeAndWatchers() {
	s.register(SampleApprovalDefinitionYAML())
	alice := s.engine.Subscribe("alice")
	defer alice.Close()
	dave := s.engine.Subscribe("dave")
	defer dave.Close()

	id := s.start("expense-approval", nil, "alice")
	s.Equal([]events.EventType{events.InstanceStarted, events.TaskAssigned}, drain(alice))

	s.Require().NoError(s.engine.WatchInstance(s.ctx, id, "dave"))
	s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask("alice").ID, "alice", "approved", nil))

	s.Equal([]events.EventType{events.TaskCompleted, events.InstanceCompleted}, drain(dave))
	got := drain(alice)
	s.Contains(got, events.InstanceCompleted)
	s.Contains(got, events.TaskCompleted)
}

func (s *EngineTestSuite) Test_StartInstance_UnknownDefinition() {
	_, err := s.engine.StartInstance(s.ctx, "ghost", nil, "alice")
	s.ErrorIs(err, shared.ErrDefinitionNotFound)
}

func (s *EngineTestSuite) Test_StartInstance_PinsDefinitionVersion() {
	s.register(SampleApprovalDefinitionYAML())
	id := s.start("expense-approval", nil, "alice")

	v2, err := LoadDefinitionFromYAML([]byte(SampleApprovalDefinitionYAML()))
	s.Require().NoError(err)
	v2.Version = 2
	v2.Nodes[1].Name = "Director review"
	_, err = s.defs.Register(v2)
	s.Require().NoError(err)

	s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask("alice").ID, "alice", "approved", nil))
	snap := s.snapshot(id)
	s.Equal(1, snap.DefinitionVersion)
	s.Equal(shared.InstanceCompleted, snap.Status)

	next := s.start("expense-approval", nil, "alice")
	s.Equal(2, s.snapshot(next).DefinitionVersion)
}

func (s *EngineTestSuite) Test_CustomExecutorOverridesDefault() {
	calls := 0
	s.engine = NewEngine(s.defs, s.store,
		WithClock(s.clock),
		WithExecutor(shared.NodeTypeLog, ExecutorFunc(func(ec *ExecutionContext, node shared.Node) Outcome {
			calls++
			ec.Data()["logged"] = true
			return Advance()
		})),
	)
	s.register(`id: logging
version: 1
nodes:
  - id: start
    type: start
  - id: note
    type: log
    config: {message: hello}
  - id: done
    type: end
edges:
  - {source: start, target: note}
  - {source: note, target: done}
`)
	id := s.start("logging", nil, "alice")
	s.Equal(1, calls)
	s.Equal(true, s.snapshot(id).Data["logged"])
}

// failingSaveStore rejects the next n instance saves.
type failingSaveStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (f *failingSaveStore) SaveInstance(ctx context.Context, inst *shared.WorkflowInstance, changes store.Changes) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.SaveInstance(ctx, inst, changes)
}

type silentAlarm struct{}

func (silentAlarm) Arm(context.Context, shared.Timer) error { return nil }
func (silentAlarm) Disarm(context.Context, string) error { return nil }

func (s *EngineTestSuite) Test_CompleteTask_FailedSaveLeavesTaskOpen() {
	flaky := &failingSaveStore{MemoryStore: s.store}
	engine := NewEngine(s.defs, flaky, WithClock(s.clock), WithIDGenerator(sequentialIDs()))
	defer engine.Close()
	s.register(SampleApprovalDefinitionYAML())
	id, err := engine.StartInstance(s.ctx, "expense-approval", map[string]any{"amount": 40}, "alice")
	s.Require().NoError(err)
	task := s.onlyTask("alice")
	before := s.snapshot(id)

	flaky.failures.Store(1)
	s.Error(engine.CompleteTask(s.ctx, task.ID, "alice", "approved", nil))

	stored, err := s.store.GetTask(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(shared.TaskPending, stored.Status)
	s.Equal(before, s.snapshot(id))

	s.Require().NoError(engine.CompleteTask(s.ctx, task.ID, "alice", "approved", nil))
	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal([]string{"approved"}, snap.CurrentNodeIDs)
}

func (s *EngineTestSuite) Test_FireTimer_FailedSaveKeepsTimerPending() {
	flaky := &failingSaveStore{MemoryStore: s.store}
	engine := NewEngine(s.defs, flaky, WithClock(s.clock), WithIDGenerator(sequentialIDs()), WithAlarm(silentAlarm{}))
	defer engine.Close()
	s.register(timerYAML)
	id, err := engine.StartInstance(s.ctx, "cooling-off", nil, "alice")
	s.Require().NoError(err)
	timerID := s.timerID(id)
	s.clock.Advance(5 * time.Minute)

	flaky.failures.Store(1)
	s.Error(engine.FireTimer(s.ctx, timerID))

	timer, err := s.store.GetTimer(s.ctx, timerID)
	s.Require().NoError(err)
	s.True(timer.Pending())
	s.Equal(shared.InstanceRunning, s.snapshot(id).Status)

	s.Require().NoError(engine.Timers().Sweep(s.ctx))
	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	timer, err = s.store.GetTimer(s.ctx, timerID)
	s.Require().NoError(err)
	s.True(timer.Consumed)
}

const nestedJoinYAML = `id: nested-join
version: 1
nodes:
  - id: start
    type: start
  - id: split
    type: parallel
  - id: a
    type: task
    config: {assignee: {type: user, id: u1}}
  - id: b
    type: parallel
  - id: b1
    type: task
    config: {assignee: {type: user, id: u2}}
  - id: b2
    type: task
    config: {assignee: {type: user, id: u3}}
  - id: j
    type: calculate
    config: {name: visits, expression: visits + 1}
  - id: done
    type: end
  - id: end2
    type: end
edges:
  - {source: start, target: split}
  - {source: split, target: a}
  - {source: split, target: b}
  - {source: a, target: j}
  - {source: b, target: b1}
  - {source: b, target: b2}
  - {source: b1, target: j}
  - {source: b2, target: end2}
  - {source: j, target: done}
`

func (s *EngineTestSuite) Test_Parallel_NestedForkJoinsOnceAtOuterJoin() {
	s.register(nestedJoinYAML)
	for _, order := range [][]string{{"u2", "u3", "u1"}, {"u1", "u2", "u3"}, {"u3", "u1", "u2"}} {
		id := s.start("nested-join", map[string]any{"visits": 0}, "alice")
		s.ElementsMatch([]string{"a", "b1", "b2"}, s.snapshot(id).CurrentNodeIDs)

		for i, user := range order {
			s.Require().NoError(s.engine.CompleteTask(s.ctx, s.onlyTask(user).ID, user, "", nil))
			if i < len(order)-1 {
				snap := s.snapshot(id)
				s.Equal(shared.InstanceRunning, snap.Status, "order %v, step %d", order, i)
				s.EqualValues(0, snap.Data["visits"], "order %v, step %d", order, i)
			}
		}

		snap := s.snapshot(id)
		s.Equal(shared.InstanceCompleted, snap.Status, "order %v", order)
		s.EqualValues(1, snap.Data["visits"], "order %v", order)
		s.Contains(snap.CurrentNodeIDs, "done")
	}
}
