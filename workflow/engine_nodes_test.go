package workflow

import (
	"context"
	"time"

	"flowpilot/shared"
	"flowpilot/store"
)

const routingYAML = `id: routing
version: 1
nodes:
  - id: start
    type: start
  - id: route
    type: switch
    config: {variable: region, defaultLabel: other}
  - id: eu
    type: end
  - id: us
    type: end
  - id: fallback
    type: end
edges:
  - {source: start, target: route}
  - {source: route, target: eu, label: eu}
  - {source: route, target: us, label: us}
  - {source: route, target: fallback, label: other}
`

func (s *EngineTestSuite) Test_Switch_RoutesByValueWithDefault() {
	s.register(routingYAML)

	for region, want := range map[string]string{"eu": "eu", "us": "us", "apac": "fallback", "": "fallback"} {
		id := s.start("routing", map[string]any{"region": region}, "alice")
		snap := s.snapshot(id)
		s.Equal(shared.InstanceCompleted, snap.Status, region)
		s.Equal([]string{want}, snap.CurrentNodeIDs, region)
	}
}

func (s *EngineTestSuite) Test_Switch_NoMatchWithoutDefaultFails() {
	s.register(`id: strict-routing
version: 1
nodes:
  - id: start
    type: start
  - id: route
    type: switch
    config: {variable: region}
  - id: eu
    type: end
edges:
  - {source: start, target: route}
  - {source: route, target: eu, label: eu}
`)
	id := s.start("strict-routing", map[string]any{"region": "apac"}, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceFailed, snap.Status)
	s.Contains(snap.Error, `no edge for value "apac" and no default`)
	s.Contains(actions(snap.History), shared.ActionNodeFailed)
}

func (s *EngineTestSuite) Test_Variable_LiteralTemplateAndExpression() {
	s.register(`id: variables
version: 1
nodes:
  - id: start
    type: start
  - id: limit
    type: variable
    config: {name: limit, value: 500}
  - id: requested
    type: variable
    config: {name: requested, value: "{{ amount }}"}
  - id: label
    type: variable
    config: {name: label, value: "Expense {{ amount }} for {{ owner }}"}
  - id: over
    type: variable
    config: {name: over, expression: amount > limit}
  - id: done
    type: end
edges:
  - {source: start, target: limit}
  - {source: limit, target: requested}
  - {source: requested, target: label}
  - {source: label, target: over}
  - {source: over, target: done}
`)
	id := s.start("variables", map[string]any{"amount": 750.0, "owner": "alice"}, "alice")

	snap := s.snapshot(id)
	s.Require().Equal(shared.InstanceCompleted, snap.Status)
	s.EqualValues(500, snap.Data["limit"])
	s.Equal(750.0, snap.Data["requested"], "a lone placeholder keeps the raw value")
	s.Equal("Expense 750 for alice", snap.Data["label"])
	s.Equal(true, snap.Data["over"])
}

const scriptYAML = `id: scripted
version: 1
nodes:
  - id: start
    type: start
  - id: compute
    type: script
    config:
      script: |
        total := data["amount"] * 2
        result := {"total": total, "tags": [data["kind"], "checked"]}
        result
  - id: done
    type: end
edges:
  - {source: start, target: compute}
  - {source: compute, target: done}
`

func (s *EngineTestSuite) Test_Script_MergesResultMap() {
	s.register(scriptYAML)
	id := s.start("scripted", map[string]any{"amount": 60.0, "kind": "travel"}, "alice")

	snap := s.snapshot(id)
	s.Require().Equal(shared.InstanceCompleted, snap.Status)
	s.Equal(120.0, snap.Data["total"])
	s.Equal([]any{"travel", "checked"}, snap.Data["tags"])
	s.Equal(60.0, snap.Data["amount"])
}

func (s *EngineTestSuite) Test_Script_FailureWritesNothing() {
	s.register(`id: broken-script
version: 1
nodes:
  - id: start
    type: start
  - id: compute
    type: script
    config:
      script: |
        data["total"] = 99
        bad := "a" + 1
        result := {"total": bad}
        result
  - id: done
    type: end
edges:
  - {source: start, target: compute}
  - {source: compute, target: done}
`)
	id := s.start("broken-script", map[string]any{"total": 1.0}, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceFailed, snap.Status)
	s.Contains(snap.Error, "compute")
	s.Equal(1.0, snap.Data["total"])
}

func (s *EngineTestSuite) Test_Script_OnlyReturnedMapIsWritten() {
	s.register(`id: isolated-script
version: 1
nodes:
  - id: start
    type: start
  - id: mutate
    type: script
    config:
      script: |
        data["amount"] = 0
        nil
  - id: answer
    type: script
    config: {script: "42"}
  - id: done
    type: end
edges:
  - {source: start, target: mutate}
  - {source: mutate, target: answer}
  - {source: answer, target: done}
`)
	id := s.start("isolated-script", map[string]any{"amount": 60.0}, "alice")

	snap := s.snapshot(id)
	s.Equal(shared.InstanceFailed, snap.Status)
	s.Contains(snap.Error, "script must evaluate to a map")
	s.Equal(60.0, snap.Data["amount"])
	s.Equal([]string{"answer"}, snap.CurrentNodeIDs)
}

// queryDataSource answers raw queries with canned rows.
type queryDataSource struct {
	*store.MemoryDataSource
	query string
	args  []any
	rows  []map[string]any
}

func (q *queryDataSource) Query(_ context.Context, query string, args ...any) ([]map[string]any, error) {
	q.query = query
	q.args = args
	return q.rows, nil
}

func (s *EngineTestSuite) Test_Database_QueryResultStored() {
	ds := &queryDataSource{MemoryDataSource: store.NewMemoryDataSource(), rows: []map[string]any{{"limit": 1000.0}}}
	s.engine = NewEngine(s.defs, s.store, WithClock(s.clock), WithIDGenerator(sequentialIDs()), WithDataSource(ds))
	s.register(`id: budget-lookup
version: 1
nodes:
  - id: start
    type: start
  - id: lookup
    type: database
    config: {query: "SELECT limit FROM budgets WHERE team = $1", args: [team], resultVariable: budgets}
  - id: done
    type: end
edges:
  - {source: start, target: lookup}
  - {source: lookup, target: done}
`)
	id := s.start("budget-lookup", map[string]any{"team": "ops"}, "alice")

	snap := s.snapshot(id)
	s.Require().Equal(shared.InstanceCompleted, snap.Status)
	s.Equal("SELECT limit FROM budgets WHERE team = $1", ds.query)
	s.Equal([]any{"ops"}, ds.args)
	s.Equal([]any{map[string]any{"limit": 1000.0}}, snap.Data["budgets"])
}

func (s *EngineTestSuite) Test_Database_WithoutSourceFails() {
	s.register(`id: no-source
version: 1
nodes:
  - id: start
    type: start
  - id: lookup
    type: database
    config: {query: "SELECT 1"}
  - id: done
    type: end
edges:
  - {source: start, target: lookup}
  - {source: lookup, target: done}
`)
	id := s.start("no-source", nil, "alice")
	snap := s.snapshot(id)
	s.Equal(shared.InstanceFailed, snap.Status)
	s.Contains(snap.Error, "no data source configured")
}

func (s *EngineTestSuite) Test_CRUD_RecordLifecycle() {
	ds := store.NewMemoryDataSource()
	s.engine = NewEngine(s.defs, s.store, WithClock(s.clock), WithIDGenerator(sequentialIDs()), WithDataSource(ds))
	s.register(`id: expense-records
version: 1
nodes:
  - id: start
    type: start
  - id: insert
    type: crud
    config: {operation: create, table: expenses, values: {id: expenseId, amount: amount}, resultVariable: created}
  - id: approve
    type: crud
    config: {operation: update, table: expenses, filter: {id: expenseId}, values: {status: "'approved'"}, resultVariable: updated}
  - id: fetch
    type: crud
    config: {operation: read, table: expenses, filter: {id: expenseId}, resultVariable: rows}
  - id: purge
    type: crud
    config: {operation: delete, table: expenses, filter: {id: expenseId}, resultVariable: deleted}
  - id: done
    type: end
edges:
  - {source: start, target: insert}
  - {source: insert, target: approve}
  - {source: approve, target: fetch}
  - {source: fetch, target: purge}
  - {source: purge, target: done}
`)
	ds.Seed("expenses", map[string]any{"id": "e-0", "amount": 5.0})
	id := s.start("expense-records", map[string]any{"expenseId": "e-1", "amount": 120.0}, "alice")

	snap := s.snapshot(id)
	s.Require().Equal(shared.InstanceCompleted, snap.Status)
	s.Equal(map[string]any{"id": "e-1", "amount": 120.0}, snap.Data["created"])
	s.EqualValues(1, snap.Data["updated"])
	s.Equal([]any{map[string]any{"id": "e-1", "amount": 120.0, "status": "approved"}}, snap.Data["rows"])
	s.EqualValues(1, snap.Data["deleted"])

	left, err := ds.Select(s.ctx, "expenses", nil)
	s.Require().NoError(err)
	s.Equal([]map[string]any{{"id": "e-0", "amount": 5.0}}, left)
}

func (s *EngineTestSuite) Test_Sweep_FiresTimerTheAlarmMissed() {
	engine := NewEngine(s.defs, s.store, WithClock(s.clock), WithIDGenerator(sequentialIDs()), WithAlarm(silentAlarm{}))
	defer engine.Close()
	s.register(timerYAML)
	id, err := engine.StartInstance(s.ctx, "cooling-off", nil, "alice")
	s.Require().NoError(err)

	s.Require().NoError(engine.Timers().Sweep(s.ctx))
	s.Equal(shared.InstanceRunning, s.snapshot(id).Status, "not due yet")

	s.clock.Advance(5 * time.Minute)
	s.Equal(shared.InstanceRunning, s.snapshot(id).Status)

	s.Require().NoError(engine.Timers().Sweep(s.ctx))
	snap := s.snapshot(id)
	s.Equal(shared.InstanceCompleted, snap.Status)
	s.Equal(t0.Add(5*time.Minute), *snap.CompletedAt)

	s.Require().NoError(engine.Timers().Sweep(s.ctx))
	s.Equal(snap.History, s.snapshot(id).History)
}

func (s *EngineTestSuite) Test_StartSweeper_FiresOnSchedule() {
	engine := NewEngine(s.defs, s.store, WithClock(s.clock), WithIDGenerator(sequentialIDs()), WithAlarm(silentAlarm{}))
	defer engine.Close()
	s.register(timerYAML)
	id, err := engine.StartInstance(s.ctx, "cooling-off", nil, "alice")
	s.Require().NoError(err)
	s.clock.Advance(5 * time.Minute)

	s.Error(engine.Timers().StartSweeper("not a schedule"))
	s.Require().NoError(engine.Timers().StartSweeper("* * * * * *"))
	s.Error(engine.Timers().StartSweeper(""), "already running")

	s.Eventually(func() bool {
		snap, err := engine.GetInstance(s.ctx, id)
		return err == nil && snap.Status == shared.InstanceCompleted
	}, 5*time.Second, 50*time.Millisecond)
}
