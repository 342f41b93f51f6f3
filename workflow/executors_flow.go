package workflow

import (
	"fmt"
	"reflect"

	"flowpilot/expression"
	"flowpilot/shared"
)

type startExecutor struct{}

func (startExecutor) Execute(*ExecutionContext, shared.Node) Outcome { return Advance() }

type endExecutor struct{}

func (endExecutor) Execute(*ExecutionContext, shared.Node) Outcome { return End() }

// conditionExecutor routes to the true or false labelled edge. Both edges
// must exist exactly once.
type conditionExecutor struct{}

func (conditionExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.ConditionConfig](node)
	if err != nil {
		return Fail(err)
	}
	trueLabel, falseLabel := cfg.Labels()
	for _, label := range []string{trueLabel, falseLabel} {
		if n := ec.Graph.CountRoute(node.ID, label); n != 1 {
			return Failf("condition %s needs exactly one %q edge, found %d", node.ID, label, n)
		}
	}
	v, err := ec.evaluate(node, cfg.Expression)
	if err != nil {
		return Fail(err)
	}
	if expression.Truthy(v) {
		return Advance(trueLabel)
	}
	return Advance(falseLabel)
}

// switchExecutor routes to the edge labelled with the value of the variable
// expression, falling back to the default label.
type switchExecutor struct{}

func (switchExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.SwitchConfig](node)
	if err != nil {
		return Fail(err)
	}
	v, err := ec.evaluate(node, cfg.Variable)
	if err != nil {
		return Fail(err)
	}
	key := expression.Stringify(v)
	if key != "" && ec.Graph.HasRoute(node.ID, key) {
		return Advance(key)
	}
	if cfg.DefaultLabel != "" && ec.Graph.HasRoute(node.ID, cfg.DefaultLabel) {
		return Advance(cfg.DefaultLabel)
	}
	return Failf("switch %s: no edge for value %q and no default", node.ID, key)
}

type parallelExecutor struct{}

func (parallelExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	n := len(ec.Graph.SelectEdges(node.ID, nil))
	if n == 0 {
		return Failf("parallel %s has no outgoing edges", node.ID)
	}
	return Fork(n)
}

// loopExecutor drives one iteration per pass. The iteration counter lives in
// the instance so it survives suspension inside the body.
type loopExecutor struct{}

func (loopExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.LoopConfig](node)
	if err != nil {
		return Fail(err)
	}
	body, exit := cfg.Labels()
	itemVar, indexVar := cfg.ItemVariable, cfg.IndexVariable
	if itemVar == "" {
		itemVar = "item"
	}
	if indexVar == "" {
		indexVar = "index"
	}
	if ec.Instance.Loops == nil {
		ec.Instance.Loops = make(map[string]*shared.LoopState)
	}
	state := ec.Instance.Loops[node.ID]
	if state == nil {
		state = &shared.LoopState{}
		ec.Instance.Loops[node.ID] = state
	}

	if cfg.Collection != "" {
		// The collection is re-evaluated on every pass, so the body may
		// grow or shrink the list it iterates.
		v, err := expression.RunScript(ec.Ctx, cfg.Collection, ec.Data())
		if err != nil {
			return Fail(fmt.Errorf("node %s: %w", node.ID, err))
		}
		items, err := asList(v)
		if err != nil {
			return Failf("loop %s: %v", node.ID, err)
		}
		if state.Index >= len(items) {
			delete(ec.Instance.Loops, node.ID)
			return Advance(exit)
		}
		ec.Data()[itemVar] = shared.CloneValue(items[state.Index])
		ec.Data()[indexVar] = state.Index
		state.Index++
		return Advance(body)
	}

	ok, err := expression.EvaluateBool(cfg.Condition, ec.Data())
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}
	if !ok {
		delete(ec.Instance.Loops, node.ID)
		return Advance(exit)
	}
	ec.Data()[indexVar] = state.Index
	state.Index++
	return Advance(body)
}

func asList(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	}
	if expression.IsUndefined(v) {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("collection is a %T, not a list", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
