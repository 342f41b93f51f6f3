package workflow

import (
	"fmt"
	"sort"

	"flowpilot/expression"
	"flowpilot/shared"
	"go.uber.org/zap"
)

// variableExecutor writes data[name]. An expression wins over a literal
// value; string values are rendered as templates.
type variableExecutor struct{}

func (variableExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.VariableConfig](node)
	if err != nil {
		return Fail(err)
	}
	var value any
	switch {
	case cfg.Expression != "":
		v, err := ec.evaluate(node, cfg.Expression)
		if err != nil {
			return Fail(err)
		}
		value = expression.Normalize(v)
	default:
		if s, ok := cfg.Value.(string); ok {
			v, err := expression.RenderValue(s, ec.Data())
			if err != nil {
				return Fail(fmt.Errorf("node %s: %w", node.ID, err))
			}
			value = v
		} else {
			value = shared.CloneValue(cfg.Value)
		}
	}
	ec.Data()[cfg.Name] = value
	return Advance()
}

type calculateExecutor struct{}

func (calculateExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.CalculateConfig](node)
	if err != nil {
		return Fail(err)
	}
	v, err := ec.evaluate(node, cfg.Expression)
	if err != nil {
		return Fail(err)
	}
	ec.Data()[cfg.Name] = expression.Normalize(v)
	return Advance()
}

// scriptExecutor runs a Risor script against a copy of the data and merges
// the map it evaluates to. A script that fails or yields anything but a map
// leaves the data untouched.
type scriptExecutor struct{}

func (scriptExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.ScriptConfig](node)
	if err != nil {
		return Fail(err)
	}
	v, err := expression.RunScript(ec.Ctx, cfg.Script, ec.Data())
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}
	var updates map[string]any
	switch t := v.(type) {
	case nil:
	case map[string]any:
		updates = t
	default:
		return Failf("node %s: script must evaluate to a map, got %T", node.ID, v)
	}
	written := make([]string, 0, len(updates))
	for name, value := range updates {
		ec.Data()[name] = value
		written = append(written, name)
	}
	sort.Strings(written)
	ec.Record(node.ID, shared.ActionNodeExecuted, "", map[string]any{"assigned": written})
	return Advance()
}

type logExecutor struct{}

func (logExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.LogConfig](node)
	if err != nil {
		return Fail(err)
	}
	msg, err := ec.render(cfg.Message)
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}
	logger := ec.Logger().With(zap.String("nodeID", node.ID))
	switch cfg.Level {
	case "debug":
		logger.Debug(msg)
	case "warn":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return Advance()
}
