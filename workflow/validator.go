package workflow

import (
	"fmt"
	"strings"

	"flowpilot/expression"
	"flowpilot/shared"
)

// ValidateDefinition checks a definition and returns the first violation as
// a *shared.ValidationError, or nil when the definition can be executed.
func ValidateDefinition(def *shared.WorkflowDefinition) error {
	if def == nil {
		return &shared.ValidationError{Reason: "definition is nil"}
	}
	if strings.TrimSpace(def.ID) == "" {
		return &shared.ValidationError{Reason: "definition id is required"}
	}
	if def.Version < 0 {
		return &shared.ValidationError{Reason: "definition version must not be negative"}
	}
	if len(def.Nodes) == 0 {
		return &shared.ValidationError{Reason: "definition must contain at least one node"}
	}

	nodes := make(map[string]shared.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if err := validateNode(n); err != nil {
			return err
		}
		if _, dup := nodes[n.ID]; dup {
			return &shared.ValidationError{NodeID: n.ID, Reason: "duplicate node id"}
		}
		nodes[n.ID] = n
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	handles := make(map[string]bool)
	for _, e := range def.Edges {
		if e.ID != "" {
			if edgeIDs[e.ID] {
				return &shared.ValidationError{EdgeID: e.ID, Reason: "duplicate edge id"}
			}
			edgeIDs[e.ID] = true
		}
		src, ok := nodes[e.Source]
		if !ok {
			return &shared.ValidationError{EdgeID: edgeName(e), Reason: fmt.Sprintf("source node %q does not exist", e.Source)}
		}
		dst, ok := nodes[e.Target]
		if !ok {
			return &shared.ValidationError{EdgeID: edgeName(e), Reason: fmt.Sprintf("target node %q does not exist", e.Target)}
		}
		if key := e.RouteKey(); key != "" {
			hk := e.Source + "\x00" + key
			if handles[hk] {
				return &shared.ValidationError{NodeID: e.Source, Reason: fmt.Sprintf("more than one outgoing edge with handle %q", key)}
			}
			handles[hk] = true
		}
		if e.Reentrant && !isReentryNode(src.Type) && !isReentryNode(dst.Type) {
			return &shared.ValidationError{EdgeID: edgeName(e), Reason: "re-entrant edges must start or end at a loop or timer node"}
		}
		if src.Type == shared.NodeTypeEnd {
			return &shared.ValidationError{NodeID: src.ID, Reason: "end node must not have outgoing edges"}
		}
	}

	g := NewGraphIndex(def)
	starts := g.StartNodes()
	switch {
	case len(starts) == 0:
		return &shared.ValidationError{Reason: "definition has no start node"}
	case len(starts) > 1:
		return &shared.ValidationError{NodeID: starts[1], Reason: "definition has more than one start node"}
	}
	start := starts[0]
	if len(g.Incoming(start)) > 0 {
		return &shared.ValidationError{NodeID: start, Reason: "start node must not have incoming edges"}
	}
	for _, n := range def.Nodes {
		if n.ID != start && len(g.Incoming(n.ID)) == 0 {
			return &shared.ValidationError{NodeID: n.ID, Reason: "node has no incoming edge"}
		}
	}
	reachable := g.Reachable(start)
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			return &shared.ValidationError{NodeID: n.ID, Reason: "node is not reachable from start"}
		}
	}
	if cycle := findCycle(def, g); cycle != "" {
		return &shared.ValidationError{NodeID: cycle, Reason: "cycle without a re-entrant edge"}
	}
	return nil
}

func validateNode(n shared.Node) error {
	if strings.TrimSpace(n.ID) == "" {
		return &shared.ValidationError{Reason: "node id is required"}
	}
	if n.Config == nil {
		cfg, err := shared.DecodeNodeConfig(n.Type, nil)
		if err != nil {
			return &shared.ValidationError{NodeID: n.ID, Reason: err.Error()}
		}
		n.Config = cfg
	}
	if err := n.Config.Validate(); err != nil {
		return &shared.ValidationError{NodeID: n.ID, Reason: err.Error()}
	}
	if src, ok := n.Config.(shared.ExpressionSource); ok {
		for _, expr := range src.Expressions() {
			if strings.TrimSpace(expr) == "" {
				continue
			}
			if _, err := expression.Compile(expr); err != nil {
				return &shared.ValidationError{NodeID: n.ID, Reason: err.Error()}
			}
		}
	}
	if src, ok := n.Config.(shared.TemplateSource); ok {
		for _, tpl := range src.Templates() {
			if err := expression.CheckTemplate(tpl); err != nil {
				return &shared.ValidationError{NodeID: n.ID, Reason: err.Error()}
			}
		}
	}
	if src, ok := n.Config.(shared.ScriptSource); ok {
		for _, script := range src.Scripts() {
			if strings.TrimSpace(script) == "" {
				continue
			}
			if _, err := expression.CompileScript(script); err != nil {
				return &shared.ValidationError{NodeID: n.ID, Reason: err.Error()}
			}
		}
	}
	return nil
}

func isReentryNode(t shared.NodeType) bool {
	return t == shared.NodeTypeLoop || t == shared.NodeTypeTimer
}

func edgeName(e shared.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target
}

// findCycle returns a node on a cycle formed by non re-entrant edges.
func findCycle(def *shared.WorkflowDefinition, g *GraphIndex) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(def.Nodes))
	var visit func(id string) string
	visit = func(id string) string {
		state[id] = visiting
		for _, e := range g.Outgoing(id) {
			if e.Reentrant {
				continue
			}
			switch state[e.Target] {
			case visiting:
				return e.Target
			case unvisited:
				if found := visit(e.Target); found != "" {
					return found
				}
			}
		}
		state[id] = done
		return ""
	}
	for _, n := range def.Nodes {
		if state[n.ID] == unvisited {
			if found := visit(n.ID); found != "" {
				return found
			}
		}
	}
	return ""
}
