package workflow

import (
	"sort"
	"strings"
	"sync"

	"flowpilot/shared"
)

// GraphIndex is the read-only adjacency view of a definition used while
// executing instances. It also resolves and caches the join point of every
// fan-out.
type GraphIndex struct {
	def      *shared.WorkflowDefinition
	nodes    map[string]shared.Node
	order    map[string]int
	outgoing map[string][]shared.Edge
	incoming map[string][]shared.Edge

	mu    sync.Mutex
	joins map[string]string
}

// NewGraphIndex builds the adjacency maps of def.
func NewGraphIndex(def *shared.WorkflowDefinition) *GraphIndex {
	g := &GraphIndex{
		def:      def,
		nodes:    make(map[string]shared.Node, len(def.Nodes)),
		order:    make(map[string]int, len(def.Nodes)),
		outgoing: make(map[string][]shared.Edge),
		incoming: make(map[string][]shared.Edge),
		joins:    make(map[string]string),
	}
	for i, n := range def.Nodes {
		g.nodes[n.ID] = n
		g.order[n.ID] = i
	}
	for _, e := range def.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}
	return g
}

// Definition returns the indexed definition.
func (g *GraphIndex) Definition() *shared.WorkflowDefinition { return g.def }

// Node returns the node with the given id.
func (g *GraphIndex) Node(id string) (shared.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving a node in declaration order.
func (g *GraphIndex) Outgoing(nodeID string) []shared.Edge {
	return g.outgoing[nodeID]
}

// Incoming returns the edges entering a node in declaration order.
func (g *GraphIndex) Incoming(nodeID string) []shared.Edge {
	return g.incoming[nodeID]
}

// StartNodes returns every node of type start, in declaration order.
func (g *GraphIndex) StartNodes() []string {
	var out []string
	for _, n := range g.def.Nodes {
		if n.Type == shared.NodeTypeStart {
			out = append(out, n.ID)
		}
	}
	return out
}

// HasRoute reports whether nodeID has an outgoing edge routed by label.
func (g *GraphIndex) HasRoute(nodeID, label string) bool {
	for _, e := range g.outgoing[nodeID] {
		if e.RouteKey() == label {
			return true
		}
	}
	return false
}

// CountRoute returns how many outgoing edges of nodeID carry label.
func (g *GraphIndex) CountRoute(nodeID, label string) int {
	n := 0
	for _, e := range g.outgoing[nodeID] {
		if e.RouteKey() == label {
			n++
		}
	}
	return n
}

// SelectEdges returns the outgoing edges matching labels. An empty label
// set selects every outgoing edge except the error handle.
func (g *GraphIndex) SelectEdges(nodeID string, labels []string) []shared.Edge {
	var out []shared.Edge
	if len(labels) == 0 {
		for _, e := range g.outgoing[nodeID] {
			if e.RouteKey() != shared.ErrorHandle {
				out = append(out, e)
			}
		}
		return out
	}
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}
	for _, e := range g.outgoing[nodeID] {
		if want[e.RouteKey()] {
			out = append(out, e)
		}
	}
	return out
}

// JoinPoint returns the first node reachable from every target, i.e. the
// implicit AND-join of a fan-out from forkNodeID. Re-entrant edges are not
// followed. It returns "" when the branches never reconverge.
func (g *GraphIndex) JoinPoint(forkNodeID string, targets []string) string {
	if len(targets) < 2 {
		return ""
	}
	key := forkNodeID + "|" + strings.Join(sortedCopy(targets), ",")
	g.mu.Lock()
	defer g.mu.Unlock()
	if j, ok := g.joins[key]; ok {
		return j
	}

	dists := make([]map[string]int, len(targets))
	for i, t := range targets {
		dists[i] = g.distancesFrom(t)
	}
	best := ""
	bestMax, bestSum := 0, 0
	for id := range dists[0] {
		maxD, sum := 0, 0
		common := true
		for _, d := range dists {
			v, ok := d[id]
			if !ok {
				common = false
				break
			}
			sum += v
			if v > maxD {
				maxD = v
			}
		}
		if !common || id == forkNodeID {
			continue
		}
		if best == "" || maxD < bestMax ||
			(maxD == bestMax && (sum < bestSum || (sum == bestSum && g.order[id] < g.order[best]))) {
			best, bestMax, bestSum = id, maxD, sum
		}
	}
	g.joins[key] = best
	return best
}

// distancesFrom is a breadth-first search over forward edges.
func (g *GraphIndex) distancesFrom(start string) map[string]int {
	dist := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[cur] {
			if e.Reentrant {
				continue
			}
			if _, seen := dist[e.Target]; seen {
				continue
			}
			dist[e.Target] = dist[cur] + 1
			queue = append(queue, e.Target)
		}
	}
	return dist
}

// Reachable returns every node reachable from start, following all edges.
func (g *GraphIndex) Reachable(start string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.outgoing[cur] {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return seen
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
