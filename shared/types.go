package shared

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeType defines the type of a workflow node
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeEnd          NodeType = "end"
	NodeTypeTask         NodeType = "task"
	NodeTypeApproval     NodeType = "approval"
	NodeTypeForm         NodeType = "form"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeSwitch       NodeType = "switch"
	NodeTypeTimer        NodeType = "timer"
	NodeTypeParallel     NodeType = "parallel"
	NodeTypeLoop         NodeType = "loop"
	NodeTypeVariable     NodeType = "variable"
	NodeTypeCalculate    NodeType = "calculate"
	NodeTypeEmail        NodeType = "email"
	NodeTypeSMS          NodeType = "sms"
	NodeTypeNotification NodeType = "notification"
	NodeTypeScript       NodeType = "script"
	NodeTypeAPI          NodeType = "api"
	NodeTypeWebhook      NodeType = "webhook"
	NodeTypeDatabase     NodeType = "database"
	NodeTypeCRUD         NodeType = "crud"
	NodeTypeLog          NodeType = "log"
)

// IsTaskType reports whether nodes of this type suspend on a human task.
func (t NodeType) IsTaskType() bool {
	return t == NodeTypeTask || t == NodeTypeApproval || t == NodeTypeForm
}

// ErrorHandle is the source handle followed by continue-on-error nodes when present.
const ErrorHandle = "error"

// Node represents a single node in the workflow graph. Config holds the
// type-specific configuration struct matching Type.
type Node struct {
	ID              string     `json:"id" yaml:"id"`
	Type            NodeType   `json:"type" yaml:"type"`
	Name            string     `json:"name,omitempty" yaml:"name,omitempty"`
	ContinueOnError bool       `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	Config          NodeConfig `json:"config" yaml:"config"`
}

type rawNode struct {
	ID              string          `json:"id"`
	Type            NodeType        `json:"type"`
	Name            string          `json:"name,omitempty"`
	ContinueOnError bool            `json:"continueOnError,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON decodes the node and its type-tagged config strictly.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw rawNode
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return n.fromRaw(raw)
}

// UnmarshalYAML decodes the node from YAML by normalising the config block
// through JSON so both formats share the same strict decoder.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		ID              string         `yaml:"id"`
		Type            NodeType       `yaml:"type"`
		Name            string         `yaml:"name"`
		ContinueOnError bool           `yaml:"continueOnError"`
		Config          map[string]any `yaml:"config"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	raw := rawNode{ID: aux.ID, Type: aux.Type, Name: aux.Name, ContinueOnError: aux.ContinueOnError}
	if aux.Config != nil {
		b, err := json.Marshal(aux.Config)
		if err != nil {
			return fmt.Errorf("node %s: encode config: %w", aux.ID, err)
		}
		raw.Config = b
	}
	return n.fromRaw(raw)
}

func (n *Node) fromRaw(raw rawNode) error {
	cfg, err := DecodeNodeConfig(raw.Type, raw.Config)
	if err != nil {
		return &ValidationError{NodeID: raw.ID, Reason: err.Error()}
	}
	*n = Node{
		ID:              raw.ID,
		Type:            raw.Type,
		Name:            raw.Name,
		ContinueOnError: raw.ContinueOnError,
		Config:          cfg,
	}
	return nil
}

// Edge connects two nodes. SourceHandle (or Label when no handle is set)
// is the routing key matched against executor outcomes.
type Edge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	Reentrant    bool   `json:"reentrant,omitempty" yaml:"reentrant,omitempty"`
}

// RouteKey returns the label used when selecting outgoing edges.
func (e Edge) RouteKey() string {
	if e.SourceHandle != "" {
		return e.SourceHandle
	}
	return e.Label
}

// WorkflowDefinition is an immutable, versioned workflow graph.
type WorkflowDefinition struct {
	ID          string `json:"id" yaml:"id"`
	Version     int    `json:"version" yaml:"version"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes"`
	Edges       []Edge `json:"edges" yaml:"edges"`
}

// Key identifies a definition version, e.g. "expense@3".
func (d *WorkflowDefinition) Key() string {
	return DefinitionKey(d.ID, d.Version)
}

// DefinitionKey formats an id/version pair.
func DefinitionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// FindNode returns the node with the given id.
func (d *WorkflowDefinition) FindNode(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EnsureEdgeIDs assigns deterministic ids to edges that were declared without one.
func (d *WorkflowDefinition) EnsureEdgeIDs() {
	for i := range d.Edges {
		if strings.TrimSpace(d.Edges[i].ID) == "" {
			d.Edges[i].ID = fmt.Sprintf("%s->%s#%d", d.Edges[i].Source, d.Edges[i].Target, i)
		}
	}
}
