package shared

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeConfig is the type-specific configuration of a node. Each node type
// owns exactly one concrete config struct.
type NodeConfig interface {
	// Validate checks the required fields of the config.
	Validate() error
}

// ExpressionSource is implemented by configs carrying expressions that must
// parse at definition load time.
type ExpressionSource interface {
	Expressions() []string
}

// TemplateSource is implemented by configs carrying {{ }} templates.
type TemplateSource interface {
	Templates() []string
}

// ScriptSource is implemented by configs carrying Risor scripts.
type ScriptSource interface {
	Scripts() []string
}

var configFactories = map[NodeType]func() NodeConfig{
	NodeTypeStart:        func() NodeConfig { return &StartConfig{} },
	NodeTypeEnd:          func() NodeConfig { return &EndConfig{} },
	NodeTypeTask:         func() NodeConfig { return &TaskConfig{} },
	NodeTypeApproval:     func() NodeConfig { return &ApprovalConfig{} },
	NodeTypeForm:         func() NodeConfig { return &FormConfig{} },
	NodeTypeCondition:    func() NodeConfig { return &ConditionConfig{} },
	NodeTypeSwitch:       func() NodeConfig { return &SwitchConfig{} },
	NodeTypeTimer:        func() NodeConfig { return &TimerConfig{} },
	NodeTypeParallel:     func() NodeConfig { return &ParallelConfig{} },
	NodeTypeLoop:         func() NodeConfig { return &LoopConfig{} },
	NodeTypeVariable:     func() NodeConfig { return &VariableConfig{} },
	NodeTypeCalculate:    func() NodeConfig { return &CalculateConfig{} },
	NodeTypeEmail:        func() NodeConfig { return &NotifyConfig{} },
	NodeTypeSMS:          func() NodeConfig { return &NotifyConfig{} },
	NodeTypeNotification: func() NodeConfig { return &NotifyConfig{} },
	NodeTypeScript:       func() NodeConfig { return &ScriptConfig{} },
	NodeTypeAPI:          func() NodeConfig { return &HTTPConfig{} },
	NodeTypeWebhook:      func() NodeConfig { return &HTTPConfig{Method: "POST"} },
	NodeTypeDatabase:     func() NodeConfig { return &DatabaseConfig{} },
	NodeTypeCRUD:         func() NodeConfig { return &CRUDConfig{} },
	NodeTypeLog:          func() NodeConfig { return &LogConfig{} },
}

// KnownNodeTypes lists every node type with a config schema.
func KnownNodeTypes() []NodeType {
	types := make([]NodeType, 0, len(configFactories))
	for t := range configFactories {
		types = append(types, t)
	}
	return types
}

// DecodeNodeConfig decodes raw JSON into the config struct owned by t,
// rejecting unknown fields.
func DecodeNodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	factory, ok := configFactories[t]
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", t)
	}
	cfg := factory()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", t, err)
	}
	return cfg, nil
}

// Duration is a time.Duration that decodes from "5m" style strings or from
// a number of seconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*d = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if secs, err := strconv.ParseFloat(str, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

type StartConfig struct{}

func (c *StartConfig) Validate() error { return nil }

type EndConfig struct{}

func (c *EndConfig) Validate() error { return nil }

// AssigneeType selects how a task assignee is resolved.
type AssigneeType string

const (
	AssigneeUser    AssigneeType = "user"
	AssigneeGroup   AssigneeType = "group"
	AssigneeStarter AssigneeType = "starter"
)

// AssigneeSpec is the unresolved assignee of a task node. ID may contain a
// {{ }} template rendered against instance data.
type AssigneeSpec struct {
	Type AssigneeType `json:"type"`
	ID   string       `json:"id,omitempty"`
}

// Priority of a human task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// TaskConfig configures task, approval and form nodes.
type TaskConfig struct {
	Assignee    AssigneeSpec `json:"assignee"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Priority    Priority     `json:"priority,omitempty"`
	DueIn       Duration     `json:"dueIn,omitempty"`
}

func (c *TaskConfig) Validate() error {
	switch c.Assignee.Type {
	case AssigneeUser, AssigneeGroup:
		if strings.TrimSpace(c.Assignee.ID) == "" {
			return fmt.Errorf("assignee id is required for %s assignees", c.Assignee.Type)
		}
	case AssigneeStarter:
	case "":
		return errors.New("assignee is required")
	default:
		return fmt.Errorf("unknown assignee type %q", c.Assignee.Type)
	}
	switch c.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("unknown priority %q", c.Priority)
	}
	if c.DueIn < 0 {
		return errors.New("dueIn must not be negative")
	}
	return nil
}

func (c *TaskConfig) Templates() []string {
	return []string{c.Assignee.ID, c.Title, c.Description}
}

// TaskSettings exposes the shared task fields of task-like configs.
func (c *TaskConfig) TaskSettings() *TaskConfig { return c }

// TaskLike is implemented by the configs of every task-type node.
type TaskLike interface {
	TaskSettings() *TaskConfig
}

// ApprovalConfig configures an approval node. The decision routes to the
// approved/rejected labels, defaulting to "true"/"false".
type ApprovalConfig struct {
	TaskConfig
	ApprovedLabel string `json:"approvedLabel,omitempty"`
	RejectedLabel string `json:"rejectedLabel,omitempty"`
}

// Labels returns the effective approved and rejected edge labels.
func (c *ApprovalConfig) Labels() (approved, rejected string) {
	approved, rejected = c.ApprovedLabel, c.RejectedLabel
	if approved == "" {
		approved = "true"
	}
	if rejected == "" {
		rejected = "false"
	}
	return approved, rejected
}

// FormConfig configures a form node. Schema, when present, is a JSON schema
// the completion data must satisfy.
type FormConfig struct {
	TaskConfig
	FormSchemaRef string          `json:"formSchemaRef,omitempty"`
	Schema        json.RawMessage `json:"schema,omitempty"`
}

func (c *FormConfig) Validate() error {
	if err := c.TaskConfig.Validate(); err != nil {
		return err
	}
	if len(c.Schema) > 0 && !json.Valid(c.Schema) {
		return errors.New("form schema is not valid JSON")
	}
	return nil
}

// ConditionConfig evaluates Expression and routes to TrueLabel/FalseLabel.
type ConditionConfig struct {
	Expression string `json:"expression"`
	TrueLabel  string `json:"trueLabel,omitempty"`
	FalseLabel string `json:"falseLabel,omitempty"`
}

func (c *ConditionConfig) Validate() error {
	if strings.TrimSpace(c.Expression) == "" {
		return errors.New("condition requires a non-empty expression")
	}
	t, f := c.Labels()
	if t == f {
		return errors.New("condition true and false labels must differ")
	}
	return nil
}

func (c *ConditionConfig) Expressions() []string { return []string{c.Expression} }

// Labels returns the effective true and false labels.
func (c *ConditionConfig) Labels() (string, string) {
	t, f := c.TrueLabel, c.FalseLabel
	if t == "" {
		t = "true"
	}
	if f == "" {
		f = "false"
	}
	return t, f
}

// SwitchConfig routes to the edge labelled with the value of Variable.
type SwitchConfig struct {
	Variable     string `json:"variable"`
	DefaultLabel string `json:"defaultLabel,omitempty"`
}

func (c *SwitchConfig) Validate() error {
	if strings.TrimSpace(c.Variable) == "" {
		return errors.New("switch requires a variable")
	}
	return nil
}

func (c *SwitchConfig) Expressions() []string { return []string{c.Variable} }

type TimerConfig struct {
	Duration Duration `json:"duration"`
}

func (c *TimerConfig) Validate() error {
	if c.Duration <= 0 {
		return errors.New("timer requires a positive duration")
	}
	return nil
}

// ParallelPolicy controls how a failed branch affects its siblings.
type ParallelPolicy string

const (
	PolicyIndependent  ParallelPolicy = "independent"
	PolicyAllOrNothing ParallelPolicy = "all_or_nothing"
)

type ParallelConfig struct {
	Policy ParallelPolicy `json:"policy,omitempty"`
}

func (c *ParallelConfig) Validate() error {
	switch c.Policy {
	case "", PolicyIndependent, PolicyAllOrNothing:
		return nil
	}
	return fmt.Errorf("unknown parallel policy %q", c.Policy)
}

// LoopConfig iterates over Collection, a Risor expression such as
// data["items"], or while the Condition expression holds.
type LoopConfig struct {
	Collection    string `json:"collection,omitempty"`
	Condition     string `json:"condition,omitempty"`
	ItemVariable  string `json:"itemVariable,omitempty"`
	IndexVariable string `json:"indexVariable,omitempty"`
	BodyLabel     string `json:"bodyLabel,omitempty"`
	ExitLabel     string `json:"exitLabel,omitempty"`
}

func (c *LoopConfig) Validate() error {
	hasColl := strings.TrimSpace(c.Collection) != ""
	hasCond := strings.TrimSpace(c.Condition) != ""
	if hasColl == hasCond {
		return errors.New("loop requires exactly one of collection or condition")
	}
	body, exit := c.Labels()
	if body == exit {
		return errors.New("loop body and exit labels must differ")
	}
	return nil
}

func (c *LoopConfig) Expressions() []string {
	if c.Condition == "" {
		return nil
	}
	return []string{c.Condition}
}

func (c *LoopConfig) Scripts() []string {
	if c.Collection == "" {
		return nil
	}
	return []string{c.Collection}
}

// Labels returns the effective body and exit labels.
func (c *LoopConfig) Labels() (string, string) {
	body, exit := c.BodyLabel, c.ExitLabel
	if body == "" {
		body = "body"
	}
	if exit == "" {
		exit = "exit"
	}
	return body, exit
}

// VariableConfig writes data[Name]. String values are rendered as templates;
// Expression, when set, takes precedence over Value.
type VariableConfig struct {
	Name       string `json:"name"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

func (c *VariableConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("variable requires a name")
	}
	return nil
}

func (c *VariableConfig) Expressions() []string {
	if c.Expression == "" {
		return nil
	}
	return []string{c.Expression}
}

func (c *VariableConfig) Templates() []string {
	if s, ok := c.Value.(string); ok {
		return []string{s}
	}
	return nil
}

type CalculateConfig struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

func (c *CalculateConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("calculate requires a name")
	}
	if strings.TrimSpace(c.Expression) == "" {
		return errors.New("calculate requires an expression")
	}
	return nil
}

func (c *CalculateConfig) Expressions() []string { return []string{c.Expression} }

// NotifyConfig configures email, sms and notification nodes.
type NotifyConfig struct {
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body,omitempty"`
	FailOnError bool     `json:"failOnError,omitempty"`
}

func (c *NotifyConfig) Validate() error {
	if len(c.Recipients) == 0 {
		return errors.New("notification requires at least one recipient")
	}
	return nil
}

func (c *NotifyConfig) Templates() []string {
	return append([]string{c.Subject, c.Body}, c.Recipients...)
}

// ScriptConfig holds a Risor program. The script sees a copy of the
// instance data as "data"; its final expression must evaluate to a map
// (merged into the data) or nil.
type ScriptConfig struct {
	Script string `json:"script"`
}

func (c *ScriptConfig) Validate() error {
	if strings.TrimSpace(c.Script) == "" {
		return errors.New("script requires a body")
	}
	return nil
}

func (c *ScriptConfig) Scripts() []string { return []string{c.Script} }

// RetryPolicy is the node-level retry configuration of external calls.
type RetryPolicy struct {
	Count   int      `json:"count,omitempty"`
	Backoff Duration `json:"backoff,omitempty"`
}

// HTTPConfig configures api and webhook nodes.
type HTTPConfig struct {
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ResultVariable string            `json:"resultVariable,omitempty"`
	Timeout        Duration          `json:"timeout,omitempty"`
	Retry          RetryPolicy       `json:"retry,omitempty"`
}

func (c *HTTPConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("http node requires a url")
	}
	if c.Retry.Count < 0 {
		return errors.New("retry count must not be negative")
	}
	return nil
}

func (c *HTTPConfig) Templates() []string {
	out := []string{c.URL, c.Body}
	for _, v := range c.Headers {
		out = append(out, v)
	}
	return out
}

// DatabaseConfig runs a raw query against the data source.
type DatabaseConfig struct {
	Query          string   `json:"query"`
	Args           []string `json:"args,omitempty"`
	ResultVariable string   `json:"resultVariable,omitempty"`
}

func (c *DatabaseConfig) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		return errors.New("database node requires a query")
	}
	return nil
}

func (c *DatabaseConfig) Expressions() []string { return c.Args }

// CRUDOperation is the record operation of a crud node.
type CRUDOperation string

const (
	CRUDCreate CRUDOperation = "create"
	CRUDRead   CRUDOperation = "read"
	CRUDUpdate CRUDOperation = "update"
	CRUDDelete CRUDOperation = "delete"
)

// CRUDConfig performs a record operation. Values and Filter map column names
// to expressions.
type CRUDConfig struct {
	Operation      CRUDOperation     `json:"operation"`
	Table          string            `json:"table"`
	Values         map[string]string `json:"values,omitempty"`
	Filter         map[string]string `json:"filter,omitempty"`
	ResultVariable string            `json:"resultVariable,omitempty"`
}

func (c *CRUDConfig) Validate() error {
	switch c.Operation {
	case CRUDCreate, CRUDRead, CRUDUpdate, CRUDDelete:
	default:
		return fmt.Errorf("unknown crud operation %q", c.Operation)
	}
	if strings.TrimSpace(c.Table) == "" {
		return errors.New("crud node requires a table")
	}
	if (c.Operation == CRUDCreate || c.Operation == CRUDUpdate) && len(c.Values) == 0 {
		return fmt.Errorf("crud %s requires values", c.Operation)
	}
	if (c.Operation == CRUDUpdate || c.Operation == CRUDDelete) && len(c.Filter) == 0 {
		return fmt.Errorf("crud %s requires a filter", c.Operation)
	}
	return nil
}

func (c *CRUDConfig) Expressions() []string {
	var out []string
	for _, v := range c.Values {
		out = append(out, v)
	}
	for _, v := range c.Filter {
		out = append(out, v)
	}
	return out
}

type LogConfig struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func (c *LogConfig) Validate() error {
	if strings.TrimSpace(c.Message) == "" {
		return errors.New("log node requires a message")
	}
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", c.Level)
}

func (c *LogConfig) Templates() []string { return []string{c.Message} }
