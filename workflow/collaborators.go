package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"flowpilot/shared"
)

// AssigneeResolver turns an assignee spec into concrete principals. Starter
// assignees are resolved by the engine before the resolver is called.
type AssigneeResolver interface {
	Resolve(ctx context.Context, spec shared.AssigneeSpec) (shared.Assignee, error)
}

// StaticResolver resolves users as themselves and groups from a fixed
// membership table.
type StaticResolver struct {
	mu     sync.RWMutex
	groups map[string][]string
}

// NewStaticResolver creates a resolver with the given group memberships.
func NewStaticResolver(groups map[string][]string) *StaticResolver {
	r := &StaticResolver{groups: make(map[string][]string, len(groups))}
	for g, members := range groups {
		r.SetGroup(g, members)
	}
	return r
}

// SetGroup replaces the members of a group.
func (r *StaticResolver) SetGroup(group string, members []string) {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	r.mu.Lock()
	r.groups[group] = sorted
	r.mu.Unlock()
}

// Resolve implements AssigneeResolver.
func (r *StaticResolver) Resolve(_ context.Context, spec shared.AssigneeSpec) (shared.Assignee, error) {
	switch spec.Type {
	case shared.AssigneeUser:
		if spec.ID == "" {
			return shared.Assignee{}, fmt.Errorf("user assignee has an empty id")
		}
		return shared.Assignee{Type: shared.AssigneeUser, ID: spec.ID}, nil
	case shared.AssigneeGroup:
		r.mu.RLock()
		members, ok := r.groups[spec.ID]
		r.mu.RUnlock()
		if !ok || len(members) == 0 {
			return shared.Assignee{}, fmt.Errorf("group %q has no members", spec.ID)
		}
		return shared.Assignee{Type: shared.AssigneeGroup, ID: spec.ID, Members: append([]string(nil), members...)}, nil
	}
	return shared.Assignee{}, fmt.Errorf("cannot resolve assignee type %q", spec.Type)
}

// Notification is the payload handed to a Notifier.
type Notification struct {
	InstanceID string         `json:"instanceId"`
	NodeID     string         `json:"nodeId"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier delivers email, sms and notification node messages. Channel is
// the node type.
type Notifier interface {
	Send(ctx context.Context, channel string, recipients []string, payload Notification) error
}

// HTTPRequest is an outbound call made by api and webhook nodes.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// HTTPResponse is the decoded answer of an HTTPRequest. Body holds the
// decoded JSON document, or the raw text when the body is not JSON.
type HTTPResponse struct {
	StatusCode int
	Body       any
}

// HTTPCaller performs outbound HTTP calls. Transport failures are returned as
// errors; non-2xx responses are returned with their status code.
type HTTPCaller interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// DataSource backs database and crud nodes.
type DataSource interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Insert(ctx context.Context, table string, values map[string]any) (map[string]any, error)
	Select(ctx context.Context, table string, filter map[string]any) ([]map[string]any, error)
	Update(ctx context.Context, table string, filter, values map[string]any) (int64, error)
	Delete(ctx context.Context, table string, filter map[string]any) (int64, error)
}
