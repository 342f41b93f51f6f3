package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"flowpilot/clock"
	"flowpilot/expression"
	"flowpilot/shared"
	"go.uber.org/zap"
)

// notifyExecutor dispatches email, sms and notification nodes. Dispatch
// failures are logged and skipped unless the node sets failOnError.
type notifyExecutor struct {
	notifier Notifier
}

func (x notifyExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.NotifyConfig](node)
	if err != nil {
		return Fail(err)
	}
	rendered, err := ec.renderAll(cfg.Recipients)
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}
	recipients := make([]string, 0, len(rendered))
	for _, r := range rendered {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	subject, err := ec.render(cfg.Subject)
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}
	body, err := ec.render(cfg.Body)
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}

	channel := string(node.Type)
	payload := Notification{InstanceID: ec.Instance.ID, NodeID: node.ID, Subject: subject, Body: body}
	if x.notifier == nil {
		err = errors.New("no notifier configured")
	} else {
		err = x.notifier.Send(ec.Ctx, channel, recipients, payload)
	}
	if err != nil {
		if cfg.FailOnError {
			return Fail(&shared.ExternalCallError{NodeID: node.ID, Target: channel, Err: err})
		}
		ec.Logger().Warn("Notification dispatch failed",
			zap.String("nodeID", node.ID),
			zap.String("channel", channel),
			zap.Strings("recipients", recipients),
			zap.Error(err))
		ec.Record(node.ID, shared.ActionNodeExecuted, "", map[string]any{
			"channel": channel, "recipients": len(recipients), "delivered": false, "error": err.Error(),
		})
		return Advance()
	}
	ec.Record(node.ID, shared.ActionNodeExecuted, "", map[string]any{
		"channel": channel, "recipients": len(recipients), "delivered": true,
	})
	return Advance()
}

// httpExecutor runs api and webhook nodes with the node's retry policy.
type httpExecutor struct {
	caller HTTPCaller
	clock  clock.Clock
}

func (x httpExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.HTTPConfig](node)
	if err != nil {
		return Fail(err)
	}
	url, err := ec.render(cfg.URL)
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}
	if x.caller == nil {
		return Fail(&shared.ExternalCallError{NodeID: node.ID, Target: url, Err: errors.New("no http caller configured")})
	}
	req, err := x.buildRequest(ec, node, cfg, url)
	if err != nil {
		return Fail(fmt.Errorf("node %s: %w", node.ID, err))
	}

	attempts := cfg.Retry.Count + 1
	var resp *HTTPResponse
	var callErr error
	attempt := 1
	for ; ; attempt++ {
		resp, callErr = x.caller.Do(ec.Ctx, req)
		if callErr == nil && resp.StatusCode < 400 {
			break
		}
		if attempt >= attempts || !retryable(resp, callErr) {
			break
		}
		backoff := cfg.Retry.Backoff.Std() << (attempt - 1)
		ec.Logger().Warn("External call failed, retrying",
			zap.String("nodeID", node.ID),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(callErr))
		if err := x.clock.Sleep(ec.Ctx, backoff); err != nil {
			callErr = err
			break
		}
	}
	if callErr != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return Fail(&shared.ExternalCallError{NodeID: node.ID, Target: url, StatusCode: status, Err: callErr})
	}
	if resp.StatusCode >= 400 {
		return Fail(&shared.ExternalCallError{
			NodeID:     node.ID,
			Target:     url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)),
		})
	}
	if cfg.ResultVariable != "" {
		ec.Data()[cfg.ResultVariable] = map[string]any{"status": resp.StatusCode, "body": resp.Body}
	}
	ec.Record(node.ID, shared.ActionNodeExecuted, "", map[string]any{
		"method": req.Method, "url": url, "status": resp.StatusCode, "attempts": attempt,
	})
	return Advance()
}

func (x httpExecutor) buildRequest(ec *ExecutionContext, node shared.Node, cfg *shared.HTTPConfig, url string) (HTTPRequest, error) {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	req := HTTPRequest{Method: method, URL: url, Timeout: cfg.Timeout.Std()}
	if len(cfg.Headers) > 0 {
		req.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			rendered, err := ec.render(v)
			if err != nil {
				return req, err
			}
			req.Headers[k] = rendered
		}
	}
	switch {
	case cfg.Body != "":
		body, err := ec.render(cfg.Body)
		if err != nil {
			return req, err
		}
		req.Body = []byte(body)
	case node.Type == shared.NodeTypeWebhook:
		body, err := json.Marshal(map[string]any{
			"instanceId": ec.Instance.ID,
			"nodeId":     node.ID,
			"data":       ec.Data(),
		})
		if err != nil {
			return req, err
		}
		req.Body = body
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		if _, ok := req.Headers["Content-Type"]; !ok {
			req.Headers["Content-Type"] = "application/json"
		}
	}
	return req, nil
}

// retryable reports whether a failed call may succeed on another attempt.
func retryable(resp *HTTPResponse, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// databaseExecutor runs a raw query against the data source.
type databaseExecutor struct {
	source DataSource
}

func (x databaseExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.DatabaseConfig](node)
	if err != nil {
		return Fail(err)
	}
	if x.source == nil {
		return Fail(&shared.ExternalCallError{NodeID: node.ID, Target: "database", Err: errors.New("no data source configured")})
	}
	args := make([]any, 0, len(cfg.Args))
	for _, a := range cfg.Args {
		v, err := ec.evaluate(node, a)
		if err != nil {
			return Fail(err)
		}
		args = append(args, expression.Normalize(v))
	}
	rows, err := x.source.Query(ec.Ctx, cfg.Query, args...)
	if err != nil {
		return Fail(&shared.ExternalCallError{NodeID: node.ID, Target: "database", Err: err})
	}
	if cfg.ResultVariable != "" {
		ec.Data()[cfg.ResultVariable] = rowsToList(rows)
	}
	ec.Record(node.ID, shared.ActionNodeExecuted, "", map[string]any{"rows": len(rows)})
	return Advance()
}

// crudExecutor performs a record operation on one table.
type crudExecutor struct {
	source DataSource
}

func (x crudExecutor) Execute(ec *ExecutionContext, node shared.Node) Outcome {
	cfg, err := configAs[*shared.CRUDConfig](node)
	if err != nil {
		return Fail(err)
	}
	target := "crud:" + cfg.Table
	if x.source == nil {
		return Fail(&shared.ExternalCallError{NodeID: node.ID, Target: target, Err: errors.New("no data source configured")})
	}
	values, err := evaluateColumns(ec, node, cfg.Values)
	if err != nil {
		return Fail(err)
	}
	filter, err := evaluateColumns(ec, node, cfg.Filter)
	if err != nil {
		return Fail(err)
	}

	var result any
	switch cfg.Operation {
	case shared.CRUDCreate:
		var row map[string]any
		row, err = x.source.Insert(ec.Ctx, cfg.Table, values)
		result = row
	case shared.CRUDRead:
		var rows []map[string]any
		rows, err = x.source.Select(ec.Ctx, cfg.Table, filter)
		result = rowsToList(rows)
	case shared.CRUDUpdate:
		var n int64
		n, err = x.source.Update(ec.Ctx, cfg.Table, filter, values)
		result = n
	case shared.CRUDDelete:
		var n int64
		n, err = x.source.Delete(ec.Ctx, cfg.Table, filter)
		result = n
	default:
		return Failf("node %s: unknown crud operation %q", node.ID, cfg.Operation)
	}
	if err != nil {
		return Fail(&shared.ExternalCallError{NodeID: node.ID, Target: target, Err: err})
	}
	if cfg.ResultVariable != "" {
		ec.Data()[cfg.ResultVariable] = result
	}
	ec.Record(node.ID, shared.ActionNodeExecuted, "", map[string]any{
		"operation": string(cfg.Operation), "table": cfg.Table,
	})
	return Advance()
}

func evaluateColumns(ec *ExecutionContext, node shared.Node, exprs map[string]string) (map[string]any, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(exprs))
	for col, expr := range exprs {
		v, err := ec.evaluate(node, expr)
		if err != nil {
			return nil, err
		}
		out[col] = expression.Normalize(v)
	}
	return out, nil
}

func rowsToList(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
