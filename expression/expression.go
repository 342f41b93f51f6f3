// Package expression evaluates condition expressions and {{ }} templates
// against workflow instance data.
//
// Evaluation is side-effect free and deterministic. References that cannot
// be resolved evaluate to Undefined instead of failing; only syntactically
// invalid expressions produce an error.
package expression

import (
	"fmt"
	"strings"
	"sync"
)

// EvalError reports a malformed expression or template.
type EvalError struct {
	Expression string
	Pos        int
	Msg        string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression %q: %s at offset %d", e.Expression, e.Msg, e.Pos)
}

// Program is a compiled expression, safe for concurrent use.
type Program struct {
	source string
	root   node
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Run evaluates the program against data.
func (p *Program) Run(data map[string]any) any {
	return p.root.eval(&env{data: data})
}

var cache sync.Map // string -> *Program

// Compile parses an expression. Compiled programs are cached by source text.
func Compile(src string) (*Program, error) {
	if p, ok := cache.Load(src); ok {
		return p.(*Program), nil
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	root, err := (&parser{src: src, tokens: tokens}).parse()
	if err != nil {
		return nil, err
	}
	p := &Program{source: src, root: root}
	cache.Store(src, p)
	return p, nil
}

// Evaluate compiles and runs an expression.
func Evaluate(src string, data map[string]any) (any, error) {
	p, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return p.Run(data), nil
}

// EvaluateBool evaluates an expression in a boolean context.
func EvaluateBool(src string, data map[string]any) (bool, error) {
	v, err := Evaluate(src, data)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Render substitutes every {{ expression }} in tpl.
func Render(tpl string, data map[string]any) (string, error) {
	if !strings.Contains(tpl, "{{") {
		return tpl, nil
	}
	var b strings.Builder
	rest := tpl
	offset := 0
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := placeholderEnd(rest[start+2:])
		if end < 0 {
			return "", &EvalError{Expression: tpl, Pos: offset + start, Msg: "unterminated template placeholder"}
		}
		b.WriteString(rest[:start])
		inner := strings.TrimSpace(rest[start+2 : start+2+end])
		v, err := Evaluate(inner, data)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(v))
		consumed := start + 2 + end + 2
		offset += consumed
		rest = rest[consumed:]
	}
}

// RenderValue renders a template and, when the template is exactly one
// placeholder, returns the raw value instead of its string form.
func RenderValue(tpl string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(tpl)
	if strings.HasPrefix(trimmed, "{{") && placeholderEnd(trimmed[2:]) == len(trimmed)-4 {
		v, err := Evaluate(strings.TrimSpace(trimmed[2:len(trimmed)-2]), data)
		if err != nil {
			return nil, err
		}
		return Normalize(v), nil
	}
	return Render(tpl, data)
}

// placeholderEnd returns the index of the "}}" closing a placeholder body,
// skipping braces inside string literals, or -1.
func placeholderEnd(s string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			return i
		}
	}
	return -1
}

// CheckTemplate verifies that every placeholder in tpl compiles.
func CheckTemplate(tpl string) error {
	_, err := Render(tpl, nil)
	return err
}
