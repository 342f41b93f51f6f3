package expression

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

type undefinedType struct{}

func (undefinedType) String() string { return "undefined" }

// MarshalJSON encodes undefined as null.
func (undefinedType) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Undefined is the value of an unresolvable reference. It is falsy and
// propagates through member access and arithmetic.
var Undefined any = undefinedType{}

// IsUndefined reports whether v is the undefined value.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// Normalize converts undefined to nil so values can be stored in instance data.
func Normalize(v any) any {
	if IsUndefined(v) {
		return nil
	}
	return v
}

type env struct {
	data map[string]any
}

func (e *env) lookup(name string) any {
	if name == "data" {
		if e.data == nil {
			return map[string]any{}
		}
		return e.data
	}
	if v, ok := e.data[name]; ok {
		return v
	}
	return Undefined
}

type node interface {
	eval(e *env) any
}

type literalNode struct{ v any }

func (n *literalNode) eval(*env) any { return n.v }

type identNode struct{ name string }

func (n *identNode) eval(e *env) any { return e.lookup(n.name) }

type memberNode struct {
	obj  node
	name string
}

func (n *memberNode) eval(e *env) any {
	return member(n.obj.eval(e), n.name)
}

type indexNode struct {
	obj, idx node
}

func (n *indexNode) eval(e *env) any {
	obj := n.obj.eval(e)
	idx := n.idx.eval(e)
	if s, ok := idx.(string); ok {
		return member(obj, s)
	}
	f, ok := toNumber(idx)
	if !ok || f != math.Trunc(f) {
		return Undefined
	}
	return element(obj, int(f))
}

type unaryNode struct {
	op string
	x  node
}

func (n *unaryNode) eval(e *env) any {
	v := n.x.eval(e)
	if n.op == "!" {
		return !Truthy(v)
	}
	if f, ok := toNumber(v); ok {
		return -f
	}
	return Undefined
}

type logicalNode struct {
	op   string
	l, r node
}

func (n *logicalNode) eval(e *env) any {
	l := Truthy(n.l.eval(e))
	if n.op == "&&" {
		return l && Truthy(n.r.eval(e))
	}
	return l || Truthy(n.r.eval(e))
}

type ternaryNode struct {
	cond, a, b node
}

func (n *ternaryNode) eval(e *env) any {
	if Truthy(n.cond.eval(e)) {
		return n.a.eval(e)
	}
	return n.b.eval(e)
}

type binaryNode struct {
	op   string
	l, r node
}

func (n *binaryNode) eval(e *env) any {
	l, r := n.l.eval(e), n.r.eval(e)
	switch n.op {
	case "==":
		return looseEqual(l, r)
	case "!=":
		return !looseEqual(l, r)
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "+":
		if ls, ok := l.(string); ok {
			return ls + Stringify(r)
		}
		if rs, ok := r.(string); ok {
			return Stringify(l) + rs
		}
	}
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return Undefined
	}
	switch n.op {
	case "+":
		return lf + rf
	case "-":
		return lf - rf
	case "*":
		return lf * rf
	case "/":
		if rf == 0 {
			return Undefined
		}
		return lf / rf
	case "%":
		if rf == 0 {
			return Undefined
		}
		return math.Mod(lf, rf)
	}
	return Undefined
}

type callNode struct {
	name string
	fn   func(args []any) any
	args []node
}

func (n *callNode) eval(e *env) any {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		args[i] = a.eval(e)
	}
	return n.fn(args)
}

func member(obj any, name string) any {
	switch o := obj.(type) {
	case map[string]any:
		if v, ok := o[name]; ok {
			return v
		}
		return Undefined
	case map[string]string:
		if v, ok := o[name]; ok {
			return v
		}
		return Undefined
	case []any:
		if name == "length" {
			return float64(len(o))
		}
	case string:
		if name == "length" {
			return float64(len(o))
		}
	}
	return Undefined
}

func element(obj any, i int) any {
	switch o := obj.(type) {
	case []any:
		if i >= 0 && i < len(o) {
			return o[i]
		}
	case []string:
		if i >= 0 && i < len(o) {
			return o[i]
		}
	}
	return Undefined
}

// Truthy reports the boolean interpretation of a value: undefined, nil,
// false, 0, "" and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefinedType:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return true
	}
	if f, ok := toNumber(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func numericString(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func nullish(v any) bool {
	return v == nil || IsUndefined(v)
}

func looseEqual(l, r any) bool {
	if nullish(l) || nullish(r) {
		return nullish(l) && nullish(r)
	}
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	switch {
	case lok && rok:
		return lf == rf
	case lok:
		if f, ok := numericString(r); ok {
			return lf == f
		}
		return false
	case rok:
		if f, ok := numericString(l); ok {
			return f == rf
		}
		return false
	}
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		return ok && ls == rs
	}
	if lb, ok := l.(bool); ok {
		rb, ok := r.(bool)
		return ok && lb == rb
	}
	return reflect.DeepEqual(l, r)
}

func compare(op string, l, r any) bool {
	if nullish(l) || nullish(r) {
		return false
	}
	var c int
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if lok && !rok {
		rf, rok = numericString(r)
	} else if rok && !lok {
		lf, lok = numericString(l)
	}
	switch {
	case lok && rok:
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	default:
		ls, lsok := l.(string)
		rs, rsok := r.(string)
		if !lsok || !rsok {
			return false
		}
		c = strings.Compare(ls, rs)
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	}
	return c >= 0
}

// Stringify renders a value for templates: undefined and nil become "",
// integral numbers drop their fraction and collections encode as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil, undefinedType:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
	if f, ok := toNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

type builtin struct {
	arity int
	call  func(args []any) any
}

var builtins = map[string]builtin{
	"len": {1, func(a []any) any {
		switch t := a[0].(type) {
		case string:
			return float64(len(t))
		case []any:
			return float64(len(t))
		case map[string]any:
			return float64(len(t))
		}
		return float64(0)
	}},
	"lower": {1, func(a []any) any { return strings.ToLower(Stringify(a[0])) }},
	"upper": {1, func(a []any) any { return strings.ToUpper(Stringify(a[0])) }},
	"trim":  {1, func(a []any) any { return strings.TrimSpace(Stringify(a[0])) }},
	"empty": {1, func(a []any) any { return !Truthy(a[0]) }},
	"contains": {2, func(a []any) any {
		switch t := a[0].(type) {
		case string:
			return strings.Contains(t, Stringify(a[1]))
		case []any:
			for _, e := range t {
				if looseEqual(e, a[1]) {
					return true
				}
			}
		case map[string]any:
			_, ok := t[Stringify(a[1])]
			return ok
		}
		return false
	}},
	"number": {1, func(a []any) any {
		if f, ok := toNumber(a[0]); ok {
			return f
		}
		if f, ok := numericString(a[0]); ok {
			return f
		}
		return Undefined
	}},
	"string": {1, func(a []any) any { return Stringify(a[0]) }},
	"round": {1, func(a []any) any {
		if f, ok := toNumber(a[0]); ok {
			return math.Round(f)
		}
		return Undefined
	}},
}
