package expression

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	risorparser "github.com/risor-io/risor/parser"
)

// Script is a compiled Risor program run by script nodes and loop
// collections. Its only input is a copy of the instance data bound to the
// global "data"; I/O, clock and randomness modules are not available.
type Script struct {
	source string
	code   *compiler.Code
}

// Source returns the script text.
func (s *Script) Source() string { return s.source }

// ScriptError reports a script that failed to compile or run.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %q: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

var deniedModules = map[string]bool{
	"read": true, "write": true, "exec": true, "open": true, "file": true,
	"http": true, "fetch": true, "request": true, "system": true, "shell": true,
	"env": true, "getenv": true, "setenv": true, "command": true, "proc": true,
	"process": true, "socket": true, "network": true, "net": true, "tcp": true,
	"udp": true, "tls": true, "crypto": true, "hash": true, "rand": true,
	"random": true, "os": true, "filepath": true, "time": true, "uuid": true,
	"sql": true, "ssh": true, "pgx": true, "aws": true, "k8s": true,
	"vault": true, "cli": true, "sleep": true, "print": true, "printf": true,
	"input": true,
}

var (
	builtinsOnce  sync.Once
	scriptGlobals map[string]any
	globalNames   []string
)

func scriptBuiltins() (map[string]any, []string) {
	builtinsOnce.Do(func() {
		scriptGlobals = make(map[string]any)
		for name, v := range all.Builtins() {
			if !deniedModules[name] {
				scriptGlobals[name] = v
			}
		}
		globalNames = make([]string, 0, len(scriptGlobals)+1)
		for name := range scriptGlobals {
			globalNames = append(globalNames, name)
		}
		globalNames = append(globalNames, "data")
		sort.Strings(globalNames)
	})
	return scriptGlobals, globalNames
}

var scriptCache sync.Map // string -> *Script

// CompileScript parses and compiles a script. Compiled scripts are cached by
// source text.
func CompileScript(src string) (*Script, error) {
	if s, ok := scriptCache.Load(src); ok {
		return s.(*Script), nil
	}
	ast, err := risorparser.Parse(context.Background(), src)
	if err != nil {
		return nil, &ScriptError{Script: src, Err: err}
	}
	_, names := scriptBuiltins()
	code, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, &ScriptError{Script: src, Err: err}
	}
	s := &Script{source: src, code: code}
	scriptCache.Store(src, s)
	return s, nil
}

// Run executes the script against a copy of data and returns the value of
// its last expression converted to plain Go values. Integers come back as
// float64 so results mix with JSON-decoded instance data.
func (s *Script) Run(ctx context.Context, data map[string]any) (any, error) {
	base, _ := scriptBuiltins()
	globals := make(map[string]any, len(base)+1)
	for k, v := range base {
		globals[k] = v
	}
	globals["data"] = cloneForScript(data)

	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(globals))
	if err != nil {
		return nil, &ScriptError{Script: s.source, Err: err}
	}
	v, err := fromObject(result)
	if err != nil {
		return nil, &ScriptError{Script: s.source, Err: err}
	}
	return v, nil
}

// RunScript compiles and runs a script.
func RunScript(ctx context.Context, src string, data map[string]any) (any, error) {
	s, err := CompileScript(src)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, data)
}

func fromObject(obj object.Object) (any, error) {
	switch o := obj.(type) {
	case nil, *object.NilType:
		return nil, nil
	case *object.Bool:
		return o.Value(), nil
	case *object.Int:
		return float64(o.Value()), nil
	case *object.Float:
		return o.Value(), nil
	case *object.String:
		return o.Value(), nil
	case *object.Time:
		return o.Value(), nil
	case *object.List:
		items := o.Value()
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, err := fromObject(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *object.Map:
		m := o.Value()
		out := make(map[string]any, len(m))
		for k, item := range m {
			v, err := fromObject(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported result type %s", obj.Type())
}

// cloneForScript deep-copies JSON-shaped data so a script cannot alias the
// instance's maps and slices.
func cloneForScript(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, item := range v {
		out[k] = cloneValue(item)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneForScript(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
