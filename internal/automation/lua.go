package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// exprEvaluator runs Lua boolean expressions in a throwaway sandboxed VM.
// Compiled chunks are cached by source text.
type exprEvaluator struct {
	timeout time.Duration

	mu     sync.Mutex
	protos map[string]*lua.FunctionProto
}

func newExprEvaluator(timeout time.Duration) *exprEvaluator {
	return &exprEvaluator{timeout: timeout, protos: make(map[string]*lua.FunctionProto)}
}

func (x *exprEvaluator) compile(expr string) (*lua.FunctionProto, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if p, ok := x.protos[expr]; ok {
		return p, nil
	}

	// A bare expression is wrapped in return; anything else must be a chunk
	// that returns its own result.
	chunk, err := parse.Parse(strings.NewReader("return "+expr), "<expression>")
	if err != nil {
		var err2 error
		chunk, err2 = parse.Parse(strings.NewReader(expr), "<expression>")
		if err2 != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	}
	proto, err := lua.Compile(chunk, "<expression>")
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	x.protos[expr] = proto
	return proto, nil
}

// eval runs expr with env exposed as globals and returns its truthiness.
func (x *exprEvaluator) eval(expr string, env map[string]any) (bool, error) {
	proto, err := x.compile(expr)
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", expr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	for k, v := range env {
		L.SetGlobal(k, goToLua(L, v))
	}

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("expression %q: timeout (%s)", expr, x.timeout)
		}
		return false, fmt.Errorf("expression %q: %w", expr, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case time.Time:
		return lua.LNumber(val.Unix())
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case map[string]map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
