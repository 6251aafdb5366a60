package automation

import (
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"time", time.Unix(1700000000, 0), lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"nested map", map[string]map[string]any{"lamp": {"state": "ON"}}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaTableContents(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := goToLua(L, map[string]any{"lamp": map[string]any{"state": "ON"}}).(*lua.LTable)
	lamp, ok := tbl.RawGetString("lamp").(*lua.LTable)
	if !ok {
		t.Fatal("lamp is not a table")
	}
	if got := lamp.RawGetString("state"); got.String() != "ON" {
		t.Errorf("lamp.state = %v", got)
	}

	arr := goToLua(L, []any{"a", "b"}).(*lua.LTable)
	if arr.Len() != 2 || arr.RawGetInt(1).String() != "a" {
		t.Errorf("array = %v", arr)
	}
}
