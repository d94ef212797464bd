package sandbox

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestValueRoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"string", "hello", "hello"},
		{"float", 2.5, 2.5},
		{"int becomes float", 7, 7.0},
		{"int64", int64(42), 42.0},
		{"array", []any{"a", 2.0, true}, []any{"a", 2.0, true}},
		{"string slice", []string{"x", "y"}, []any{"x", "y"}},
		{
			"map",
			map[string]any{"name": "sword", "weight": 3.0},
			map[string]any{"name": "sword", "weight": 3.0},
		},
		{
			"nested",
			map[string]any{"tags": []any{"sharp"}, "meta": map[string]any{"rare": true}},
			map[string]any{"tags": []any{"sharp"}, "meta": map[string]any{"rare": true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromLua(ToLua(L, tt.in))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("round trip = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFromLuaTableShapes(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	arr := L.NewTable()
	arr.Append(lua.LString("a"))
	arr.Append(lua.LNumber(2))
	if got, want := FromLua(arr), []any{"a", 2.0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sequence table = %#v, want %#v", got, want)
	}

	hash := L.NewTable()
	hash.RawSetString("k", lua.LString("v"))
	if got, want := FromLua(hash), map[string]any{"k": "v"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("hash table = %#v, want %#v", got, want)
	}

	// A sequence with extra hash keys is not an array.
	mixed := L.NewTable()
	mixed.Append(lua.LNumber(1))
	mixed.RawSetString("k", lua.LString("v"))
	got, ok := FromLua(mixed).(map[string]any)
	if !ok {
		t.Fatalf("mixed table decoded as %T, want map", FromLua(mixed))
	}
	if got["k"] != "v" || got["1"] != 1.0 {
		t.Fatalf("mixed table = %#v", got)
	}

	// Sparse numeric keys fall back to the map form too.
	sparse := L.NewTable()
	sparse.RawSetInt(5, lua.LString("five"))
	if got, want := FromLua(sparse), map[string]any{"5": "five"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sparse table = %#v, want %#v", got, want)
	}

	// Empty tables have no shape; they come back as empty maps.
	if got, want := FromLua(L.NewTable()), map[string]any{}; !reflect.DeepEqual(got, want) {
		t.Fatalf("empty table = %#v, want %#v", got, want)
	}
}

func TestFromLuaUnsupported(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	fn := L.NewFunction(func(*lua.LState) int { return 0 })
	if got := FromLua(fn); got != nil {
		t.Fatalf("function decoded as %#v, want nil", got)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"zero", 0.0, true},
		{"empty string", "", true},
		{"table", map[string]any{}, true},
	}
	for _, tt := range tests {
		if got := Truthy(tt.in); got != tt.want {
			t.Errorf("%s: Truthy = %v, want %v", tt.name, got, tt.want)
		}
	}
}
