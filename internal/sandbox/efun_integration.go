package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

func init() {
	registerEfuns(map[string]efunFunc{
		"integration_available": efunIntegrationAvailable,
		"call_integration":      efunCallIntegration,
	})
}

func efunIntegrationAvailable(b *Bridge, _ *Sandbox, L *lua.LState) int {
	s := b.Services()
	L.Push(lua.LBool(s != nil && s.Available(L.CheckString(1))))
	return 1
}

// efunCallIntegration invokes a named external service. The request table
// travels as-is; a "cache_key" field opts the response into the service's
// cache. Rate limits fail the call, never the sandbox.
func efunCallIntegration(b *Bridge, sb *Sandbox, L *lua.LState) int {
	s := b.Services()
	if s == nil {
		return pushNilCode(L, "unavailable")
	}
	name := L.CheckString(1)
	req := map[string]any{}
	if L.GetTop() >= 2 {
		var ok bool
		if req, ok = tablePayload(L.CheckTable(2)); !ok {
			return pushNilCode(L, "bad-argument")
		}
	}
	resp, err := s.Call(sb.context(), name, req)
	if err != nil {
		return pushNilCode(L, codeOr(err, "upstream-failure"))
	}
	L.Push(ToLua(L, resp))
	return 1
}
