package sandbox

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

func init() {
	registerEfuns(map[string]efunFunc{
		"set_heart_beat":   efunSetHeartBeat,
		"query_heart_beat": efunQueryHeartBeat,
		"call_out":         efunCallOut,
		"remove_call_out":  efunRemoveCallOut,
	})
}

// heartbeatFlag accepts the classic numeric form (0 off, nonzero on) as
// well as booleans.
func heartbeatFlag(v lua.LValue) bool {
	if n, ok := v.(lua.LNumber); ok {
		return n != 0
	}
	return lua.LVAsBool(v)
}

func efunSetHeartBeat(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	t := b.Timers()
	if t == nil {
		return pushFail(L, "unavailable")
	}
	on := heartbeatFlag(L.Get(1))
	o.SetHeartbeat(on)
	t.SetHeartbeat(o.Path(), on)
	return pushTrue(L)
}

func efunQueryHeartBeat(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	if t := b.Timers(); t != nil {
		L.Push(lua.LBool(t.Subscribed(o.Path())))
	} else {
		L.Push(lua.LBool(o.HeartbeatEnabled()))
	}
	return 1
}

// efunCallOut schedules fn on this_object after delayMs milliseconds,
// capturing the current player context. Returns the callout id.
func efunCallOut(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushNilCode(L, code)
	}
	t := b.Timers()
	if t == nil {
		return pushNilCode(L, "unavailable")
	}
	fn := L.CheckString(1)
	delayMs := int64(L.CheckNumber(2))
	if fn == "" {
		return pushNilCode(L, "bad-argument")
	}
	args := make([]any, 0, L.GetTop()-2)
	for i := 3; i <= L.GetTop(); i++ {
		args = append(args, FromLua(L.Get(i)))
	}
	id := t.CallOut(o.Path(), fn, time.Duration(delayMs)*time.Millisecond, CalloutPayload{
		Player: sb.frame().Player,
		Args:   args,
	})
	L.Push(lua.LNumber(id))
	return 1
}

func efunRemoveCallOut(b *Bridge, _ *Sandbox, L *lua.LState) int {
	t := b.Timers()
	if t == nil {
		return pushFail(L, "unavailable")
	}
	if !t.RemoveCallOut(uint64(L.CheckNumber(1))) {
		return pushFail(L, "not-found")
	}
	return pushTrue(L)
}
