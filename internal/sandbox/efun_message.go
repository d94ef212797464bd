package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

func init() {
	registerEfuns(map[string]efunFunc{
		"write":       efunWrite,
		"tell_object": efunTellObject,
		"say":         efunSay,
		"broadcast":   efunBroadcast,
		"tell_gui":    efunTellGUI,
	})
}

func efunWrite(b *Bridge, sb *Sandbox, L *lua.LState) int {
	m := b.Messenger()
	if m == nil {
		return pushFail(L, "unavailable")
	}
	p := b.thisPlayer(sb)
	if p == nil {
		return pushFail(L, "not-found")
	}
	if !m.Tell(p.Path(), L.CheckString(1)) {
		return pushFail(L, "not-found")
	}
	return pushTrue(L)
}

func efunTellObject(b *Bridge, _ *Sandbox, L *lua.LState) int {
	m := b.Messenger()
	if m == nil {
		return pushFail(L, "unavailable")
	}
	o := b.resolve(L.CheckString(1))
	if o == nil {
		return pushFail(L, "not-found")
	}
	if !m.Tell(o.Path(), L.CheckString(2)) {
		return pushFail(L, "not-found")
	}
	return pushTrue(L)
}

// efunSay sends text to every connected player sharing the speaker's room,
// speaker excluded. The speaker is this_player when set, this_object
// otherwise.
func efunSay(b *Bridge, sb *Sandbox, L *lua.LState) int {
	m := b.Messenger()
	if m == nil {
		return pushFail(L, "unavailable")
	}
	speaker := b.thisPlayer(sb)
	if speaker == nil {
		speaker = b.thisObject(sb)
	}
	if speaker == nil {
		return pushFail(L, "not-found")
	}
	env := speaker.Environment()
	if env == nil {
		return pushFail(L, "not-found")
	}
	text := L.CheckString(1)
	for _, o := range env.Inventory() {
		if o == speaker || o.Destructed() {
			continue
		}
		if m.Interactive(o.Path()) {
			m.Tell(o.Path(), text)
		}
	}
	return pushTrue(L)
}

func efunBroadcast(b *Bridge, _ *Sandbox, L *lua.LState) int {
	m := b.Messenger()
	if m == nil {
		return pushFail(L, "unavailable")
	}
	m.Broadcast(L.CheckString(1))
	return pushTrue(L)
}

// efunTellGUI sends a structured frame to a player's client. The payload
// table must be map-shaped; the core never inspects it.
func efunTellGUI(b *Bridge, _ *Sandbox, L *lua.LState) int {
	m := b.Messenger()
	if m == nil {
		return pushFail(L, "unavailable")
	}
	o := b.resolve(L.CheckString(1))
	if o == nil {
		return pushFail(L, "not-found")
	}
	tag := L.CheckString(2)
	if tag == "" {
		return pushFail(L, "bad-argument")
	}
	payload := map[string]any{}
	if L.GetTop() >= 3 {
		var ok bool
		if payload, ok = tablePayload(L.CheckTable(3)); !ok {
			return pushFail(L, "bad-argument")
		}
	}
	if !m.TellGUI(o.Path(), tag, payload) {
		return pushFail(L, "not-found")
	}
	return pushTrue(L)
}
