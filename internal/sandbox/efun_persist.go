package sandbox

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/jasona/mudforge/internal/core/object"
)

func init() {
	registerEfuns(map[string]efunFunc{
		"save_player":      efunSavePlayer,
		"restore_player":   efunRestorePlayer,
		"player_exists":    efunPlayerExists,
		"list_players":     efunListPlayers,
		"delete_player":    efunDeletePlayer,
		"save_world_state": efunSaveWorldState,
		"load_world_state": efunLoadWorldState,
		"save_data":        efunSaveData,
		"load_data":        efunLoadData,
		"data_exists":      efunDataExists,
		"delete_data":      efunDeleteData,
		"list_keys":        efunListKeys,
	})
}

// saveTarget is the object a save_player call persists: the acting player
// when there is one, otherwise this_object (a player's own heartbeat has
// no this_player).
func saveTarget(b *Bridge, sb *Sandbox) *object.Object {
	if p := b.thisPlayer(sb); p != nil {
		return p
	}
	return b.thisObject(sb)
}

func efunSavePlayer(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := saveTarget(b, sb)
	if o == nil {
		return pushFail(L, "not-found")
	}
	if err := b.SavePlayerObject(sb.context(), o); err != nil {
		return pushFail(L, codeOr(err, "io-error"))
	}
	return pushTrue(L)
}

// efunRestorePlayer hydrates this_object from a saved record and returns
// the recorded location, empty when the player never had one. Moving there
// is the caller's business.
func efunRestorePlayer(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushNilCode(L, code)
	}
	rec, err := b.store.LoadPlayer(sb.context(), L.CheckString(1))
	if err != nil {
		return pushNilCode(L, codeOr(err, "io-error"))
	}
	if rec == nil {
		return pushNilCode(L, "not-found")
	}
	o.ReplaceProps(rec.State.Properties)
	return pushStr(L, rec.Location)
}

func efunPlayerExists(b *Bridge, sb *Sandbox, L *lua.LState) int {
	ok, err := b.store.PlayerExists(sb.context(), L.CheckString(1))
	L.Push(lua.LBool(err == nil && ok))
	return 1
}

func efunListPlayers(b *Bridge, sb *Sandbox, L *lua.LState) int {
	names, err := b.store.ListPlayers(sb.context())
	if err != nil {
		return pushNilCode(L, codeOr(err, "io-error"))
	}
	L.Push(ToLua(L, names))
	return 1
}

func efunDeletePlayer(b *Bridge, sb *Sandbox, L *lua.LState) int {
	if !adminContext(b, sb) {
		return pushFail(L, "permission-denied")
	}
	ok, err := b.store.DeletePlayer(sb.context(), L.CheckString(1))
	if err != nil {
		return pushFail(L, codeOr(err, "io-error"))
	}
	if !ok {
		return pushFail(L, "not-found")
	}
	return pushTrue(L)
}

func efunSaveWorldState(b *Bridge, sb *Sandbox, L *lua.LState) int {
	if err := b.store.SaveWorld(sb.context(), b.BuildWorldState()); err != nil {
		return pushFail(L, codeOr(err, "io-error"))
	}
	return pushTrue(L)
}

// efunLoadWorldState replays the stored snapshot into the registry and
// returns how many objects came back.
func efunLoadWorldState(b *Bridge, sb *Sandbox, L *lua.LState) int {
	ws, err := b.store.LoadWorld(sb.context())
	if err != nil {
		return pushNilCode(L, codeOr(err, "io-error"))
	}
	n, err := b.RestoreWorld(sb.context(), ws)
	if err != nil {
		return pushNilCode(L, codeOr(err, "io-error"))
	}
	L.Push(lua.LNumber(n))
	return 1
}

// tablePayload converts a script table to a record payload. Array-shaped
// tables are rejected so stored data round-trips as named fields; the
// empty table is allowed.
func tablePayload(t *lua.LTable) (map[string]any, bool) {
	switch v := FromLua(t).(type) {
	case map[string]any:
		return v, true
	case []any:
		if len(v) == 0 {
			return map[string]any{}, true
		}
	}
	return nil, false
}

func efunSaveData(b *Bridge, sb *Sandbox, L *lua.LState) int {
	ns := L.CheckString(1)
	key := L.CheckString(2)
	payload, ok := tablePayload(L.CheckTable(3))
	if !ok {
		return pushFail(L, "bad-argument")
	}
	if err := b.store.SaveValue(sb.context(), ns, key, payload); err != nil {
		return pushFail(L, codeOr(err, "io-error"))
	}
	return pushTrue(L)
}

func efunLoadData(b *Bridge, sb *Sandbox, L *lua.LState) int {
	payload, err := b.store.LoadValue(sb.context(), L.CheckString(1), L.CheckString(2))
	if err != nil {
		return pushNilCode(L, codeOr(err, "io-error"))
	}
	if payload == nil {
		return pushNil(L)
	}
	L.Push(ToLua(L, payload))
	return 1
}

func efunDataExists(b *Bridge, sb *Sandbox, L *lua.LState) int {
	ok, err := b.store.ValueExists(sb.context(), L.CheckString(1), L.CheckString(2))
	L.Push(lua.LBool(err == nil && ok))
	return 1
}

func efunDeleteData(b *Bridge, sb *Sandbox, L *lua.LState) int {
	ok, err := b.store.DeleteValue(sb.context(), L.CheckString(1), L.CheckString(2))
	if err != nil {
		return pushFail(L, codeOr(err, "io-error"))
	}
	if !ok {
		return pushFail(L, "not-found")
	}
	return pushTrue(L)
}

func efunListKeys(b *Bridge, sb *Sandbox, L *lua.LState) int {
	keys, err := b.store.ListKeys(sb.context(), L.CheckString(1))
	if err != nil {
		return pushNilCode(L, codeOr(err, "io-error"))
	}
	L.Push(ToLua(L, keys))
	return 1
}
