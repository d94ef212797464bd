package sandbox

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/jasona/mudforge/internal/core/event"
	"github.com/jasona/mudforge/internal/perm"
)

func init() {
	registerEfuns(map[string]efunFunc{
		"check_read_perm":  efunCheckReadPerm,
		"check_write_perm": efunCheckWritePerm,
		"query_perm_level": efunQueryPermLevel,
		"set_perm_level":   efunSetPermLevel,
		"save_permissions": efunSavePermissions,
		"shutdown_driver":  efunShutdownDriver,
	})
}

// adminContext reports whether the current invocation may use gated efuns:
// an admin-level player, or no player at all, which means the driver
// itself is calling (boot hooks, internal callouts).
func adminContext(b *Bridge, sb *Sandbox) bool {
	name := b.principal(sb)
	return name == "" || b.perms.Level(name) >= perm.LevelAdmin
}

func efunCheckReadPerm(b *Bridge, sb *Sandbox, L *lua.LState) int {
	name := b.principal(sb)
	L.Push(lua.LBool(name == "" || b.perms.CanRead(name, L.CheckString(1))))
	return 1
}

func efunCheckWritePerm(b *Bridge, sb *Sandbox, L *lua.LState) int {
	name := b.principal(sb)
	L.Push(lua.LBool(name == "" || b.perms.CanWrite(name, L.CheckString(1))))
	return 1
}

// efunQueryPermLevel reads a player's level, defaulting to the acting
// player.
func efunQueryPermLevel(b *Bridge, sb *Sandbox, L *lua.LState) int {
	name := ""
	if s, ok := L.Get(1).(lua.LString); ok {
		name = string(s)
	} else {
		name = b.principal(sb)
	}
	if name == "" {
		return pushNil(L)
	}
	L.Push(lua.LNumber(b.perms.Level(name)))
	return 1
}

func efunSetPermLevel(b *Bridge, sb *Sandbox, L *lua.LState) int {
	if !adminContext(b, sb) {
		return pushFail(L, "permission-denied")
	}
	name := L.CheckString(1)
	level := L.CheckNumber(2)
	if name == "" {
		return pushFail(L, "bad-name")
	}
	if level != lua.LNumber(int(level)) || level < lua.LNumber(perm.LevelPlayer) || level > lua.LNumber(perm.LevelAdmin) {
		return pushFail(L, "bad-argument")
	}
	b.perms.SetLevel(name, perm.Level(level))
	return pushTrue(L)
}

func efunSavePermissions(b *Bridge, sb *Sandbox, L *lua.LState) int {
	if !adminContext(b, sb) {
		return pushFail(L, "permission-denied")
	}
	if err := b.store.SavePermissions(sb.context(), b.perms.Snapshot()); err != nil {
		return pushFail(L, codeOr(err, "io-error"))
	}
	return pushTrue(L)
}

// efunShutdownDriver asks the driver to stop. The actual teardown happens
// outside the sandbox; scripts only raise the event.
func efunShutdownDriver(b *Bridge, sb *Sandbox, L *lua.LState) int {
	if !adminContext(b, sb) {
		return pushFail(L, "permission-denied")
	}
	reason := ""
	if s, ok := L.Get(1).(lua.LString); ok {
		reason = string(s)
	}
	event.Emit(b.events, event.ShutdownRequested{Reason: reason})
	return pushTrue(L)
}
