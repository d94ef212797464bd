package sandbox

import (
	"runtime"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/jasona/mudforge/internal/core/object"
)

// efunFunc is the host side of one efun. It follows the lua.LGFunction
// calling convention with the bridge and owning sandbox bound in.
type efunFunc func(b *Bridge, sb *Sandbox, L *lua.LState) int

// efuns is the global surface installed into every sandbox. Files in this
// package register their slice of it from init.
var efuns = map[string]efunFunc{}

func registerEfuns(set map[string]efunFunc) {
	for name, fn := range set {
		if _, dup := efuns[name]; dup {
			panic("duplicate efun " + name)
		}
		efuns[name] = fn
	}
}

// Return conventions: mutators push true or false+code, creators push a
// path or nil+code, probes push a value or nil.

func pushTrue(L *lua.LState) int {
	L.Push(lua.LTrue)
	return 1
}

func pushFail(L *lua.LState, code string) int {
	L.Push(lua.LFalse)
	L.Push(lua.LString(code))
	return 2
}

func pushStr(L *lua.LState, s string) int {
	L.Push(lua.LString(s))
	return 1
}

func pushNil(L *lua.LState) int {
	L.Push(lua.LNil)
	return 1
}

func pushNilCode(L *lua.LState, code string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(code))
	return 2
}

// mustThis resolves the current frame's object. Efuns that mutate state
// need a live one.
func mustThis(b *Bridge, sb *Sandbox) (*object.Object, string) {
	o := b.thisObject(sb)
	if o == nil {
		return nil, "not-found"
	}
	if o.Destructed() {
		return nil, "destructed"
	}
	return o, ""
}

// optTarget resolves an optional leading path argument, falling back to
// this_object. Query efuns use it so scripts can inspect peers.
func optTarget(b *Bridge, sb *Sandbox, L *lua.LState, idx int) *object.Object {
	if s, ok := L.Get(idx).(lua.LString); ok {
		return b.resolve(string(s))
	}
	return b.thisObject(sb)
}

func pathList(objs []*object.Object) []any {
	out := make([]any, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Path())
	}
	return out
}

func init() {
	registerEfuns(map[string]efunFunc{
		"load_object":    efunLoadObject,
		"clone_object":   efunCloneObject,
		"destruct":       efunDestruct,
		"find_object":    efunFindObject,
		"move_object":    efunMoveObject,
		"environment":    efunEnvironment,
		"all_inventory":  efunAllInventory,
		"deep_inventory": efunDeepInventory,
		"this_object":    efunThisObject,
		"this_player":    efunThisPlayer,
		"destructed":     efunDestructed,
		"interactive":    efunInteractive,
		"call_other":     efunCallOther,
		"present":        efunPresent,

		"set_short":      efunSetShort,
		"query_short":    efunQueryShort,
		"set_long":       efunSetLong,
		"query_long":     efunQueryLong,
		"set_aliases":    efunSetAliases,
		"query_aliases":  efunQueryAliases,
		"set_prop":       efunSetProp,
		"query_prop":     efunQueryProp,
		"del_prop":       efunDelProp,
		"query_props":    efunQueryProps,
		"add_action":     efunAddAction,
		"remove_action":  efunRemoveAction,
		"set_owned":      efunSetOwned,
		"set_persistent": efunSetPersistent,

		"objects":      efunObjects,
		"object_stats": efunObjectStats,
		"memory_stats": efunMemoryStats,
	})
}

// --- lifecycle ---

func efunLoadObject(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, err := b.LoadObject(sb.context(), sb, L.CheckString(1))
	if err != nil {
		b.warnScript(err)
		return pushNilCode(L, codeOr(err, "no-script"))
	}
	return pushStr(L, o.Path())
}

func efunCloneObject(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, err := b.CloneObject(sb.context(), sb, L.CheckString(1))
	if err != nil {
		b.warnScript(err)
		return pushNilCode(L, codeOr(err, "no-script"))
	}
	return pushStr(L, o.Path())
}

func efunDestruct(b *Bridge, sb *Sandbox, L *lua.LState) int {
	var o *object.Object
	if L.GetTop() >= 1 {
		o = b.resolve(L.CheckString(1))
	} else {
		o = b.thisObject(sb)
	}
	if o == nil {
		return pushFail(L, "not-found")
	}
	if err := b.DestructObject(sb.context(), sb, o); err != nil {
		return pushFail(L, codeOr(err, "destructed"))
	}
	return pushTrue(L)
}

func efunFindObject(b *Bridge, _ *Sandbox, L *lua.LState) int {
	if o := b.resolve(L.CheckString(1)); o != nil {
		return pushStr(L, o.Path())
	}
	return pushNil(L)
}

// efunMoveObject moves this_object with one argument, or a named object
// with two. Blueprint destinations load on demand.
func efunMoveObject(b *Bridge, sb *Sandbox, L *lua.LState) int {
	var o *object.Object
	destArg := 1
	if L.GetTop() >= 2 {
		o = b.resolve(L.CheckString(1))
		destArg = 2
	} else {
		o = b.thisObject(sb)
	}
	if o == nil {
		return pushFail(L, "not-found")
	}
	destPath := L.CheckString(destArg)
	dest := b.resolve(destPath)
	if dest == nil {
		var err error
		dest, err = b.LoadObject(sb.context(), sb, destPath)
		if err != nil {
			b.warnScript(err)
			return pushFail(L, codeOr(err, "not-found"))
		}
	}
	if err := b.reg.Move(o, dest); err != nil {
		return pushFail(L, codeOr(err, "bad-path"))
	}
	return pushTrue(L)
}

func efunEnvironment(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	if env := o.Environment(); env != nil {
		return pushStr(L, env.Path())
	}
	return pushNil(L)
}

func efunAllInventory(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	L.Push(ToLua(L, pathList(o.Inventory())))
	return 1
}

func efunDeepInventory(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	L.Push(ToLua(L, pathList(b.reg.DeepInventory(o))))
	return 1
}

func efunThisObject(_ *Bridge, sb *Sandbox, L *lua.LState) int {
	if f := sb.frame(); f.This != "" {
		return pushStr(L, f.This)
	}
	return pushNil(L)
}

func efunThisPlayer(_ *Bridge, sb *Sandbox, L *lua.LState) int {
	if f := sb.frame(); f.Player != "" {
		return pushStr(L, f.Player)
	}
	return pushNil(L)
}

func efunDestructed(b *Bridge, _ *Sandbox, L *lua.LState) int {
	L.Push(lua.LBool(b.resolve(L.CheckString(1)) == nil))
	return 1
}

func efunInteractive(b *Bridge, sb *Sandbox, L *lua.LState) int {
	var o *object.Object
	if _, ok := L.Get(1).(lua.LString); ok {
		o = optTarget(b, sb, L, 1)
	} else {
		o = b.thisPlayer(sb)
	}
	m := b.Messenger()
	L.Push(lua.LBool(o != nil && m != nil && m.Interactive(o.Path())))
	return 1
}

// efunCallOther invokes a function on another object inside the current
// sandbox, sharing its deadline. The callee sees itself as this_object.
func efunCallOther(b *Bridge, sb *Sandbox, L *lua.LState) int {
	target := L.CheckString(1)
	fn := L.CheckString(2)
	o := b.resolve(target)
	if o == nil {
		var err error
		if o, err = b.LoadObject(sb.context(), sb, target); err != nil {
			b.warnScript(err)
			return pushNilCode(L, codeOr(err, "not-found"))
		}
	}
	args := make([]any, 0, L.GetTop()-2)
	for i := 3; i <= L.GetTop(); i++ {
		args = append(args, FromLua(L.Get(i)))
	}
	v, err := sb.call(sb.context(), Invocation{
		Object: o.Path(),
		Func:   fn,
		Args:   args,
		Player: sb.frame().Player,
	})
	if err != nil {
		b.warnScript(err)
		return pushNilCode(L, codeOr(err, "uncaught-exception"))
	}
	L.Push(ToLua(L, v))
	return 1
}

// splitOrdinal peels a trailing ordinal off a present() token, so
// "sword 2" matches the second sword.
func splitOrdinal(token string) (string, int) {
	i := strings.LastIndexByte(token, ' ')
	if i < 0 {
		return token, 1
	}
	n, err := strconv.Atoi(token[i+1:])
	if err != nil || n < 1 {
		return token, 1
	}
	return strings.TrimSpace(token[:i]), n
}

func matchInventory(inv []*object.Object, name string, nth int) *object.Object {
	for _, o := range inv {
		if o.Destructed() {
			continue
		}
		if o.MatchesAlias(name) {
			nth--
			if nth == 0 {
				return o
			}
		}
	}
	return nil
}

// efunPresent finds an object by alias token. With a second argument it
// searches that object's inventory; otherwise this_object's inventory and
// then its environment.
func efunPresent(b *Bridge, sb *Sandbox, L *lua.LState) int {
	name, nth := splitOrdinal(strings.ToLower(strings.TrimSpace(L.CheckString(1))))
	if name == "" {
		return pushNil(L)
	}
	if L.GetTop() >= 2 {
		where := b.resolve(L.CheckString(2))
		if where == nil {
			return pushNil(L)
		}
		if o := matchInventory(where.Inventory(), name, nth); o != nil {
			return pushStr(L, o.Path())
		}
		return pushNil(L)
	}
	this := b.thisObject(sb)
	if this == nil {
		return pushNil(L)
	}
	if o := matchInventory(this.Inventory(), name, nth); o != nil {
		return pushStr(L, o.Path())
	}
	if env := this.Environment(); env != nil {
		if o := matchInventory(env.Inventory(), name, nth); o != nil {
			return pushStr(L, o.Path())
		}
	}
	return pushNil(L)
}

// --- descriptors, properties, actions ---

func efunSetShort(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	o.SetShort(L.CheckString(1))
	return pushTrue(L)
}

func efunQueryShort(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	return pushStr(L, o.Short())
}

func efunSetLong(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	o.SetLong(L.CheckString(1))
	return pushTrue(L)
}

func efunQueryLong(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	return pushStr(L, o.Long())
}

func efunSetAliases(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	raw := FromLua(L.CheckTable(1))
	list, ok := raw.([]any)
	if !ok {
		return pushFail(L, "bad-argument")
	}
	aliases := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return pushFail(L, "bad-argument")
		}
		aliases = append(aliases, s)
	}
	o.SetAliases(aliases)
	return pushTrue(L)
}

func efunQueryAliases(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	aliases := o.Aliases()
	out := make([]any, len(aliases))
	for i, a := range aliases {
		out[i] = a
	}
	L.Push(ToLua(L, out))
	return 1
}

func efunSetProp(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	key := L.CheckString(1)
	if key == "" {
		return pushFail(L, "bad-argument")
	}
	o.SetProp(key, FromLua(L.Get(2)))
	return pushTrue(L)
}

// efunQueryProp reads a property: query_prop(key) on this_object, or
// query_prop(path, key) on a named one.
func efunQueryProp(b *Bridge, sb *Sandbox, L *lua.LState) int {
	var o *object.Object
	keyArg := 1
	if L.GetTop() >= 2 {
		o = optTarget(b, sb, L, 1)
		keyArg = 2
	} else {
		o = b.thisObject(sb)
	}
	if o == nil {
		return pushNil(L)
	}
	v, ok := o.Prop(L.CheckString(keyArg))
	if !ok {
		return pushNil(L)
	}
	L.Push(ToLua(L, v))
	return 1
}

func efunDelProp(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	o.DelProp(L.CheckString(1))
	return pushTrue(L)
}

func efunQueryProps(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o := optTarget(b, sb, L, 1)
	if o == nil {
		return pushNil(L)
	}
	L.Push(ToLua(L, o.Props()))
	return 1
}

func efunAddAction(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	verb := strings.ToLower(strings.TrimSpace(L.CheckString(1)))
	fn := L.CheckString(2)
	if verb == "" || fn == "" {
		return pushFail(L, "bad-argument")
	}
	priority := 0
	if L.GetTop() >= 3 {
		priority = int(L.CheckNumber(3))
	}
	o.AddAction(verb, fn, priority)
	return pushTrue(L)
}

func efunRemoveAction(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	verb := strings.ToLower(strings.TrimSpace(L.CheckString(1)))
	if !o.RemoveAction(verb) {
		return pushFail(L, "not-found")
	}
	return pushTrue(L)
}

func efunSetOwned(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	o.SetOwned(lua.LVAsBool(L.Get(1)))
	return pushTrue(L)
}

func efunSetPersistent(b *Bridge, sb *Sandbox, L *lua.LState) int {
	o, code := mustThis(b, sb)
	if o == nil {
		return pushFail(L, code)
	}
	o.SetPersistent(lua.LVAsBool(L.Get(1)))
	return pushTrue(L)
}

// --- introspection ---

func efunObjects(b *Bridge, _ *Sandbox, L *lua.LState) int {
	objs := b.reg.All()
	paths := make([]string, 0, len(objs))
	for _, o := range objs {
		if !o.Destructed() {
			paths = append(paths, o.Path())
		}
	}
	sort.Strings(paths)
	out := make([]any, len(paths))
	for i, p := range paths {
		out[i] = p
	}
	L.Push(ToLua(L, out))
	return 1
}

func efunObjectStats(b *Bridge, _ *Sandbox, L *lua.LState) int {
	blueprints, clones := b.reg.Counts()
	largest := make([]any, 0, 10)
	for _, e := range b.reg.LargestInventories(10) {
		largest = append(largest, map[string]any{
			"path":  e.Path,
			"count": e.Count,
		})
	}
	L.Push(ToLua(L, map[string]any{
		"blueprints": blueprints,
		"clones":     clones,
		"total":      blueprints + clones,
		"largest":    largest,
	}))
	return 1
}

func efunMemoryStats(b *Bridge, _ *Sandbox, L *lua.LState) int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := map[string]any{
		"heap_alloc_bytes": ms.HeapAlloc,
		"heap_sys_bytes":   ms.HeapSys,
		"num_gc":           int(ms.NumGC),
		"goroutines":       runtime.NumGoroutine(),
		"sandboxes":        b.pool.Size(),
		"sandboxes_idle":   b.pool.Idle(),
		"scripts_cached":   b.scripts.Cached(),
	}
	if t := b.Timers(); t != nil {
		heartbeats, pending := t.Stats()
		stats["heartbeats"] = heartbeats
		stats["callouts"] = pending
	}
	L.Push(ToLua(L, stats))
	return 1
}
