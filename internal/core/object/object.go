package object

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Kind distinguishes blueprints (one per source path) from clones.
type Kind int

const (
	KindBlueprint Kind = iota
	KindClone
)

func (k Kind) String() string {
	if k == KindClone {
		return "clone"
	}
	return "blueprint"
}

// Cap is a capability bit the core consults for command and messaging
// decisions. Game-level traits belong in the property bag instead.
type Cap uint8

const (
	CapLiving Cap = 1 << iota // can be bound to a connection, receives tells
	CapContainer
	CapReceivable
)

// Action binds a verb to a script function on the owning object's chunk.
// Higher priority fires first; equal priorities fire most-recent first.
type Action struct {
	Verb     string
	Func     string
	Priority int
	seq      uint64
}

// Object is the universal game entity. Containment (environment/inventory)
// is owned by the Registry and only mutated under its lock; everything else
// is guarded by the object's own mutex.
type Object struct {
	path      string
	kind      Kind
	blueprint string

	reg *Registry

	destructed atomic.Bool
	created    atomic.Bool

	mu         sync.Mutex
	short      string
	long       string
	aliases    []string
	props      map[string]any
	actions    []Action
	actionSeq  uint64
	caps       Cap
	heartbeat  bool
	owned      bool
	persistent bool

	// registry-lock guarded
	env *Object
	inv []*Object
}

func newObject(reg *Registry, path string, kind Kind, blueprint string) *Object {
	return &Object{
		path:      path,
		kind:      kind,
		blueprint: blueprint,
		reg:       reg,
		props:     make(map[string]any),
		caps:      CapContainer | CapReceivable,
	}
}

func (o *Object) Path() string          { return o.path }
func (o *Object) Kind() Kind            { return o.kind }
func (o *Object) IsClone() bool         { return o.kind == KindClone }
func (o *Object) BlueprintPath() string { return o.blueprint }

// Destructed reports whether the object has been destructed. Terminal and
// one-way; efuns must treat a destructed reference as dead.
func (o *Object) Destructed() bool { return o.destructed.Load() }

// Created reports whether the creation callback has completed.
func (o *Object) Created() bool { return o.created.Load() }
func (o *Object) MarkCreated()  { o.created.Store(true) }

// --- descriptors ---

func (o *Object) Short() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.short
}

func (o *Object) SetShort(s string) {
	o.mu.Lock()
	o.short = s
	o.mu.Unlock()
}

func (o *Object) Long() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.long
}

func (o *Object) SetLong(s string) {
	o.mu.Lock()
	o.long = s
	o.mu.Unlock()
}

func (o *Object) Aliases() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.aliases))
	copy(out, o.aliases)
	return out
}

func (o *Object) SetAliases(aliases []string) {
	norm := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			norm = append(norm, a)
		}
	}
	o.mu.Lock()
	o.aliases = norm
	o.mu.Unlock()
}

// MatchesAlias reports whether token names this object. Comparison is
// case-insensitive against the alias set.
func (o *Object) MatchesAlias(token string) bool {
	token = strings.ToLower(token)
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.aliases {
		if a == token {
			return true
		}
	}
	return false
}

// --- property bag ---

func (o *Object) SetProp(key string, v any) {
	o.mu.Lock()
	if v == nil {
		delete(o.props, key)
	} else {
		o.props[key] = v
	}
	o.mu.Unlock()
}

func (o *Object) Prop(key string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.props[key]
	return v, ok
}

func (o *Object) DelProp(key string) {
	o.mu.Lock()
	delete(o.props, key)
	o.mu.Unlock()
}

// Props returns a shallow copy of the property mapping.
func (o *Object) Props() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]any, len(o.props))
	for k, v := range o.props {
		out[k] = v
	}
	return out
}

// ReplaceProps swaps the whole property mapping (save-record hydration).
func (o *Object) ReplaceProps(props map[string]any) {
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	o.mu.Lock()
	o.props = cp
	o.mu.Unlock()
}

// --- actions ---

// AddAction registers a verb handler. Re-adding an existing verb/function
// pair refreshes its priority and recency instead of duplicating it.
func (o *Object) AddAction(verb, fn string, priority int) {
	verb = strings.ToLower(strings.TrimSpace(verb))
	if verb == "" || fn == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actionSeq++
	for i := range o.actions {
		if o.actions[i].Verb == verb && o.actions[i].Func == fn {
			o.actions[i].Priority = priority
			o.actions[i].seq = o.actionSeq
			return
		}
	}
	o.actions = append(o.actions, Action{Verb: verb, Func: fn, Priority: priority, seq: o.actionSeq})
}

// RemoveAction drops every handler registered for verb.
func (o *Object) RemoveAction(verb string) bool {
	verb = strings.ToLower(verb)
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.actions[:0]
	removed := false
	for _, a := range o.actions {
		if a.Verb == verb {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	o.actions = kept
	return removed
}

// ActionsFor returns the handlers for verb, best-first: highest priority,
// then most recently added.
func (o *Object) ActionsFor(verb string) []Action {
	verb = strings.ToLower(verb)
	o.mu.Lock()
	var out []Action
	for _, a := range o.actions {
		if a.Verb == verb {
			out = append(out, a)
		}
	}
	o.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq > out[j].seq
	})
	return out
}

// Verbs returns the distinct verbs with at least one handler.
func (o *Object) Verbs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]bool, len(o.actions))
	var out []string
	for _, a := range o.actions {
		if !seen[a.Verb] {
			seen[a.Verb] = true
			out = append(out, a.Verb)
		}
	}
	return out
}

// --- flags ---

func (o *Object) HasCap(c Cap) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.caps&c != 0
}

func (o *Object) SetCap(c Cap, on bool) {
	o.mu.Lock()
	if on {
		o.caps |= c
	} else {
		o.caps &^= c
	}
	o.mu.Unlock()
}

func (o *Object) HeartbeatEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heartbeat
}

// SetHeartbeat records the subscription flag; the scheduler holds the live
// subscription set and must be updated alongside.
func (o *Object) SetHeartbeat(on bool) {
	o.mu.Lock()
	o.heartbeat = on
	o.mu.Unlock()
}

// Owned marks the object as belonging to its container: a destructed
// container takes owned contents down with it.
func (o *Object) Owned() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owned
}

func (o *Object) SetOwned(on bool) {
	o.mu.Lock()
	o.owned = on
	o.mu.Unlock()
}

// Persistent marks a clone for inclusion in world snapshots.
func (o *Object) Persistent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persistent
}

func (o *Object) SetPersistent(on bool) {
	o.mu.Lock()
	o.persistent = on
	o.mu.Unlock()
}

// Environment returns the containing object, or nil for root objects.
func (o *Object) Environment() *Object {
	if o.reg == nil {
		return nil
	}
	o.reg.mu.RLock()
	defer o.reg.mu.RUnlock()
	return o.env
}

// Inventory returns the contained objects in insertion order.
func (o *Object) Inventory() []*Object {
	if o.reg == nil {
		return nil
	}
	o.reg.mu.RLock()
	defer o.reg.mu.RUnlock()
	out := make([]*Object, len(o.inv))
	copy(out, o.inv)
	return out
}
