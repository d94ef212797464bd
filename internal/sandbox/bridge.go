// Package sandbox executes mudlib chunks inside pooled, resource-capped Lua
// VMs and exposes the driver's host API (efuns) to them. The bridge is the
// only way script code reaches the registry, the scheduler, persistence,
// permissions, messaging, and integrations.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
	"github.com/jasona/mudforge/internal/core/event"
	"github.com/jasona/mudforge/internal/core/object"
	"github.com/jasona/mudforge/internal/perm"
	"github.com/jasona/mudforge/internal/persist"
)

// Invocation names one script function call: the object whose chunk runs,
// the function inside its module table, decoded arguments, and the player
// the call is on behalf of ("" for driver-internal entries).
type Invocation struct {
	Object string
	Func   string
	Args   []any
	Player string
}

// CalloutPayload is what the call_out efun parks in the scheduler: the
// captured player context plus the script-supplied arguments.
type CalloutPayload struct {
	Player string
	Args   []any
}

// Messenger delivers text and GUI frames to connections bound to player
// objects. The connection manager implements it.
type Messenger interface {
	Tell(playerPath, text string) bool
	TellGUI(playerPath, tag string, payload map[string]any) bool
	Broadcast(text string)
	Interactive(playerPath string) bool
	Players() []string
}

// Timers is the scheduler surface the efuns need.
type Timers interface {
	CallOut(object, fn string, delay time.Duration, payload any) uint64
	RemoveCallOut(id uint64) bool
	SetHeartbeat(path string, on bool)
	Subscribed(path string) bool
	PruneObject(path string)
	Stats() (heartbeats, pending int)
}

// Services is the integration registry surface the efuns need.
type Services interface {
	Available(name string) bool
	Call(ctx context.Context, name string, req map[string]any) (map[string]any, error)
}

// Bridge owns the sandbox pool and the efun surface. Collaborators that are
// built after the bridge (scheduler, connection manager, integrations) are
// bound late; efuns fail soft while they are absent.
type Bridge struct {
	log    *zap.Logger
	reg    *object.Registry
	perms  *perm.Table
	store  persist.Store
	events *event.Bus

	mudlib    config.MudlibConfig
	timeout   time.Duration
	memoryMiB int

	scripts *Scripts
	pool    *Pool

	mu       sync.RWMutex
	timers   Timers
	msgr     Messenger
	services Services
}

func New(cfg *config.Config, reg *object.Registry, perms *perm.Table, store persist.Store, events *event.Bus, log *zap.Logger) *Bridge {
	b := &Bridge{
		log:       log,
		reg:       reg,
		perms:     perms,
		store:     store,
		events:    events,
		mudlib:    cfg.Mudlib,
		timeout:   cfg.Sandbox.Timeout,
		memoryMiB: cfg.Sandbox.MemoryMiB,
	}
	b.scripts = NewScripts(cfg.Mudlib.Path, log)
	b.pool = newPool(b, cfg.Sandbox.PoolSize, cfg.Sandbox.AcquireGrace, log)
	return b
}

func (b *Bridge) BindTimers(t Timers) {
	b.mu.Lock()
	b.timers = t
	b.mu.Unlock()
}

func (b *Bridge) BindMessenger(m Messenger) {
	b.mu.Lock()
	b.msgr = m
	b.mu.Unlock()
}

func (b *Bridge) BindServices(s Services) {
	b.mu.Lock()
	b.services = s
	b.mu.Unlock()
}

func (b *Bridge) Timers() Timers {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.timers
}

func (b *Bridge) Messenger() Messenger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.msgr
}

func (b *Bridge) Services() Services {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.services
}

// Scripts exposes the chunk cache, for the hot-reload watcher.
func (b *Bridge) Scripts() *Scripts {
	return b.scripts
}

// Registry exposes the object registry the bridge mutates.
func (b *Bridge) Registry() *object.Registry {
	return b.reg
}

// Perms exposes the permission table.
func (b *Bridge) Perms() *perm.Table {
	return b.perms
}

// Store exposes the persistence adapter.
func (b *Bridge) Store() persist.Store {
	return b.store
}

// Events exposes the driver event bus.
func (b *Bridge) Events() *event.Bus {
	return b.events
}

// Mudlib exposes the mudlib path wiring.
func (b *Bridge) Mudlib() config.MudlibConfig {
	return b.mudlib
}

// Close tears the pool down. In-flight invocations finish first.
func (b *Bridge) Close() {
	b.pool.Close()
}

// Invoke runs one script function, acquiring a sandbox under the configured
// grace. Command dispatch and direct driver calls come through here.
func (b *Bridge) Invoke(ctx context.Context, inv Invocation) (any, error) {
	sb, err := b.pool.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.log.Warn("sandbox acquire failed",
				zap.String("object", inv.Object),
				zap.String("func", inv.Func),
				zap.Error(err))
		}
		return nil, err
	}
	defer b.pool.Release(sb)
	return b.run(ctx, sb, inv)
}

// DispatchScript acquires a sandbox with no grace cap, blocking until
// capacity frees, then runs the invocation on its own goroutine. done is
// called exactly once. The scheduler's dispatch loop calls this in order,
// which is how pool saturation becomes backpressure instead of drops.
func (b *Bridge) DispatchScript(ctx context.Context, inv Invocation, done func(error)) {
	sb, err := b.pool.AcquireWait(ctx)
	if err != nil {
		done(err)
		return
	}
	go func() {
		defer b.pool.Release(sb)
		_, err := b.run(ctx, sb, inv)
		done(err)
	}()
}

/// run is the invocation boundary: script failures are logged here with the
// sandbox id and Lua stack, then surfaced as typed errors. Missing chunks
// and missing functions are the caller's business and stay quiet.
func (b *Bridge) run(ctx context.Context, sb *Sandbox, inv Invocation) (any, error) {
	v, err := sb.call(ctx, inv)
	if err != nil && !errors.Is(err, ErrNoFunction) && !errors.Is(err, ErrNoScript) {
		fields := []zap.Field{
			zap.Int("sandbox", sb.id),
			zap.String("object", inv.Object),
			zap.String("func", inv.Func),
			zap.Error(err),
		}
		var se *ScriptError
		if errors.As(err, &se) && se.Stack != "" {
			fields = append(fields, zap.String("stack", se.Stack))
		}
		b.log.Error("invocation failed", fields...)
	}
	return v, err
}

// enter runs an invocation inside the current sandbox when there is one
// (nested efun calls share the caller's VM and deadline) and acquires
// otherwise.
func (b *Bridge) enter(ctx context.Context, sb *Sandbox, inv Invocation) (any, error) {
	if sb != nil {
		return sb.call(sb.context(), inv)
	}
	return b.Invoke(ctx, inv)
}

// warnScript records a nested script failure that an efun is about to
// swallow into a false result.
func (b *Bridge) warnScript(err error) {
	var se *ScriptError
	if errors.As(err, &se) {
		b.log.Warn("nested invocation failed",
			zap.Int("sandbox", se.Sandbox),
			zap.String("object", se.Object),
			zap.String("func", se.Func),
			zap.String("message", se.Message),
			zap.String("stack", se.Stack))
	}
}

// --- object lifecycle ---

// LoadObject returns the live blueprint for a path, loading its chunk and
// running create() on first use. sb may be nil for driver-side calls.
func (b *Bridge) LoadObject(ctx context.Context, sb *Sandbox, path string) (*object.Object, error) {
	p, err := object.CleanPath(path)
	if err != nil {
		return nil, err
	}
	if o := b.reg.Find(p); o != nil {
		return o, nil
	}
	if !b.scripts.Exists(p) {
		return nil, fmt.Errorf("%w: %s", ErrNoScript, p)
	}
	o, err := b.reg.NewBlueprint(p)
	if err != nil {
		if errors.Is(err, object.ErrDuplicatePath) {
			if cur := b.reg.Find(p); cur != nil {
				return cur, nil
			}
		}
		return nil, err
	}
	if err := b.runCreate(ctx, sb, o); err != nil {
		b.reg.Destruct(o)
		return nil, err
	}
	event.Emit(b.events, event.ObjectLoaded{Path: p})
	return o, nil
}

// CloneObject loads the blueprint if needed, registers a fresh clone, and
// runs its create().
func (b *Bridge) CloneObject(ctx context.Context, sb *Sandbox, blueprint string) (*object.Object, error) {
	bp, err := b.LoadObject(ctx, sb, blueprint)
	if err != nil {
		return nil, err
	}
	c, err := b.reg.NewClone(bp.Path())
	if err != nil {
		return nil, err
	}
	if err := b.runCreate(ctx, sb, c); err != nil {
		b.reg.Destruct(c)
		return nil, err
	}
	return c, nil
}

func (b *Bridge) runCreate(ctx context.Context, sb *Sandbox, o *object.Object) error {
	inv := Invocation{Object: o.Path(), Func: "create", Player: b.framePlayer(sb)}
	_, err := b.enter(ctx, sb, inv)
	if err != nil && !errors.Is(err, ErrNoFunction) {
		b.warnScript(err)
		return err
	}
	o.MarkCreated()
	return nil
}

// DestructObject removes o and runs the cascade policy: owned contents go
// down with it, loose contents fall to its environment, and anything left
// homeless is rehomed to the configured limbo room.
func (b *Bridge) DestructObject(ctx context.Context, sb *Sandbox, o *object.Object) error {
	destroyed, spilled, err := b.reg.Destruct(o)
	if err != nil {
		return err
	}
	if len(spilled) > 0 {
		limbo, lerr := b.LoadObject(ctx, sb, b.mudlib.Limbo)
		for _, s := range spilled {
			if lerr != nil {
				b.log.Warn("no limbo for spilled object",
					zap.String("object", s.Path()),
					zap.Error(lerr))
				continue
			}
			if merr := b.reg.Move(s, limbo); merr != nil {
				b.log.Warn("limbo rehoming failed",
					zap.String("object", s.Path()),
					zap.Error(merr))
			}
		}
	}
	t := b.Timers()
	for _, p := range destroyed {
		if t != nil {
			t.PruneObject(p)
		}
		event.Emit(b.events, event.ObjectDestructed{Path: p})
	}
	return nil
}

// --- context helpers ---

// resolve looks up a script-supplied path, clone markers included. Nil for
// malformed paths and dead objects alike.
func (b *Bridge) resolve(raw string) *object.Object {
	p, err := object.CleanAnyPath(raw)
	if err != nil {
		return nil
	}
	o := b.reg.Find(p)
	if o == nil || o.Destructed() {
		return nil
	}
	return o
}

func (b *Bridge) framePlayer(sb *Sandbox) string {
	if sb == nil {
		return ""
	}
	return sb.frame().Player
}

// thisObject resolves the current frame's object; nil when absent or dead.
func (b *Bridge) thisObject(sb *Sandbox) *object.Object {
	f := sb.frame()
	if f.This == "" {
		return nil
	}
	return b.reg.Find(f.This)
}

// thisPlayer resolves the current frame's player; nil when absent or dead.
func (b *Bridge) thisPlayer(sb *Sandbox) *object.Object {
	f := sb.frame()
	if f.Player == "" {
		return nil
	}
	return b.reg.Find(f.Player)
}

// principal is the permission name the current invocation acts as: the
// player's name property, or "" for driver-internal context, which the
// permission efuns treat as trusted.
func (b *Bridge) principal(sb *Sandbox) string {
	p := b.thisPlayer(sb)
	if p == nil {
		return ""
	}
	name, _ := p.Prop("name")
	s, _ := name.(string)
	return s
}

// --- persistence glue ---

// SavePlayerObject writes o's record under its name property, preserving
// the stored password hash. The login layer owns hash creation.
func (b *Bridge) SavePlayerObject(ctx context.Context, o *object.Object) error {
	nameAny, _ := o.Prop("name")
	name, _ := nameAny.(string)
	if name == "" {
		return fmt.Errorf("%w: object %s has no name property", persist.ErrBadName, o.Path())
	}
	prev, err := b.store.LoadPlayer(ctx, name)
	if err != nil {
		return err
	}
	rec := &persist.PlayerRecord{
		Name: name,
		State: persist.PlayerState{
			Blueprint:  o.BlueprintPath(),
			Properties: o.Props(),
		},
		SavedAt: time.Now().UTC(),
	}
	if prev != nil {
		rec.PasswordHash = prev.PasswordHash
	}
	if env := o.Environment(); env != nil {
		rec.Location = env.Path()
	}
	return b.store.SavePlayer(ctx, rec)
}

// BuildWorldState snapshots every live object flagged persistent.
func (b *Bridge) BuildWorldState() *persist.WorldState {
	ws := persist.NewWorldState()
	for _, o := range b.reg.All() {
		if !o.Persistent() || o.Destructed() {
			continue
		}
		rec := persist.ObjectRecord{
			Path:       o.Path(),
			Blueprint:  o.BlueprintPath(),
			Properties: o.Props(),
			Heartbeat:  o.HeartbeatEnabled(),
		}
		if env := o.Environment(); env != nil {
			rec.Environment = env.Path()
		}
		ws.Objects = append(ws.Objects, rec)
	}
	return ws
}

// RestoreWorld rebuilds a snapshot in two passes: every object first, so
// clone counters advance past restored paths, then the containment edges.
// Individual failures are logged and skipped; the world comes up with what
// survives.
func (b *Bridge) RestoreWorld(ctx context.Context, ws *persist.WorldState) (int, error) {
	if ws == nil || len(ws.Objects) == 0 {
		return 0, nil
	}
	restored := 0
	for _, rec := range ws.Objects {
		o, err := b.restoreObject(ctx, rec)
		if err != nil {
			b.log.Warn("world restore skipped object",
				zap.String("path", rec.Path),
				zap.Error(err))
			continue
		}
		o.ReplaceProps(rec.Properties)
		o.SetPersistent(true)
		if rec.Heartbeat {
			o.SetHeartbeat(true)
			if t := b.Timers(); t != nil {
				t.SetHeartbeat(o.Path(), true)
			}
		}
		restored++
	}
	for _, rec := range ws.Objects {
		if rec.Environment == "" {
			continue
		}
		o := b.reg.Find(rec.Path)
		if o == nil {
			continue
		}
		env := b.reg.Find(rec.Environment)
		if env == nil && !strings.Contains(rec.Environment, "#") {
			var err error
			env, err = b.LoadObject(ctx, nil, rec.Environment)
			if err != nil {
				b.log.Warn("world restore lost environment",
					zap.String("path", rec.Path),
					zap.String("environment", rec.Environment),
					zap.Error(err))
				continue
			}
		}
		if env == nil {
			b.log.Warn("world restore lost environment",
				zap.String("path", rec.Path),
				zap.String("environment", rec.Environment))
			continue
		}
		if err := b.reg.Move(o, env); err != nil {
			b.log.Warn("world restore move failed",
				zap.String("path", rec.Path),
				zap.Error(err))
		}
	}
	b.log.Info("world restored",
		zap.Int("objects", restored),
		zap.Time("saved_at", ws.SavedAt))
	return restored, nil
}

func (b *Bridge) restoreObject(ctx context.Context, rec persist.ObjectRecord) (*object.Object, error) {
	if _, _, isClone := object.SplitClonePath(rec.Path); !isClone {
		return b.LoadObject(ctx, nil, rec.Path)
	}
	if _, err := b.LoadObject(ctx, nil, rec.Blueprint); err != nil {
		return nil, err
	}
	o, err := b.reg.AdoptClone(rec.Path)
	if err != nil {
		return nil, err
	}
	if cerr := b.runCreate(ctx, nil, o); cerr != nil {
		b.reg.Destruct(o)
		return nil, cerr
	}
	return o, nil
}

// SaveAll flushes connected players, the world snapshot, and permissions.
// Auto-save and shutdown both run it; failures are joined, not fatal.
func (b *Bridge) SaveAll(ctx context.Context) error {
	var errs []error
	if m := b.Messenger(); m != nil {
		for _, p := range m.Players() {
			o := b.reg.Find(p)
			if o == nil {
				continue
			}
			if err := b.SavePlayerObject(ctx, o); err != nil {
				errs = append(errs, fmt.Errorf("save player %s: %w", p, err))
			}
		}
	}
	if err := b.store.SaveWorld(ctx, b.BuildWorldState()); err != nil {
		errs = append(errs, fmt.Errorf("save world: %w", err))
	}
	if err := b.store.SavePermissions(ctx, b.perms.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("save permissions: %w", err))
	}
	return errors.Join(errs...)
}

// install wires the efun surface into a fresh sandbox and strips the base
// library of its filesystem escapes.
func (b *Bridge) install(sb *Sandbox) {
	L := sb.vm
	for name, fn := range efuns {
		fn := fn
		L.SetGlobal(name, L.NewFunction(func(L *lua.LState) int {
			return fn(b, sb, L)
		}))
	}
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts[i-1] = L.Get(i).String()
		}
		b.log.Debug("script print",
			zap.String("object", sb.frame().This),
			zap.String("text", strings.Join(parts, "\t")))
		return 0
	}))
}
