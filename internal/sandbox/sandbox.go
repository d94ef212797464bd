package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/jasona/mudforge/internal/core/object"
)

// Frame is the ambient call context every efun sees: the object whose chunk
// is running and the player on whose behalf it runs. Both are paths,
// re-resolved through the registry on use so dead objects fail soft.
type Frame struct {
	This   string
	Player string
}

// Sandbox is one isolated Lua VM. Invocations on it are strictly serial;
// parallelism only exists across pool members. A sandbox that trips the
// memory cap or the wall-clock timeout is marked broken and replaced on
// release.
type Sandbox struct {
	id int
	br *Bridge
	vm *lua.LState

	modules map[string]cachedModule
	frames  []Frame
	ctx     context.Context
	broken  bool
}

type cachedModule struct {
	table   *lua.LTable
	version uint64
}

// registrySlotBytes approximates one Lua registry slot; gopher-lua caps
// allocation in slots, not bytes, so the configured MiB budget is converted.
const registrySlotBytes = 32

func newSandbox(br *Bridge, id int) *Sandbox {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistryMaxSize: br.memoryMiB * (1 << 20) / registrySlotBytes,
		CallStackSize:   256,
	})

	// Only the safe subset of the stdlib: no io, no os.
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := vm.CallByParam(lua.P{
			Fn:      vm.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			panic(fmt.Sprintf("open lua lib %s: %v", lib.name, err))
		}
	}

	sb := &Sandbox{
		id:      id,
		br:      br,
		vm:      vm,
		modules: make(map[string]cachedModule),
	}
	br.install(sb)
	return sb
}

func (sb *Sandbox) close() {
	sb.vm.Close()
}

// frame returns the innermost context frame, or a zero frame outside any
// invocation.
func (sb *Sandbox) frame() Frame {
	if len(sb.frames) == 0 {
		return Frame{}
	}
	return sb.frames[len(sb.frames)-1]
}

// context returns the active invocation's context.
func (sb *Sandbox) context() context.Context {
	if sb.ctx != nil {
		return sb.ctx
	}
	return context.Background()
}

// module evaluates the chunk for a blueprint path into this sandbox,
// reusing the cached module table while its compiled version is current.
func (sb *Sandbox) module(bp string) (*lua.LTable, error) {
	proto, version, err := sb.br.scripts.Load(bp)
	if err != nil {
		return nil, err
	}
	if m, ok := sb.modules[bp]; ok && m.version == version {
		return m.table, nil
	}
	sb.vm.Push(sb.vm.NewFunctionFromProto(proto))
	if err := sb.vm.PCall(0, 1, nil); err != nil {
		return nil, sb.classify(err, bp, "(chunk)")
	}
	ret := sb.vm.Get(-1)
	sb.vm.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("chunk %s returned %s, want a module table", bp, ret.Type())
	}
	sb.modules[bp] = cachedModule{table: tbl, version: version}
	return tbl, nil
}

// call runs one script function. The outermost call on a sandbox arms the
// wall-clock timeout; nested calls (call_other, clone creation) share the
// outer deadline, so a whole invocation is one budget. The context frame is
// pushed for the duration and restored on every exit path.
func (sb *Sandbox) call(ctx context.Context, inv Invocation) (any, error) {
	if len(sb.frames) == 0 {
		cctx, cancel := context.WithTimeout(ctx, sb.br.timeout)
		defer cancel()
		sb.ctx = cctx
		sb.vm.SetContext(cctx)
		defer func() {
			sb.vm.RemoveContext()
			sb.ctx = nil
		}()
	}

	bp, _, _ := object.SplitClonePath(inv.Object)
	mod, err := sb.module(bp)
	if err != nil {
		return nil, err
	}
	fn, ok := mod.RawGetString(inv.Func).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrNoFunction, bp, inv.Func)
	}

	sb.frames = append(sb.frames, Frame{This: inv.Object, Player: inv.Player})
	defer func() {
		sb.frames = sb.frames[:len(sb.frames)-1]
	}()

	args := make([]lua.LValue, len(inv.Args))
	for i, a := range inv.Args {
		args[i] = ToLua(sb.vm, a)
	}
	if err := sb.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, args...); err != nil {
		return nil, sb.classify(err, inv.Object, inv.Func)
	}
	ret := sb.vm.Get(-1)
	sb.vm.Pop(1)
	return FromLua(ret), nil
}

// classify turns a raw VM error into the typed taxonomy. Timeouts and the
// memory cap poison the VM, so both mark the sandbox for recycling.
func (sb *Sandbox) classify(err error, objPath, fn string) error {
	if sb.ctx != nil && sb.ctx.Err() != nil {
		sb.broken = true
		if errors.Is(sb.ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s:%s", ErrTimeout, objPath, fn)
		}
		return fmt.Errorf("invocation cancelled: %s:%s: %w", objPath, fn, sb.ctx.Err())
	}

	msg := err.Error()
	stack := ""
	var ae *lua.ApiError
	if errors.As(err, &ae) {
		if ae.Object != nil {
			msg = ae.Object.String()
		}
		stack = ae.StackTrace
	}
	if strings.Contains(msg, "registry overflow") {
		sb.broken = true
		return fmt.Errorf("%w: %s:%s", ErrMemoryExhausted, objPath, fn)
	}
	return &ScriptError{
		Sandbox: sb.id,
		Object:  objPath,
		Func:    fn,
		Message: msg,
		Stack:   stack,
	}
}
