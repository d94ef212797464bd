// Package driver assembles the kernel and owns its lifecycle: storage,
// the script bridge, the scheduler, the listeners, and the session layer
// come up in Boot/Run order and go down together in shutdown.
package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jasona/mudforge/internal/config"
	"github.com/jasona/mudforge/internal/core/event"
	"github.com/jasona/mudforge/internal/core/object"
	"github.com/jasona/mudforge/internal/data"
	"github.com/jasona/mudforge/internal/integrations"
	"github.com/jasona/mudforge/internal/net"
	"github.com/jasona/mudforge/internal/perm"
	"github.com/jasona/mudforge/internal/persist"
	"github.com/jasona/mudforge/internal/sandbox"
	"github.com/jasona/mudforge/internal/scheduler"
	"github.com/jasona/mudforge/internal/session"
)

// commandFileName is resolved against the mudlib root at boot.
const commandFileName = "commands.yaml"

// saveBudget bounds a full state flush, periodic and at shutdown alike.
const saveBudget = 30 * time.Second

// errHalted signals a clean, requested stop through the run group.
var errHalted = errors.New("driver halted")

// Driver is the assembled kernel. New wires the collaborators, Boot
// loads the world, Run serves until shutdown, Close releases storage.
type Driver struct {
	cfg *config.Config
	log *zap.Logger

	store    persist.Store
	reg      *object.Registry
	perms    *perm.Table
	events   *event.Bus
	bridge   *sandbox.Bridge
	sched    *scheduler.Scheduler
	conns    *net.Manager
	sess     *session.Manager
	services *integrations.Registry

	tcp *net.TCPServer
	ws  *net.WSServer

	stopOnce sync.Once
	stopCh   chan string
}

func New(cfg *config.Config, log *zap.Logger) (*Driver, error) {
	store, err := openStore(cfg.Persistence, log)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:    cfg,
		log:    log,
		store:  store,
		reg:    object.NewRegistry(),
		perms:  perm.NewTable(),
		events: event.NewBus(),
		stopCh: make(chan string, 1),
	}
	d.bridge = sandbox.New(cfg, d.reg, d.perms, store, d.events, log)
	d.conns = net.NewManager(cfg.Server, log)

	d.sched = scheduler.New(cfg.Scheduler, d.invoke, log)
	d.sched.SetResetLister(d.resetTargets)
	d.bridge.BindTimers(d.sched)

	d.services = integrations.NewRegistry(cfg.Integrations, log)
	d.bridge.BindServices(d.services)

	event.Subscribe(d.events, func(ev event.ShutdownRequested) {
		d.RequestShutdown(ev.Reason)
	})
	return d, nil
}

func openStore(cfg config.PersistenceConfig, log *zap.Logger) (persist.Store, error) {
	switch cfg.Driver {
	case "", "file":
		return persist.NewFileStore(cfg.DataPath, log)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		return persist.NewPostgresStore(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// Bridge exposes the script bridge for embedders and tests.
func (d *Driver) Bridge() *sandbox.Bridge { return d.bridge }

// Integrations exposes the service registry so binaries can register
// handlers before Run.
func (d *Driver) Integrations() *integrations.Registry { return d.services }

// Boot restores persistent state and preloads the bootstrap objects.
// The driver serves with whatever survives; only unreadable permission
// data or a broken command table abort the boot.
func (d *Driver) Boot(ctx context.Context) error {
	if pd, err := d.store.LoadPermissions(ctx); err != nil {
		return fmt.Errorf("load permissions: %w", err)
	} else if pd != nil {
		d.perms.Restore(*pd)
	}

	table, err := data.LoadCommandTable(filepath.Join(d.cfg.Mudlib.Path, commandFileName))
	if err != nil {
		return err
	}
	d.sess = session.New(d.bridge, d.conns, table, d.log)
	d.conns.SetHandler(d.sess)
	d.bridge.BindMessenger(d.conns)

	if _, err := d.bridge.LoadObject(ctx, nil, d.cfg.Mudlib.Master); err != nil {
		d.log.Warn("master object unavailable",
			zap.String("path", d.cfg.Mudlib.Master),
			zap.Error(err))
	} else {
		_, err := d.bridge.Invoke(ctx, sandbox.Invocation{
			Object: d.cfg.Mudlib.Master,
			Func:   "startup",
		})
		if err != nil && !errors.Is(err, sandbox.ErrNoFunction) {
			d.log.Warn("startup hook failed", zap.Error(err))
		}
	}

	if _, err := d.bridge.LoadObject(ctx, nil, d.cfg.Mudlib.Start); err != nil {
		d.log.Warn("start room unavailable",
			zap.String("path", d.cfg.Mudlib.Start),
			zap.Error(err))
	}

	if ws, err := d.store.LoadWorld(ctx); err != nil {
		d.log.Warn("world snapshot unreadable", zap.Error(err))
	} else if ws != nil {
		if _, err := d.bridge.RestoreWorld(ctx, ws); err != nil {
			d.log.Warn("world restore incomplete", zap.Error(err))
		}
	}

	d.log.Info("boot complete",
		zap.String("mudlib", d.cfg.Mudlib.Path),
		zap.Int("commands", table.Count()))
	return nil
}

// Run serves until the context is cancelled or a shutdown is requested,
// then drains and saves. Boot must have succeeded first.
func (d *Driver) Run(ctx context.Context) error {
	tcp, err := net.NewTCPServer(d.cfg.Server.Addr(), d.conns, d.cfg.Server.MaxLineBytes, d.log)
	if err != nil {
		return err
	}
	d.tcp = tcp
	if d.cfg.Server.WSPort != 0 {
		d.ws = net.NewWSServer(d.cfg.Server.WSAddr(), d.cfg.Server.WSPath,
			d.conns, d.cfg.Server.MaxLineBytes, d.cfg.Logging.HTTPRequests, d.log)
	}

	d.sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(d.tcp.Serve)
	if d.ws != nil {
		g.Go(d.ws.Serve)
	}
	if d.cfg.Dev.HotReload {
		g.Go(func() error { return d.watchScripts(gctx) })
	}
	g.Go(func() error {
		var reason string
		select {
		case <-gctx.Done():
			reason = "interrupt"
		case reason = <-d.stopCh:
		}
		d.shutdown(reason)
		return errHalted
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errHalted) {
		return err
	}
	return nil
}

// RequestShutdown asks Run to stop. The first reason wins; later calls
// are no-ops. Safe from any goroutine, including script efuns.
func (d *Driver) RequestShutdown(reason string) {
	d.stopOnce.Do(func() { d.stopCh <- reason })
}

// shutdown is the single orderly-stop path: notify, stop timers, flush
// state while players are still bound, then take the listeners and
// connections down.
func (d *Driver) shutdown(reason string) {
	d.log.Info("driver shutting down", zap.String("reason", reason))
	d.conns.Broadcast("The world fades: " + reason)

	d.sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), saveBudget)
	defer cancel()
	if err := d.bridge.SaveAll(ctx); err != nil {
		d.log.Warn("final save incomplete", zap.Error(err))
	}

	d.tcp.Shutdown()
	if d.ws != nil {
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.ws.Shutdown(wctx); err != nil {
			d.log.Warn("websocket shutdown", zap.Error(err))
		}
		wcancel()
	}

	dctx, dcancel := context.WithTimeout(ctx, d.cfg.Server.DrainTimeout+time.Second)
	d.conns.CloseAll(dctx)
	dcancel()
}

// Close releases the sandbox pool and the store. Call after Run returns.
func (d *Driver) Close() error {
	d.bridge.Close()
	return d.store.Close()
}

// invoke adapts scheduler tasks onto the bridge. Auto-save touches no
// sandbox and runs on its own goroutine. Script tasks go through the
// blocking dispatch path: a saturated pool stalls the scheduler loop
// until capacity frees, so due work queues instead of failing.
func (d *Driver) invoke(t scheduler.Task, done func(error)) {
	if t.Kind == scheduler.KindAutoSave {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), saveBudget)
			defer cancel()
			done(d.bridge.SaveAll(ctx))
		}()
		return
	}

	inv := sandbox.Invocation{Object: t.Object, Func: t.Func}
	if p, ok := t.Payload.(sandbox.CalloutPayload); ok {
		inv.Args = p.Args
		inv.Player = p.Player
	}
	d.bridge.DispatchScript(context.Background(), inv, func(err error) {
		if errors.Is(err, sandbox.ErrNoFunction) || errors.Is(err, sandbox.ErrNoScript) {
			// Objects without the hook just skip the pass.
			err = nil
		}
		done(err)
	})
}

// resetTargets nominates every blueprint and persistent clone for the
// periodic reset pass.
func (d *Driver) resetTargets() []string {
	var out []string
	for _, o := range d.reg.All() {
		if o.Destructed() {
			continue
		}
		if o.Kind() == object.KindBlueprint || o.Persistent() {
			out = append(out, o.Path())
		}
	}
	return out
}
