// Package session runs the conversation side of a connection: the login
// dialog, the in-game command pipeline, and disconnect handling.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/core/event"
	"github.com/jasona/mudforge/internal/data"
	"github.com/jasona/mudforge/internal/net"
	"github.com/jasona/mudforge/internal/persist"
	"github.com/jasona/mudforge/internal/sandbox"
)

const (
	banner     = "MudForge stirs in the dark."
	namePrompt = "What is your name?"
)

type stage int

const (
	stageName stage = iota
	stagePassword
	stageNewPassword
)

// loginState tracks one connection through the login dialog. Fields are
// only touched from the connection's reader goroutine.
type loginState struct {
	stage    stage
	name     string
	display  string
	record   *persist.PlayerRecord
	failures int
}

// Manager drives every connection's session. It is the net.Handler the
// connection manager forwards to.
type Manager struct {
	bridge   *sandbox.Bridge
	conns    *net.Manager
	commands *data.CommandTable
	log      *zap.Logger

	mu     sync.Mutex
	logins map[uint64]*loginState
}

func New(bridge *sandbox.Bridge, conns *net.Manager, commands *data.CommandTable, log *zap.Logger) *Manager {
	m := &Manager{
		bridge:   bridge,
		conns:    conns,
		commands: commands,
		log:      log,
		logins:   make(map[uint64]*loginState),
	}
	// A destructed player cannot hold a link; quitting works by the
	// mudlib destructing the body.
	event.Subscribe(bridge.Events(), func(ev event.ObjectDestructed) {
		if c := conns.PlayerConn(ev.Path); c != nil {
			c.Close()
		}
	})
	return m
}

func (m *Manager) HandleOpen(c *net.Conn) {
	c.SetState(net.StateGreeting)
	c.Send(banner)
	c.Send(namePrompt)
	c.SetState(net.StateAuthenticating)

	m.mu.Lock()
	m.logins[c.ID()] = &loginState{stage: stageName}
	m.mu.Unlock()
}

func (m *Manager) HandleLine(c *net.Conn, line string) {
	switch c.State() {
	case net.StateAuthenticating:
		m.loginLine(c, line)
	case net.StateInGame:
		m.dispatch(c, line)
	default:
		// opening, greeting, closing: nothing listens
	}
}

func (m *Manager) HandleFrame(c *net.Conn, tag string, payload json.RawMessage) {
	if tag == net.TagAuth && c.State() == net.StateAuthenticating {
		m.authFrame(c, payload)
		return
	}
	m.log.Debug("unhandled frame",
		zap.Uint64("conn", c.ID()),
		zap.String("tag", tag),
		zap.String("state", c.State().String()))
}

// HandleClose runs the disconnect side: the body stays in the world
// linkless, hooks fire, and the save record notes the departure.
func (m *Manager) HandleClose(c *net.Conn) {
	m.mu.Lock()
	delete(m.logins, c.ID())
	m.mu.Unlock()

	path := c.Player()
	if path == "" {
		return
	}
	player := m.bridge.Registry().Find(path)
	if player == nil || player.Destructed() {
		return
	}

	ctx := context.Background()
	m.bridge.Invoke(ctx, sandbox.Invocation{
		Object: path,
		Func:   "on_disconnect",
		Player: path,
	})
	if err := m.bridge.SavePlayerObject(ctx, player); err != nil {
		m.log.Warn("linkless save failed", zap.String("player", path), zap.Error(err))
	}

	name, _ := player.Prop("name")
	nameStr, _ := name.(string)
	event.Emit(m.bridge.Events(), event.PlayerDisconnected{
		PlayerPath: path,
		Name:       nameStr,
		Reason:     "linkdeath",
	})
	m.log.Info("player linkless",
		zap.Uint64("conn", c.ID()),
		zap.String("player", path),
		zap.String("name", nameStr))
}

func (m *Manager) login(id uint64) *loginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins[id]
}

func (m *Manager) dropLogin(id uint64) {
	m.mu.Lock()
	delete(m.logins, id)
	m.mu.Unlock()
}
