package net

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
)

// Manager indexes live connections, owns the player bindings, and routes
// script messaging onto links. It satisfies the bridge's Messenger.
//
// The manager sits between each Conn and the session layer: it forwards
// every event downstream and keeps its index in step with closes.
type Manager struct {
	cfg  config.ServerConfig
	next Handler
	log  *zap.Logger

	nextID atomic.Uint64
	wg     sync.WaitGroup

	mu       sync.RWMutex
	conns    map[uint64]*Conn
	byPlayer map[string]uint64
}

func NewManager(cfg config.ServerConfig, log *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		conns:    make(map[uint64]*Conn),
		byPlayer: make(map[string]uint64),
	}
}

// SetHandler wires the session layer in. Must be called before any
// listener starts accepting.
func (m *Manager) SetHandler(h Handler) { m.next = h }

// Accept registers a transport as a new connection and starts its I/O.
func (m *Manager) Accept(tr Transport) *Conn {
	id := m.nextID.Add(1)
	c := newConn(id, tr, m, &m.cfg, m.log)

	m.mu.Lock()
	m.conns[id] = c
	online := len(m.conns)
	m.mu.Unlock()
	m.wg.Add(1)

	m.log.Info("client connected",
		zap.Uint64("conn", id),
		zap.String("remote", c.Remote()),
		zap.Int("online", online))

	m.next.HandleOpen(c)
	c.start()
	return c
}

// Get returns the connection with the given id, or nil.
func (m *Manager) Get(id uint64) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// BindPlayer ties a connection to its player object. A live link already
// bound to the same player is told and closed; the new link takes over
// without firing the old link's disconnect hooks.
func (m *Manager) BindPlayer(c *Conn, playerPath string) {
	var old *Conn
	m.mu.Lock()
	if oldID, ok := m.byPlayer[playerPath]; ok && oldID != c.ID() {
		old = m.conns[oldID]
	}
	m.byPlayer[playerPath] = c.ID()
	m.mu.Unlock()

	c.setPlayer(playerPath)
	if old != nil {
		m.log.Info("link taken over",
			zap.String("player", playerPath),
			zap.Uint64("old", old.ID()),
			zap.Uint64("new", c.ID()))
		old.setPlayer("")
		old.Send("Reconnected from elsewhere; this link is closing.")
		old.Close()
	}
}

// PlayerConn returns the live connection bound to a player path, or nil.
func (m *Manager) PlayerConn(path string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byPlayer[path]; ok {
		return m.conns[id]
	}
	return nil
}

// Tell sends one text line to the player's connection.
func (m *Manager) Tell(playerPath, text string) bool {
	c := m.PlayerConn(playerPath)
	if c == nil {
		return false
	}
	return c.Send(text)
}

// TellGUI sends one structured frame to the player's connection.
func (m *Manager) TellGUI(playerPath, tag string, payload map[string]any) bool {
	c := m.PlayerConn(playerPath)
	if c == nil {
		return false
	}
	return c.SendFrame(tag, payload)
}

// Broadcast sends one text line to every live connection, bound or not.
func (m *Manager) Broadcast(text string) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Send(text)
	}
}

// Interactive reports whether the player has a live link.
func (m *Manager) Interactive(playerPath string) bool {
	c := m.PlayerConn(playerPath)
	return c != nil && !c.IsClosed()
}

// Players returns the object paths of every bound player, sorted.
func (m *Manager) Players() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.byPlayer))
	for p := range m.byPlayer {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// CloseAll closes every connection and waits for their writers to
// finish draining, bounded by ctx.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("shutdown drain timed out", zap.Int("remaining", m.Count()))
	}
}

func (m *Manager) HandleOpen(c *Conn) { m.next.HandleOpen(c) }

func (m *Manager) HandleLine(c *Conn, line string) { m.next.HandleLine(c, line) }

func (m *Manager) HandleFrame(c *Conn, tag string, payload json.RawMessage) {
	m.next.HandleFrame(c, tag, payload)
}

// HandleClose drops the connection from the index before the session
// layer sees the close, so messaging stops reaching it first.
func (m *Manager) HandleClose(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID())
	if p := c.Player(); p != "" && m.byPlayer[p] == c.ID() {
		delete(m.byPlayer, p)
	}
	online := len(m.conns)
	m.mu.Unlock()

	m.log.Info("client disconnected",
		zap.Uint64("conn", c.ID()),
		zap.String("remote", c.Remote()),
		zap.Int("online", online))

	m.next.HandleClose(c)
	m.wg.Done()
}
