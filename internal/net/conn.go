package net

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
)

// State tracks a connection through its lifecycle.
type State int32

const (
	StateOpening State = iota
	StateGreeting
	StateAuthenticating
	StateInGame
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateGreeting:
		return "greeting"
	case StateAuthenticating:
		return "authenticating"
	case StateInGame:
		return "in-game"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handler consumes connection events. Calls arrive on the connection's
// own goroutines; a slow handler blocks only its own client. HandleOpen
// runs before the first read, HandleClose exactly once after the last
// write.
type Handler interface {
	HandleOpen(c *Conn)
	HandleLine(c *Conn, line string)
	HandleFrame(c *Conn, tag string, payload json.RawMessage)
	HandleClose(c *Conn)
}

// Conn is one client connection. Transport I/O runs in dedicated reader
// and writer goroutines; game state is only touched through the handler.
type Conn struct {
	id      uint64
	tr      Transport
	handler Handler

	state  atomic.Int32 // State stored as int32
	player atomic.Value // string: bound player object path, "" when unbound

	out       chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	idleTimeout  time.Duration
	writeTimeout time.Duration
	drainTimeout time.Duration

	// Per-second inbound line limiter (reader goroutine only, no lock).
	linesPerSec int
	lineCount   int
	lineResetAt int64

	remote string
	log    *zap.Logger
}

func newConn(id uint64, tr Transport, h Handler, cfg *config.ServerConfig, log *zap.Logger) *Conn {
	c := &Conn{
		id:           id,
		tr:           tr,
		handler:      h,
		out:          make(chan []byte, cfg.OutQueueSize),
		closeCh:      make(chan struct{}),
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
		drainTimeout: cfg.DrainTimeout,
		linesPerSec:  cfg.LinesPerSecond,
		remote:       tr.RemoteAddr(),
		log:          log.With(zap.Uint64("conn", id)),
	}
	c.state.Store(int32(StateOpening))
	c.player.Store("")
	return c
}

func (c *Conn) ID() uint64       { return c.id }
func (c *Conn) Remote() string   { return c.remote }
func (c *Conn) State() State     { return State(c.state.Load()) }
func (c *Conn) SetState(s State) { c.state.Store(int32(s)) }

// Player returns the bound player object path, or "" before login.
func (c *Conn) Player() string { return c.player.Load().(string) }

func (c *Conn) setPlayer(path string) { c.player.Store(path) }

// start launches the reader and writer goroutines.
func (c *Conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

// Send queues one plain text line. It reports false when the connection
// is closed or the queue is full; overflow drops the line but never
// closes the link.
func (c *Conn) Send(text string) bool {
	return c.enqueue([]byte(text))
}

// SendFrame queues one structured frame.
func (c *Conn) SendFrame(tag string, payload any) bool {
	wire, err := EncodeFrame(tag, payload)
	if err != nil {
		c.log.Warn("bad outbound frame", zap.String("tag", tag), zap.Error(err))
		return false
	}
	return c.enqueue(wire)
}

func (c *Conn) enqueue(line []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.out <- line:
		return true
	default:
		c.log.Warn("outbound queue full, dropping line")
		return false
	}
}

// Close begins shutdown: the writer drains queued output within the
// drain timeout, then the transport closes and the handler is notified.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.SetState(StateClosing)
		close(c.closeCh)
	})
}

func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) readLoop() {
	defer c.Close()

	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		if c.idleTimeout > 0 {
			c.tr.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		line, err := c.tr.ReadLine()
		if err != nil {
			if c.closed.Load() {
				return
			}
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				c.log.Info("idle timeout", zap.Duration("after", c.idleTimeout))
			case errors.Is(err, io.EOF):
			default:
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}

		if c.throttled() {
			continue
		}

		if IsFrame(line) {
			if tag, payload, ok := DecodeFrame(line); ok {
				c.handler.HandleFrame(c, tag, payload)
			} else {
				c.log.Debug("malformed frame dropped", zap.Int("len", len(line)))
			}
			continue
		}
		c.handler.HandleLine(c, string(line))
	}
}

// throttled counts inbound lines per wall-clock second and drops the
// excess rather than closing the link.
func (c *Conn) throttled() bool {
	if c.linesPerSec <= 0 {
		return false
	}
	now := time.Now().Unix()
	if now != c.lineResetAt {
		c.lineCount = 0
		c.lineResetAt = now
	}
	c.lineCount++
	if c.lineCount <= c.linesPerSec {
		return false
	}
	if c.lineCount == c.linesPerSec+1 {
		c.log.Warn("line rate exceeded, dropping input", zap.Int("lps", c.linesPerSec))
	}
	return true
}

func (c *Conn) writeLoop() {
	defer func() {
		c.tr.Close()
		c.SetState(StateClosed)
		c.handler.HandleClose(c)
	}()

	for {
		select {
		case line := <-c.out:
			if !c.writeOne(line) {
				c.Close()
				return
			}
		case <-c.closeCh:
			c.drain()
			return
		}
	}
}

// drain flushes output queued before Close, bounded by drainTimeout.
func (c *Conn) drain() {
	deadline := time.Now().Add(c.drainTimeout)
	for {
		select {
		case line := <-c.out:
			if time.Now().After(deadline) || !c.writeOne(line) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeOne(line []byte) bool {
	if c.writeTimeout > 0 {
		c.tr.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.tr.WriteLine(line); err != nil {
		if !c.closed.Load() {
			c.log.Debug("write error", zap.Error(err))
		}
		return false
	}
	return true
}
