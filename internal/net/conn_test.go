package net

import (
	"bufio"
	"encoding/json"
	stdnet "net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
)

type recordedFrame struct {
	tag     string
	payload json.RawMessage
}

// recordHandler captures connection events for assertions.
type recordHandler struct {
	mu     sync.Mutex
	opens  int
	lines  []string
	frames []recordedFrame
	closes int

	onOpen func(c *Conn)
}

func (h *recordHandler) HandleOpen(c *Conn) {
	h.mu.Lock()
	h.opens++
	fn := h.onOpen
	h.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (h *recordHandler) HandleLine(c *Conn, line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
}

func (h *recordHandler) HandleFrame(c *Conn, tag string, payload json.RawMessage) {
	h.mu.Lock()
	h.frames = append(h.frames, recordedFrame{tag: tag, payload: payload})
	h.mu.Unlock()
}

func (h *recordHandler) HandleClose(c *Conn) {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
}

func (h *recordHandler) snapshot() (int, []string, []recordedFrame, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens, append([]string(nil), h.lines...), append([]recordedFrame(nil), h.frames...), h.closes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connConfig(mut func(*config.ServerConfig)) *config.ServerConfig {
	cfg := &config.ServerConfig{
		OutQueueSize:   16,
		MaxLineBytes:   1024,
		WriteTimeout:   time.Second,
		DrainTimeout:   time.Second,
		LinesPerSecond: 0,
	}
	if mut != nil {
		mut(cfg)
	}
	return cfg
}

// pipeConn builds a started Conn over one end of an in-memory pipe and
// hands back the far end for the test to play client.
func pipeConn(t *testing.T, h *recordHandler, mut func(*config.ServerConfig)) (*Conn, stdnet.Conn) {
	t.Helper()
	near, far := stdnet.Pipe()
	c := newConn(1, NewTCPTransport(near, 1024), h, connConfig(mut), zap.NewNop())
	c.start()
	t.Cleanup(func() {
		c.Close()
		far.Close()
	})
	return c, far
}

func TestConnDispatchesLinesAndFrames(t *testing.T) {
	h := &recordHandler{}
	c, far := pipeConn(t, h, nil)

	_, err := far.Write([]byte("look\n"))
	require.NoError(t, err)
	_, err = far.Write([]byte("say \x1b[32mhi\x1b[0m\n"))
	require.NoError(t, err)
	_, err = far.Write(append(append([]byte{framePrefix}, []byte(`[AUTH]{"name":"kael"}`)...), '\n'))
	require.NoError(t, err)
	// Malformed frame: dropped, not surfaced as a line.
	_, err = far.Write(append(append([]byte{framePrefix}, []byte(`[oops]{}`)...), '\n'))
	require.NoError(t, err)

	waitFor(t, "inbound dispatch", func() bool {
		_, lines, frames, _ := h.snapshot()
		return len(lines) == 2 && len(frames) == 1
	})

	_, lines, frames, _ := h.snapshot()
	assert.Equal(t, []string{"look", "say \x1b[32mhi\x1b[0m"}, lines)
	assert.Equal(t, "AUTH", frames[0].tag)
	assert.JSONEq(t, `{"name":"kael"}`, string(frames[0].payload))
	assert.False(t, c.IsClosed())
}

func TestConnSendOrderAndFraming(t *testing.T) {
	h := &recordHandler{}
	c, far := pipeConn(t, h, nil)
	r := bufio.NewReader(far)

	require.True(t, c.Send("first"))
	require.True(t, c.Send("second"))
	require.True(t, c.SendFrame("GUI", map[string]any{"hp": 10}))

	a, err := r.ReadString('\n')
	require.NoError(t, err)
	b, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "first\n", a)
	assert.Equal(t, "second\n", b)

	fr, err := r.ReadBytes('\n')
	require.NoError(t, err)
	tag, payload, ok := DecodeFrame(fr[:len(fr)-1])
	require.True(t, ok)
	assert.Equal(t, "GUI", tag)
	assert.JSONEq(t, `{"hp":10}`, string(payload))
}

func TestConnOverflowDropsWithoutClosing(t *testing.T) {
	near, far := stdnet.Pipe()
	defer near.Close()
	defer far.Close()

	// Not started: the queue fills and overflows deterministically.
	c := newConn(9, NewTCPTransport(near, 256), &recordHandler{}, connConfig(func(cfg *config.ServerConfig) {
		cfg.OutQueueSize = 2
	}), zap.NewNop())

	assert.True(t, c.Send("a"))
	assert.True(t, c.Send("b"))
	assert.False(t, c.Send("dropped"))
	assert.False(t, c.IsClosed())
}

func TestConnCloseDrainsQueuedOutput(t *testing.T) {
	h := &recordHandler{}
	c, far := pipeConn(t, h, nil)
	r := bufio.NewReader(far)

	require.True(t, c.Send("goodbye"))
	c.Close()
	assert.False(t, c.Send("after close"))

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "goodbye\n", line)

	// After the drain the transport closes for real.
	_, err = r.ReadString('\n')
	assert.Error(t, err)
	waitFor(t, "close notification", func() bool {
		_, _, _, closes := h.snapshot()
		return closes == 1
	})
	assert.Equal(t, StateClosed, c.State())
}

func TestConnIdleTimeout(t *testing.T) {
	h := &recordHandler{}
	c, _ := pipeConn(t, h, func(cfg *config.ServerConfig) {
		cfg.IdleTimeout = 50 * time.Millisecond
	})

	waitFor(t, "idle close", func() bool {
		_, _, _, closes := h.snapshot()
		return closes == 1
	})
	assert.True(t, c.IsClosed())
}

func TestConnThrottleDropsExcessLines(t *testing.T) {
	h := &recordHandler{}
	_, far := pipeConn(t, h, func(cfg *config.ServerConfig) {
		cfg.LinesPerSecond = 2
	})

	for i := 0; i < 30; i++ {
		_, err := far.Write([]byte("spam\n"))
		require.NoError(t, err)
	}
	far.Close()

	waitFor(t, "reader exit", func() bool {
		_, _, _, closes := h.snapshot()
		return closes == 1
	})
	_, lines, _, _ := h.snapshot()
	// The burst may straddle one second boundary, so two budgets at most.
	assert.GreaterOrEqual(t, len(lines), 2)
	assert.LessOrEqual(t, len(lines), 4)
}
