package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool holds the fixed set of sandboxes. Acquire hands out exclusive use;
// Release returns the member, replacing it with a fresh VM when the last
// invocation broke it.
type Pool struct {
	br    *Bridge
	log   *zap.Logger
	grace time.Duration
	size  int
	free  chan *Sandbox

	mu     sync.Mutex
	closed bool
}

func newPool(br *Bridge, size int, grace time.Duration, log *zap.Logger) *Pool {
	p := &Pool{
		br:    br,
		log:   log,
		grace: grace,
		size:  size,
		free:  make(chan *Sandbox, size),
	}
	for i := 1; i <= size; i++ {
		p.free <- newSandbox(br, i)
	}
	return p
}

// Acquire returns a free sandbox, waiting up to the configured grace.
func (p *Pool) Acquire(ctx context.Context) (*Sandbox, error) {
	select {
	case sb := <-p.free:
		return sb, nil
	default:
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case sb := <-p.free:
		return sb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: pool of %d busy past %s", ErrUnavailable, p.size, p.grace)
	}
}

// AcquireWait blocks until a sandbox frees or ctx ends. Scheduler dispatch
// uses it: callouts are delayed by a saturated pool, never failed.
func (p *Pool) AcquireWait(ctx context.Context) (*Sandbox, error) {
	select {
	case sb := <-p.free:
		return sb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a sandbox to the pool, recycling broken ones.
func (p *Pool) Release(sb *Sandbox) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		sb.close()
		return
	}
	if sb.broken {
		id := sb.id
		sb.close()
		sb = newSandbox(p.br, id)
		p.log.Info("sandbox recycled", zap.Int("sandbox", id))
	}
	p.free <- sb
}

// Idle reports how many sandboxes are currently free.
func (p *Pool) Idle() int {
	return len(p.free)
}

// Size reports the configured pool size.
func (p *Pool) Size() int {
	return p.size
}

// Close shuts the pool down. Sandboxes still out are closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case sb := <-p.free:
			sb.close()
		default:
			return
		}
	}
}
