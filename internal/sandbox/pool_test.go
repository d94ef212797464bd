package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jasona/mudforge/internal/config"
)

func TestAcquireGraceExpires(t *testing.T) {
	b := testBridge(t, map[string]string{
		"/room/start": "return {}",
	}, func(cfg *config.Config) {
		cfg.Sandbox.PoolSize = 1
		cfg.Sandbox.AcquireGrace = 50 * time.Millisecond
	})
	ctx := context.Background()

	sb, err := b.pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = b.Invoke(ctx, Invocation{Object: "/room/start", Func: "anything"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("busy pool err = %v, want ErrUnavailable", err)
	}
	if Code(err) != "sandbox-unavailable" {
		t.Fatalf("Code = %q", Code(err))
	}

	b.pool.Release(sb)
	if b.pool.Idle() != 1 {
		t.Fatalf("Idle = %d after release, want 1", b.pool.Idle())
	}
}

func TestAcquireWaitHonorsContext(t *testing.T) {
	b := testBridge(t, nil, func(cfg *config.Config) {
		cfg.Sandbox.PoolSize = 1
	})
	ctx := context.Background()

	sb, err := b.pool.AcquireWait(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer b.pool.Release(sb)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := b.pool.AcquireWait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AcquireWait on busy pool = %v, want context deadline", err)
	}
}

func TestTimeoutRecyclesSandbox(t *testing.T) {
	b := testBridge(t, map[string]string{
		"/std/spinner": `
local M = {}
function M.spin()
  while true do end
end
function M.ping()
  return "pong"
end
return M
`,
	}, func(cfg *config.Config) {
		cfg.Sandbox.PoolSize = 1
		cfg.Sandbox.Timeout = 100 * time.Millisecond
	})
	ctx := context.Background()

	_, err := b.Invoke(ctx, Invocation{Object: "/std/spinner", Func: "spin"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("spin err = %v, want ErrTimeout", err)
	}
	if Code(err) != "timeout" {
		t.Fatalf("Code = %q", Code(err))
	}

	// The broken sandbox was replaced; the pool still serves.
	v, err := b.Invoke(ctx, Invocation{Object: "/std/spinner", Func: "ping"})
	if err != nil {
		t.Fatalf("ping after recycle: %v", err)
	}
	if v != "pong" {
		t.Fatalf("ping = %#v, want pong", v)
	}
	if b.pool.Idle() != 1 {
		t.Fatalf("Idle = %d, want 1", b.pool.Idle())
	}
}

func TestPoolClose(t *testing.T) {
	b := testBridge(t, nil, nil)
	b.Close()
	if _, err := b.pool.Acquire(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Acquire after close = %v, want ErrUnavailable", err)
	}
}
