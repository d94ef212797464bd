package sandbox

import (
	"errors"
	"fmt"

	"github.com/jasona/mudforge/internal/core/object"
	"github.com/jasona/mudforge/internal/integrations"
	"github.com/jasona/mudforge/internal/persist"
)

var (
	// ErrTimeout means an invocation ran past the wall-clock cap. The
	// sandbox that ran it is recycled.
	ErrTimeout = errors.New("script invocation timed out")

	// ErrMemoryExhausted means an invocation hit the per-sandbox heap cap.
	// Same recovery as a timeout.
	ErrMemoryExhausted = errors.New("script memory exhausted")

	// ErrUnavailable means no sandbox freed up within the acquire grace.
	ErrUnavailable = errors.New("sandbox unavailable")

	// ErrNoScript means the object path has no chunk under the mudlib root.
	ErrNoScript = errors.New("no script for object path")

	// ErrNoFunction means the chunk's module table lacks the requested
	// function. Soft for lifecycle hooks, not-handled for actions.
	ErrNoFunction = errors.New("script function not defined")
)

// ScriptError is an uncaught Lua error unwound to the invocation boundary.
type ScriptError struct {
	Sandbox int
	Object  string
	Func    string
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script error in %s:%s: %s", e.Object, e.Func, e.Message)
}

// Code maps an error to the slug scripts see in an efun's failure result.
// Unrecognized errors map to empty; call sites pick their own default.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, object.ErrBadPath):
		return "bad-path"
	case errors.Is(err, object.ErrNotFound):
		return "not-found"
	case errors.Is(err, object.ErrDuplicatePath):
		return "duplicate-path"
	case errors.Is(err, object.ErrDestructed):
		return "destructed"
	case errors.Is(err, object.ErrCycle):
		return "containment-cycle"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMemoryExhausted):
		return "memory-exhausted"
	case errors.Is(err, ErrUnavailable):
		return "sandbox-unavailable"
	case errors.Is(err, ErrNoScript):
		return "no-script"
	case errors.Is(err, ErrNoFunction):
		return "no-function"
	case errors.Is(err, persist.ErrBadName):
		return "bad-name"
	case errors.Is(err, integrations.ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, integrations.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, integrations.ErrUpstream):
		return "upstream-failure"
	default:
		var se *ScriptError
		if errors.As(err, &se) {
			return "uncaught-exception"
		}
		return ""
	}
}

func codeOr(err error, def string) string {
	if c := Code(err); c != "" {
		return c
	}
	return def
}
