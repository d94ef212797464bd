package event

import (
	"reflect"
	"sync"
)

// Bus fans typed events out to subscribed handlers. Dispatch runs
// synchronously in the emitter's goroutine; handlers that need to block
// hand off to their own machinery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]any
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]any)}
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.handlers[t] = append(b.handlers[t], fn)
}

// Emit delivers an event to every handler subscribed for its type, in
// registration order. Subscribe and Emit use the same type key, so the
// handler assertion cannot fail.
func Emit[T any](b *Bus, ev T) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.RLock()
	handlers := make([]any, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.RUnlock()
	for _, h := range handlers {
		h.(func(T))(ev)
	}
}
