// Package notify provides observer lists owned by the component that emits on them.
package notify

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type entry[T any] struct {
	id uuid.UUID
	fn func(T)
}

// Listeners is an ordered set of callbacks for one notification channel.
// A panicking callback is logged and skipped; the rest still run.
type Listeners[T any] struct {
	channel string
	logger  *zap.Logger

	mu      sync.RWMutex
	entries []entry[T]
}

// New creates an empty listener list. channel names it in log output.
func New[T any](channel string, logger *zap.Logger) *Listeners[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listeners[T]{
		channel: channel,
		logger:  logger,
	}
}

// Add registers fn and returns the handle used to remove it
func (l *Listeners[T]) Add(fn func(T)) uuid.UUID {
	id := uuid.New()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	return id
}

// Remove unregisters the listener with the given handle
func (l *Listeners[T]) Remove(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Emit calls every listener in registration order on the caller's goroutine
func (l *Listeners[T]) Emit(v T) {
	l.mu.RLock()
	snapshot := make([]entry[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.RUnlock()

	for _, e := range snapshot {
		l.call(e, v)
	}
}

func (l *Listeners[T]) call(e entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener panicked",
				zap.String("channel", l.channel),
				zap.String("listener", e.id.String()),
				zap.Any("panic", r),
			)
		}
	}()
	e.fn(v)
}
