package session

import (
	"sync"

	"go.uber.org/zap"

	"walksync/internal/walk"
)

type updateSub struct {
	id int
	fn func(walk.Session)
}

type failureSub struct {
	id int
	fn func(walk.Session, error)
}

// eventBus fans session updates and reconcile failures out to subscribers
// in registration order. A panicking subscriber is logged and skipped so
// it cannot starve the others.
type eventBus struct {
	mu       sync.Mutex
	nextID   int
	updates  []updateSub
	failures []failureSub
	log      *zap.Logger
}

func newEventBus(log *zap.Logger) *eventBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &eventBus{log: log}
}

func (b *eventBus) subscribeUpdate(fn func(walk.Session)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.updates = append(b.updates, updateSub{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.updates {
			if s.id == id {
				b.updates = append(b.updates[:i], b.updates[i+1:]...)
				return
			}
		}
	}
}

func (b *eventBus) subscribeFailure(fn func(walk.Session, error)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.failures = append(b.failures, failureSub{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.failures {
			if s.id == id {
				b.failures = append(b.failures[:i], b.failures[i+1:]...)
				return
			}
		}
	}
}

func (b *eventBus) emitUpdate(s walk.Session) {
	b.mu.Lock()
	subs := make([]updateSub, len(b.updates))
	copy(subs, b.updates)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(func() { sub.fn(s) })
	}
}

func (b *eventBus) emitFailure(s walk.Session, err error) {
	b.mu.Lock()
	subs := make([]failureSub, len(b.failures))
	copy(subs, b.failures)
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(func() { sub.fn(s, err) })
	}
}

func (b *eventBus) deliver(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("event subscriber panicked", zap.Any("panic", rec))
		}
	}()
	fn()
}
