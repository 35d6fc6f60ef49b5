// Package connectivity tracks the offline/online classification driven by
// an external network-status collaborator. The flag gates remote calls but
// is never a guarantee; calls may still fail while it reads online.
package connectivity

import "sync"

type watcher struct {
	id int
	fn func(offline bool)
}

type Tracker struct {
	mu       sync.RWMutex
	offline  bool
	watchers []watcher
	nextID   int
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Offline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offline
}

// SetOffline updates the flag and notifies watchers in registration order.
// Setting the same value twice is a no-op for watchers.
func (t *Tracker) SetOffline(offline bool) {
	t.mu.Lock()
	if t.offline == offline {
		t.mu.Unlock()
		return
	}
	t.offline = offline
	watchers := make([]watcher, len(t.watchers))
	copy(watchers, t.watchers)
	t.mu.Unlock()

	for _, w := range watchers {
		w.fn(offline)
	}
}

// Watch registers fn for offline/online edges and returns its removal.
// Leaked subscriptions duplicate delivery, so callers must remove.
func (t *Tracker) Watch(fn func(offline bool)) (remove func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers = append(t.watchers, watcher{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, w := range t.watchers {
			if w.id == id {
				t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
				return
			}
		}
	}
}
