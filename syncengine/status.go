package syncengine

import (
	"sync"
	"time"
)

// SyncStatus is the ephemeral engine state the UI reflects instead of raw
// errors. Owned exclusively by the queue manager; broadcast on every
// transition and once immediately upon listener registration.
type SyncStatus struct {
	Online    bool       `json:"online"`
	Syncing   bool       `json:"syncing"`
	QueueSize int        `json:"queueSize"`
	LastSync  *time.Time `json:"lastSync,omitempty"`
}

type StatusListener func(SyncStatus)

type statusBroadcaster struct {
	mu        sync.Mutex
	listeners map[int]StatusListener
	next      int
}

// add registers a listener and returns its removal function. The removal
// function is idempotent.
func (b *statusBroadcaster) add(listener StatusListener) func() {
	b.mu.Lock()
	if b.listeners == nil {
		b.listeners = map[int]StatusListener{}
	}
	id := b.next
	b.next++
	b.listeners[id] = listener
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *statusBroadcaster) broadcast(status SyncStatus) {
	b.mu.Lock()
	listeners := make([]StatusListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(status)
	}
}
