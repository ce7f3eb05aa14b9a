// Package notify publishes queue state snapshots to registered observers.
//
// Consumers (UI layers, diagnostics) subscribe with a callback and receive
// the latest immutable snapshot on every state transition. This replaces any
// framework-specific reactive store with a plain message-passing contract:
// observers never see internal mutation mechanics, only snapshots.
package notify

import (
	"sync"

	"github.com/calebhs/offgrid/internal/models"
)

// QueueSnapshot is the immutable view published to observers.
type QueueSnapshot struct {
	Pending   []*models.Action    `json:"pending"`
	Failed    []*models.Action    `json:"failed"`
	IsSyncing bool                `json:"is_syncing"`
	Session   models.SyncSession  `json:"session"`
	Metrics   models.Metrics      `json:"metrics"`
	Quota     models.StorageQuota `json:"quota"`
}

// Observer receives each published snapshot.
type Observer func(QueueSnapshot)

// Notifier fans snapshots out to subscribed observers in registration order.
// Publishing is synchronous: by the time Publish returns, every observer has
// seen the snapshot.
type Notifier struct {
	mu        sync.Mutex
	observers []entry
	nextID    int
	last      *QueueSnapshot
}

type entry struct {
	id int
	fn Observer
}

// New creates an empty Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Subscribe registers an observer and returns an id usable with Unsubscribe.
// If a snapshot was already published, the observer immediately receives the
// latest one, so late subscribers never start from a blank state.
func (n *Notifier) Subscribe(fn Observer) int {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.observers = append(n.observers, entry{id: id, fn: fn})
	last := n.last
	n.mu.Unlock()

	if last != nil {
		fn(*last)
	}
	return id
}

// Unsubscribe removes an observer.
func (n *Notifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, e := range n.observers {
		if e.id == id {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			return
		}
	}
}

// Publish delivers the snapshot to every observer in registration order.
func (n *Notifier) Publish(s QueueSnapshot) {
	n.mu.Lock()
	n.last = &s
	observers := make([]entry, len(n.observers))
	copy(observers, n.observers)
	n.mu.Unlock()

	for _, e := range observers {
		e.fn(s)
	}
}

// Last returns the most recently published snapshot, if any.
func (n *Notifier) Last() (QueueSnapshot, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.last == nil {
		return QueueSnapshot{}, false
	}
	return *n.last, true
}
