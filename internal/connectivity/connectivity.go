// Package connectivity abstracts online/offline awareness for the engine.
//
// The engine never talks to a platform network API directly; it observes a
// ConnectivityProvider injected by the host. The Monitor implementation here
// is driven manually (by the host's network callbacks) and fans out
// transitions to registered listeners.
package connectivity

import (
	"sync"
	"time"

	"github.com/calebhs/offgrid/internal/logging"
)

// LinkQuality carries link hints reported by the host platform.
type LinkQuality struct {
	// EffectiveBandwidthKbps is the estimated downstream bandwidth.
	EffectiveBandwidthKbps int

	// RTT is the estimated round-trip time.
	RTT time.Duration
}

// Provider reports connectivity state and link-quality hints.
type Provider interface {
	// Online reports whether the host currently has connectivity.
	Online() bool

	// Quality returns the last reported link hints.
	Quality() LinkQuality
}

// Listener receives online/offline transitions.
type Listener func(online bool)

// Monitor is a manually driven Provider. The host feeds it transitions via
// SetOnline/SetQuality; consumers subscribe for change notifications.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	quality   LinkQuality
	listeners map[int]Listener
	nextID    int
}

var _ Provider = (*Monitor)(nil)

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[int]Listener),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Quality returns the last reported link hints.
func (m *Monitor) Quality() LinkQuality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

// SetOnline records a connectivity transition and notifies listeners when
// the state actually changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	logging.Info("connectivity changed", map[string]interface{}{
		"online": online,
	})
	for _, l := range listeners {
		l(online)
	}
}

// SetQuality records new link hints.
func (m *Monitor) SetQuality(q LinkQuality) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality = q
}

// Subscribe registers a listener for transitions and returns an id usable
// with Unsubscribe.
func (m *Monitor) Subscribe(l Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.listeners[m.nextID] = l
	return m.nextID
}

// Unsubscribe removes a previously registered listener.
func (m *Monitor) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}
