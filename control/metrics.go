// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for the server loop. Written by the loop goroutine,
// readable from any goroutine.

package control

import (
	"maps"
	"sync"
	"time"
)

// Metrics holds named int64 counters and gauges.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]int64
	updated  time.Time
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
	}
}

// Add increments key by delta.
func (m *Metrics) Add(key string, delta int64) {
	m.mu.Lock()
	m.counters[key] += delta
	m.updated = time.Now()
	m.mu.Unlock()
}

// Set overwrites key, for gauges such as the active connection count.
func (m *Metrics) Set(key string, value int64) {
	m.mu.Lock()
	m.counters[key] = value
	m.updated = time.Now()
	m.mu.Unlock()
}

// Get returns the current value of key, zero if never written.
func (m *Metrics) Get(key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[key]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.counters)
}

// Updated reports the time of the last write.
func (m *Metrics) Updated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}
