// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Named debug probes, evaluated lazily when state is dumped.

package control

import (
	"runtime"
	"slices"
	"sync"
)

// Probes is a registry of named state reporters. A probe must be safe to
// call from any goroutine.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewProbes creates an empty probe registry.
func NewProbes() *Probes {
	return &Probes{probes: make(map[string]func() any)}
}

// Register inserts or replaces a named probe.
func (p *Probes) Register(name string, fn func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// Unregister removes a probe.
func (p *Probes) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.probes, name)
}

// Names returns the registered probe names in sorted order.
func (p *Probes) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.probes))
	for k := range p.probes {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Dump evaluates every probe.
func (p *Probes) Dump() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.probes))
	for k, fn := range p.probes {
		out[k] = fn()
	}
	return out
}

// RegisterPlatformProbes adds runtime and platform probes.
func RegisterPlatformProbes(p *Probes) {
	p.Register("platform.os", func() any { return runtime.GOOS + "/" + runtime.GOARCH })
	p.Register("platform.cpus", func() any { return runtime.NumCPU() })
	p.Register("runtime.goroutines", func() any { return runtime.NumGoroutine() })
	p.Register("runtime.version", func() any { return runtime.Version() })
}
