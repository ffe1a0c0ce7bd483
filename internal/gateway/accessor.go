package gateway

import (
	"context"
	"sync"
	"sync/atomic"
)

// Accessor owns the process-wide hub. The hub is built on the first Get and shared afterwards.
type Accessor struct {
	once  sync.Once
	build func() *Hub
	hub   atomic.Pointer[Hub]
}

// NewAccessor returns an accessor that builds its hub with build.
func NewAccessor(build func() *Hub) *Accessor {
	return &Accessor{build: build}
}

// Get returns the hub, building it on first use.
func (a *Accessor) Get() *Hub {
	a.once.Do(func() {
		a.hub.Store(a.build())
	})
	return a.hub.Load()
}

// ConnectionCount reports live connections without building the hub.
func (a *Accessor) ConnectionCount() int {
	if h := a.hub.Load(); h != nil {
		return h.ConnectionCount()
	}
	return 0
}

// Shutdown stops the hub if it was ever built.
func (a *Accessor) Shutdown(ctx context.Context) error {
	if h := a.hub.Load(); h != nil {
		return h.Shutdown(ctx)
	}
	return nil
}
