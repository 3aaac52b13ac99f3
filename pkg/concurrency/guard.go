package concurrency

import (
	"errors"
	"sync"
)

var ErrBusy = errors.New("system is busy")

// Guard runs at most one task per key at a time. A task started for a key
// that is already busy fails fast with ErrBusy.
type Guard struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{busy: make(map[string]struct{})}
}

func (g *Guard) Execute(key string, task func() error) error {
	g.mu.Lock()
	if _, ok := g.busy[key]; ok {
		g.mu.Unlock()
		return ErrBusy
	}
	g.busy[key] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.busy, key)
		g.mu.Unlock()
	}()
	return task()
}

// Busy reports whether a task is running for key.
func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.busy[key]
	return ok
}
