// Package botlock serializes work on a single bot across the control loop,
// the capital allocator and the admin API.
package botlock

import (
	"sort"
	"sync"
)

// Registry hands out one mutex per bot id.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) get(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Lock blocks until the bot's lock is held and returns the unlock function.
func (r *Registry) Lock(id string) func() {
	l := r.get(id)
	l.Lock()
	return l.Unlock
}

// LockAll takes the locks of every given bot in sorted id order so that
// concurrent callers cannot deadlock. Duplicate ids are locked once.
func (r *Registry) LockAll(ids []string) func() {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		l := r.get(id)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
