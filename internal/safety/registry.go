package safety

import (
	"context"
	"sync"
	"time"
)

// Registry holds one controller per user so every session of a user
// shares a single state machine.
type Registry struct {
	deps Deps

	mu          sync.Mutex
	controllers map[string]*Controller
	lastSeen    map[string]time.Time
	inUse       func(userID string) bool
}

func NewRegistry(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		deps:        deps,
		controllers: make(map[string]*Controller),
		lastSeen:    make(map[string]time.Time),
	}
}

// SetInUse installs a check that keeps a user's controller loaded while
// something outside the registry, such as a live stream, still needs it.
func (r *Registry) SetInUse(fn func(userID string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse = fn
}

// Get returns the user's controller, loading it from the store on first
// use.
func (r *Registry) Get(ctx context.Context, userID string) (*Controller, error) {
	r.mu.Lock()
	if c, ok := r.controllers[userID]; ok {
		r.lastSeen[userID] = r.deps.Now()
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	c := NewController(userID, r.deps)
	if err := c.Load(ctx); err != nil {
		c.Close()
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[userID] = r.deps.Now()
	if existing, ok := r.controllers[userID]; ok {
		c.Close()
		return existing, nil
	}
	r.controllers[userID] = c
	return c, nil
}

// EvictIdle drops controllers untouched for at least idle that hold no
// trip, no running demo and no outside users. Their state is persisted,
// so the next Get reloads it. It returns the number evicted.
func (r *Registry) EvictIdle(idle time.Duration) int {
	cutoff := r.deps.Now().Add(-idle)

	r.mu.Lock()
	var evicted []*Controller
	for id, c := range r.controllers {
		if r.lastSeen[id].After(cutoff) {
			continue
		}
		if r.inUse != nil && r.inUse(id) {
			continue
		}
		if !c.idle() {
			continue
		}
		delete(r.controllers, id)
		delete(r.lastSeen, id)
		evicted = append(evicted, c)
	}
	r.mu.Unlock()

	for _, c := range evicted {
		c.Close()
	}
	return len(evicted)
}

// Each calls fn for every loaded controller outside the registry lock.
func (r *Registry) Each(fn func(*Controller)) {
	r.mu.Lock()
	list := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		list = append(list, c)
	}
	r.mu.Unlock()

	for _, c := range list {
		fn(c)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

func (r *Registry) Close() {
	r.mu.Lock()
	list := r.controllers
	r.controllers = make(map[string]*Controller)
	r.lastSeen = make(map[string]time.Time)
	r.mu.Unlock()

	for _, c := range list {
		c.Close()
	}
}
