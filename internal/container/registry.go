package container

import (
	"fmt"
	"sync"
)

// Registry tracks live handles for one invocation. There is deliberately
// no process-wide instance; the orchestrator owns the registry lifetime.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: map[string]*Handle{}}
}

func PairKey(challengeName, hostName string) string {
	return fmt.Sprintf("%s@%s", challengeName, hostName)
}

func (r *Registry) Put(handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[PairKey(handle.Challenge, handle.Host.Name)] = handle
}

func (r *Registry) Get(challengeName, hostName string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[PairKey(challengeName, hostName)]
	return handle, ok
}

func (r *Registry) Remove(challengeName, hostName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, PairKey(challengeName, hostName))
}

// All live handles, for interrupt-driven teardown.
func (r *Registry) All() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, handle := range r.handles {
		out = append(out, handle)
	}
	return out
}
