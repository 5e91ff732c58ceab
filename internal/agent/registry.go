package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknown is returned when a bot references an agent that was never
// registered. The engine treats this as a platform failure, not a goal
// failure.
var ErrUnknown = errors.New("agent: unknown agent")

// Registry maps agent refs (the bots' `agent` field) to implementations.
// Registration normally happens once at startup; lookups happen per run.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds ref to a. Re-registering a ref replaces the previous
// implementation.
func (r *Registry) Register(ref string, a Agent) error {
	if ref == "" {
		return fmt.Errorf("agent: empty ref")
	}
	if a == nil {
		return fmt.Errorf("agent: nil agent for ref %q", ref)
	}
	r.mu.Lock()
	r.agents[ref] = a
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(ref string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, ref)
	}
	return a, nil
}

// Refs returns the registered refs in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	refs := make([]string, 0, len(r.agents))
	for ref := range r.agents {
		refs = append(refs, ref)
	}
	r.mu.RUnlock()
	sort.Strings(refs)
	return refs
}
