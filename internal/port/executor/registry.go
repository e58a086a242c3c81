package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Strob0t/MeterForge/internal/domain"
)

// Registry maps backend names to executors. It is an ordinary value wired at
// startup, not a package-level singleton.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]GraphExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]GraphExecutor)}
}

// Register adds e under e.Name(). Duplicate names are rejected.
func (r *Registry) Register(e GraphExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[e.Name()]; exists {
		return fmt.Errorf("executor: duplicate registration for %q", e.Name())
	}
	r.executors[e.Name()] = e
	return nil
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (GraphExecutor, error) {
	r.mu.RLock()
	e, ok := r.executors[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("executor: unknown backend %q: %w", name, domain.ErrNotFound)
	}
	return e, nil
}

// Available returns the sorted names of all registered executors.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
