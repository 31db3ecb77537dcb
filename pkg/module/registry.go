package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Tzeusy/butlers/pkg/config"
)

// Registry holds registered modules and resolves their dependency order.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module. Duplicate names fail.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	r.modules[name] = m
	return nil
}

// Get retrieves a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependents returns the names of modules that (transitively) depend on
// name.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	visited := map[string]bool{name: true}
	changed := true
	for changed {
		changed = false
		for modName, m := range r.modules {
			if visited[modName] {
				continue
			}
			for _, dep := range m.Dependencies() {
				if visited[dep] {
					visited[modName] = true
					out = append(out, modName)
					changed = true
					break
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// LoadOrder resolves the dependency DAG with Kahn's algorithm and returns
// modules in topological order. Unknown dependencies and cycles fail.
// Ties break alphabetically so the order is deterministic.
func (r *Registry) LoadOrder() ([]Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indegree := make(map[string]int, len(r.modules))
	dependents := make(map[string][]string, len(r.modules))

	for name, m := range r.modules {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range m.Dependencies() {
			if _, ok := r.modules[dep]; !ok {
				return nil, fmt.Errorf("%w: module %q depends on %q",
					config.ErrUnknownDependency, name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]Module, 0, len(r.modules))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, r.modules[name])

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(r.modules) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("%w: %v", config.ErrDependencyCycle, cyclic)
	}
	return order, nil
}
