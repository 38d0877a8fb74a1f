// Package hub provides request/reply messaging over named modules. Agent
// kernels register themselves as modules; the scheduler and the HTTP boundary
// address them by id or through payload routes.
package hub

import (
	"context"
	"sort"
	"sync"
)

// Module is a message endpoint. Handle must honour ctx cancellation; the hub
// presents every handler as a uniform blocking call.
type Module interface {
	ID() string
	Handle(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// Describer is optionally implemented by modules that want to expose type and
// metadata in registry snapshots.
type Describer interface {
	Info() ModuleInfo
}

// ModuleInfo is a registry snapshot entry.
type ModuleInfo struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Registry tracks registered modules. Registration replaces any existing
// module with the same id.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds or replaces a module.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.ID()] = m
}

// Unregister removes a module by id. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, id)
}

// Get returns the module with the given id.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// Has reports whether a module with the given id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns a snapshot of registered modules sorted by id.
func (r *Registry) List() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModuleInfo, 0, len(r.modules))
	for id, m := range r.modules {
		if d, ok := m.(Describer); ok {
			info := d.Info()
			info.ID = id
			infos = append(infos, info)
			continue
		}
		infos = append(infos, ModuleInfo{ID: id, Type: "module"})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// IDs returns the registered module ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ModuleFunc adapts a function into a Module.
type ModuleFunc struct {
	ModuleID string
	Fn       func(ctx context.Context, payload map[string]any) (map[string]any, error)
}

func (m ModuleFunc) ID() string { return m.ModuleID }

func (m ModuleFunc) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return m.Fn(ctx, payload)
}
