package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/antchoi/Polymer/internal/pool"
)

// Handle is the capability-independent view of an Engine used for health
// checks, worker listings and shutdown.
type Handle interface {
	Name() string
	IsReady() bool
	Workers() []pool.WorkerStatus
	Stop()
}

// Info describes a registered engine.
type Info struct {
	Name    string              `json:"name"`
	Ready   bool                `json:"ready"`
	Workers []pool.WorkerStatus `json:"workers"`
}

// Registry holds the engines of every capability served by the process.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Handle
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Handle),
	}
}

// Register adds h under its name, replacing any engine of the same name.
func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[h.Name()] = h
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("engine %q is not registered", name)
	}
	return h, nil
}

// Ready reports the readiness of every registered engine by name.
func (r *Registry) Ready() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.engines))
	for name, h := range r.engines {
		out[name] = h.IsReady()
	}
	return out
}

// List returns information about all registered engines, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.engines))
	for name, h := range r.engines {
		infos = append(infos, Info{
			Name:    name,
			Ready:   h.IsReady(),
			Workers: h.Workers(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// StopAll stops every registered engine concurrently and waits for all of
// them.
func (r *Registry) StopAll() {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.engines))
	for _, h := range r.engines {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Go(h.Stop)
	}
	wg.Wait()
}
