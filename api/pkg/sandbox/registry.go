package sandbox

import "sync"

// Registry is the process-wide map from run id to that run's active
// controller. Register is last-write-wins: replacing an entry does NOT stop
// the previous controller, callers on the coordination path own that.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Controller
}

func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[string]Controller),
	}
}

func (r *Registry) Register(runID string, ctrl Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[runID] = ctrl
}

func (r *Registry) Get(runID string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrl, ok := r.controllers[runID]
	return ctrl, ok
}

func (r *Registry) GetMultiple(runIDs []string) []Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Controller, 0, len(runIDs))
	for _, id := range runIDs {
		if ctrl, ok := r.controllers[id]; ok {
			out = append(out, ctrl)
		}
	}
	return out
}

func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, runID)
}

func (r *Registry) GetAll() map[string]Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Controller, len(r.controllers))
	for id, ctrl := range r.controllers {
		out[id] = ctrl
	}
	return out
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers = make(map[string]Controller)
}
