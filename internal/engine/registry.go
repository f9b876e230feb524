package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry tracks in-flight download runs across all models, providing
// the admission-control seam: a second Download call for a model id
// already in flight joins the same singleflight future instead of
// starting a second engine run, and Cancel can reach a running engine's
// cancellation token by model id alone.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	group   singleflight.Group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

func (r *Registry) register(modelID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[modelID] = cancel
	r.mu.Unlock()
}

func (r *Registry) unregister(modelID string) {
	r.mu.Lock()
	delete(r.cancels, modelID)
	r.mu.Unlock()
}

// Cancel stops the in-flight run for modelID, if any. A no-op for an
// unknown or already-finished model id.
func (r *Registry) Cancel(modelID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[modelID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}
