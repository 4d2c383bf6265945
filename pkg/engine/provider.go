package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider is the capability surface the executor drives for one resource
// type. Implementations are external collaborators talking to cloud APIs;
// the engine treats every resource type uniformly through this interface.
//
// All operations take the node ID as the logical identity. Create and
// Update return the observed attribute set after the operation, including
// computed outputs that other nodes may reference; Create must include a
// provider-assigned instance identity under the "id" output, since a
// replace briefly keeps two instances of one node alive. Errors should be
// ProviderError values so the executor can classify them for retry; any
// other error is treated as permanent.
type Provider interface {
	// Create provisions a new instance from its desired attributes.
	Create(ctx context.Context, nodeID string, desired map[string]any) (map[string]any, error)

	// Read returns the current observed attributes, or nil if the resource
	// does not exist.
	Read(ctx context.Context, nodeID string) (map[string]any, error)

	// Update reconciles the current instance to the desired attributes.
	Update(ctx context.Context, nodeID string, desired map[string]any) (map[string]any, error)

	// Delete destroys the instance identified by the recorded outputs.
	// During a replace these are the old instance's outputs, never the
	// replacement's. Deleting an absent instance is not an error.
	Delete(ctx context.Context, nodeID string, outputs map[string]any) error

	// Wait reports whether the wait condition is satisfied. The executor
	// polls it with backoff; a provider that cannot evaluate conditions may
	// return a permanent error.
	Wait(ctx context.Context, nodeID string, cond WaitCondition) (bool, error)
}

// Registry maps resource types to their providers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs a provider for a resource type, replacing any previous
// registration.
func (r *Registry) Register(resourceType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[resourceType] = p
}

// Get returns the provider for a resource type.
func (r *Registry) Get(resourceType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[resourceType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for resource type %q", resourceType)
	}
	return p, nil
}

// Types returns the registered resource types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
