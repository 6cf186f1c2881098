package discovery

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyActive is returned when the same peer already runs a component of
// the same role in a namespace.
var ErrAlreadyActive = errors.New("discovery: already active in namespace")

// Role distinguishes the kinds of discovery components tracked by a Registry.
type Role string

const (
	RoleAdvertiser Role = "advertiser"
	RoleBrowser    Role = "browser"
)

type registryKey struct {
	role      Role
	namespace string
	peerID    string
}

// Registry tracks the advertisers and browsers active in this process so one
// identity never announces or probes the same namespace twice.
type Registry struct {
	mu     sync.Mutex
	active map[registryKey]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[registryKey]struct{})}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the process-wide registry used when a component is not
// given one explicitly.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Acquire claims (role, namespace, peerID). The returned release func frees
// the claim and is safe to call more than once.
func (r *Registry) Acquire(role Role, namespace, peerID string) (func(), error) {
	key := registryKey{role: role, namespace: namespace, peerID: peerID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[key]; exists {
		return nil, fmt.Errorf("%w: %s %q for peer %s", ErrAlreadyActive, role, namespace, peerID)
	}
	r.active[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.active, key)
		})
	}, nil
}

// Count returns how many components of role are active in namespace.
func (r *Registry) Count(role Role, namespace string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.active {
		if key.role == role && key.namespace == namespace {
			n++
		}
	}
	return n
}
