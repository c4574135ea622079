package zcl

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrClusterNotFound = errors.New("cluster not found")
	ErrRegistryFrozen  = errors.New("registry frozen")
)

// Registry holds the custom cluster definitions, keyed by cluster key.
// It is filled at start-up and frozen before any request is served; after
// Freeze lookups run without locking.
type Registry struct {
	mu       sync.RWMutex
	frozen   atomic.Bool
	clusters map[string]*ClusterDef
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[string]*ClusterDef),
		logger:   logger,
	}
}

// Register adds a cluster definition to the registry. A second definition
// under the same key is merged into the first.
func (r *Registry) Register(c ClusterDef) error {
	if c.Name == "" {
		return fmt.Errorf("register cluster 0x%04X: empty name", c.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("register %q: %w", c.Name, ErrRegistryFrozen)
	}
	if existing, ok := r.clusters[c.Name]; ok {
		if err := existing.Merge(&c); err != nil {
			return err
		}
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name)
		return nil
	}
	r.clusters[c.Name] = c.DeepCopy()
	r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name,
		"manufacturer", fmt.Sprintf("0x%04X", c.ManufacturerCode))
	return nil
}

// Freeze ends initialisation. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Lookup returns a cluster definition by key.
// The returned value is a deep copy; callers may modify it safely.
func (r *Registry) Lookup(name string) (*ClusterDef, error) {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	c, ok := r.clusters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrClusterNotFound, name)
	}
	return c.DeepCopy(), nil
}

// All returns all registered cluster definitions sorted by key.
func (r *Registry) All() []ClusterDef {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.DeepCopy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
