package kafka

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry holds the named clusters bridges can reference.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*ClusterConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clusters: make(map[string]*ClusterConfig),
	}
}

// Register validates and adds a cluster under name.
func (r *Registry) Register(name string, cfg *ClusterConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cluster %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg.Name = name
	r.clusters[name] = cfg
	return nil
}

// Get retrieves a cluster by name.
func (r *Registry) Get(name string) (*ClusterConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.clusters[name]
	return cfg, ok
}

// Names returns the registered cluster names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns inline when set and the registered cluster ref otherwise.
func (r *Registry) Resolve(ref string, inline *ClusterConfig) (*ClusterConfig, error) {
	if inline != nil {
		return inline, nil
	}
	if ref == "" {
		return nil, fmt.Errorf("no cluster configured")
	}
	cfg, ok := r.Get(ref)
	if !ok {
		return nil, fmt.Errorf("cluster %q not found in registry", ref)
	}
	return cfg, nil
}

// LoadFile registers every cluster of a ClustersFile. A missing file leaves
// the registry empty.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var file ClustersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return fmt.Errorf("validate %s: %w", path, err)
	}
	for name, cfg := range file.Clusters {
		cfgCopy := cfg
		if err := r.Register(name, &cfgCopy); err != nil {
			return err
		}
	}
	return nil
}
