package embeddings

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry holds named embedding drivers. The first registration becomes
// the default used by the selector.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	def     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver under the given name, replacing any previous one.
func (r *Registry) Register(name string, driver Driver) {
	r.mu.Lock()
	if len(r.drivers) == 0 {
		r.def = name
	}
	r.drivers[name] = driver
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Msg("embedding driver registered")
}

// Get returns the named driver.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("embedding driver not found: %s", name)
	}
	return d, nil
}

// Default returns the default driver, or nil when none is registered.
func (r *Registry) Default() Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def == "" {
		return nil
	}
	return r.drivers[r.def]
}
