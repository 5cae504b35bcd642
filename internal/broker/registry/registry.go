// Package registry is the compile-time broker-adapter registry. Concrete
// adapters register a constructor keyed by broker identifier from an
// init() function, generalizing the teacher's plugin-loading idiom
// (internal/strategy/plugin/registry.go) from strategies to broker
// adapters, per Design Note 2 (plugin loading -> registry).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/broker"
)

// Factory constructs a concrete Adapter for one broker identifier.
type Factory func(logger *zap.Logger) (broker.Adapter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a broker adapter factory under name. Call from an init()
// function in the adapter's package. Panics on duplicate registration,
// matching the teacher's fail-fast plugin registry idiom.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("broker/registry: adapter %q already registered", name))
	}
	factories[name] = factory
}

// New constructs the adapter registered under name.
func New(name string, logger *zap.Logger) (broker.Adapter, error) {
	mu.RLock()
	factory, exists := factories[name]
	mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("broker/registry: no adapter registered for %q", name)
	}
	return factory(logger)
}

// Names returns every registered broker identifier, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
