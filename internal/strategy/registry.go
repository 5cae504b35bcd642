package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a fresh, unconfigured Strategy instance of one
// registered class. Concrete strategies register themselves from an
// init() function (internal/broker/registry follows the same compile-time
// plugin idiom).
type Factory func() Strategy

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register adds class to the registry. It panics on duplicate
// registration, since that can only be a programming error at compile
// time (an init() cycle registering the same class twice).
func Register(class string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[class]; exists {
		panic(fmt.Sprintf("strategy: class %q already registered", class))
	}
	factories[class] = factory
}

// New constructs a fresh Strategy of the named class.
func New(class string) (Strategy, error) {
	mu.Lock()
	factory, exists := factories[class]
	mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("strategy: unknown class %q", class)
	}
	return factory(), nil
}

// Classes returns every registered class name, sorted.
func Classes() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
