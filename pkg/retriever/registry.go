package retriever

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// Factory builds a retriever for one corpus module.
type Factory func(cfg *config.Config, pool *vectorstore.Pool) (Retriever, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a corpus module available under the given name. Modules
// register themselves from init, so importing this package is enough to get
// the built-in retrievers.
func Register(module string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("retriever: Register factory is nil")
	}
	if _, dup := factories[module]; dup {
		panic("retriever: Register called twice for module " + module)
	}
	factories[module] = factory
}

// New builds the retriever selected by RETRIEVER_MODULE.
func New(cfg *config.Config, pool *vectorstore.Pool) (Retriever, error) {
	module := strings.ToLower(strings.TrimSpace(cfg.Retriever.Module))

	registryMu.RLock()
	factory, ok := factories[module]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown retriever module %q (available: %s)",
			ErrValidation, cfg.Retriever.Module, strings.Join(Modules(), ", "))
	}
	return factory(cfg, pool)
}

// Modules lists the registered module names, sorted.
func Modules() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
