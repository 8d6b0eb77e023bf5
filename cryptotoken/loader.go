package cryptotoken

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ModuleLoader opens the Module for the configuration
type ModuleLoader func(cfg *ModuleConfig) (Module, error)

var (
	lockLoaders sync.RWMutex
	loaders     = make(map[string]ModuleLoader)
)

// Register module loader by backend type
func Register(backendType string, loader ModuleLoader) error {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if _, ok := loaders[backendType]; ok {
		return errors.Errorf("already registered: %s", backendType)
	}

	loaders[backendType] = loader
	return nil
}

// Unregister module loader by backend type
func Unregister(backendType string) (ModuleLoader, error) {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if loader, ok := loaders[backendType]; ok {
		delete(loaders, backendType)
		return loader, nil
	}

	return nil, errors.Errorf("not registered: %s", backendType)
}

// Registered returns registered backend types
func Registered() []string {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	list := []string{}
	for m := range loaders {
		list = append(list, m)
	}
	sort.Strings(list)
	return list
}

// LoadModule opens the Module with the registered loader
func LoadModule(cfg *ModuleConfig) (Module, error) {
	lockLoaders.RLock()
	loader, ok := loaders[cfg.Type]
	lockLoaders.RUnlock()

	if !ok {
		return nil, errors.Errorf("backend not registered: %s", cfg.Type)
	}

	m, err := loader(cfg)
	if err != nil {
		return nil, err
	}
	return m, nil
}
