package cryptotoken

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry holds one Service per module name,
// the Service is created on first use
type Registry struct {
	lock     sync.Mutex
	configs  map[string]*ModuleConfig
	services map[string]*Service
	opts     []Option
}

// NewRegistry returns an empty Registry,
// the options are applied to every created Service
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		configs:  make(map[string]*ModuleConfig),
		services: make(map[string]*Service),
		opts:     opts,
	}
}

// Add registers the module configuration
func (r *Registry) Add(cfg *ModuleConfig) error {
	cp := cfg.Copy()
	if err := cp.Validate(); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.configs[cp.Name]; ok {
		return errors.Errorf("module already registered: %s", cp.Name)
	}
	r.configs[cp.Name] = cp
	return nil
}

// Names returns the names of registered modules
func (r *Registry) Names() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	list := make([]string, 0, len(r.configs))
	for name := range r.configs {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Service returns the Service for the module
func (r *Registry) Service(name string) (*Service, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if s, ok := r.services[name]; ok {
		return s, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownIdentity, "module not registered: %s", name)
	}

	s, err := NewService(cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	r.services[name] = s
	return s, nil
}

// Close closes all created services
func (r *Registry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	var errs []error
	for name, s := range r.services {
		if err := s.Close(); err != nil {
			errs = append(errs, errors.WithMessagef(err, "module %s", name))
		}
		delete(r.services, name)
	}
	return errors.Join(errs...)
}
