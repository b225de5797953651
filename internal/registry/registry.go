// Package registry manages the lifecycle of the hub's modules.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/pkg/plugin"
)

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
	Started bool   `json:"started"`
}

// Registry manages the lifecycle of all registered modules. Modules are
// initialized and started in registration order and stopped in reverse.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]plugin.Plugin
	order    []string
	disabled map[string]bool
	started  []string
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		modules:  make(map[string]plugin.Plugin),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a module to the registry.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return errors.New("module name must not be empty")
	}
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}

	r.modules[name] = p
	r.order = append(r.order, name)
	r.logger.Info("module registered", zap.String("name", name), zap.String("version", p.Version()))
	return nil
}

// InitAll initializes every enabled module with its modules.<name> section
// and validates the result. Modules are enabled unless
// modules.<name>.enabled is set to false.
func (r *Registry) InitAll(cfg plugin.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		key := "modules." + name
		if cfg.IsSet(key+".enabled") && !cfg.GetBool(key+".enabled") {
			r.disabled[name] = true
			r.logger.Info("module disabled, skipping", zap.String("name", name))
			continue
		}

		p := r.modules[name]
		r.logger.Info("initializing module", zap.String("name", name))
		if err := p.Init(cfg.Sub(key), r.logger.Named(name)); err != nil {
			return fmt.Errorf("initialize module %q: %w", name, err)
		}
		if v, ok := p.(plugin.Validator); ok {
			if err := v.ValidateConfig(); err != nil {
				return fmt.Errorf("validate module %q: %w", name, err)
			}
		}
	}
	return nil
}

// StartAll starts every enabled module. If one fails, the modules already
// started are stopped again before the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		r.logger.Info("starting module", zap.String("name", name))
		if err := r.modules[name].Start(ctx); err != nil {
			r.mu.Unlock()
			r.StopAll(ctx)
			return fmt.Errorf("start module %q: %w", name, err)
		}
		r.started = append(r.started, name)
	}
	r.mu.Unlock()
	return nil
}

// StopAll stops started modules in reverse start order. Errors are logged.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		r.logger.Info("stopping module", zap.String("name", name))
		if err := r.modules[name].Stop(ctx); err != nil {
			r.logger.Error("failed to stop module", zap.String("name", name), zap.Error(err))
		}
	}
}

// Get returns a module by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.modules[name]
	return p, ok
}

// IsDisabled reports whether the module was disabled by configuration.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

// Modules describes every registered module in registration order.
func (r *Registry) Modules() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	started := make(map[string]bool, len(r.started))
	for _, name := range r.started {
		started[name] = true
	}
	out := make([]ModuleInfo, 0, len(r.order))
	for _, name := range r.order {
		p := r.modules[name]
		out = append(out, ModuleInfo{
			Name:    name,
			Version: p.Version(),
			Enabled: !r.disabled[name],
			Started: started[name],
		})
	}
	return out
}

// AllRoutes returns the REST routes of every enabled module, keyed by
// module name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	return r.collect(func(p plugin.Plugin) []plugin.Route {
		if hp, ok := p.(plugin.HTTPProvider); ok {
			return hp.Routes()
		}
		return nil
	})
}

// AllStreams returns the long-lived connection endpoints of every enabled
// module, keyed by module name.
func (r *Registry) AllStreams() map[string][]plugin.Route {
	return r.collect(func(p plugin.Plugin) []plugin.Route {
		if sp, ok := p.(plugin.StreamProvider); ok {
			return sp.Streams()
		}
		return nil
	})
}

// Counts merges the counters reported by enabled modules.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if cr, ok := r.modules[name].(plugin.CountReporter); ok {
			maps.Copy(out, cr.Counts())
		}
	}
	return out
}

func (r *Registry) collect(fn func(plugin.Plugin) []plugin.Route) map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		if pr := fn(r.modules[name]); len(pr) > 0 {
			routes[name] = pr
		}
	}
	return routes
}
