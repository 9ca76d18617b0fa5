// Package registry maps plugin URNs to node factories and builds node
// instances from their configuration.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/errors"
	"github.com/ajitpratap0/dfengine/pkg/logger"
)

// URNPrefix starts every plugin URN
const URNPrefix = "urn:otel:"

// Registry manages plugin registration and instantiation
type Registry struct {
	factories map[string]core.Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new plugin registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]core.Factory),
		logger:    logger.Get().With(zap.String("component", "plugin_registry")),
	}
}

// ParseURN splits urn:otel:<name>:<kind>
func ParseURN(urn string) (string, core.Kind, error) {
	if !strings.HasPrefix(urn, URNPrefix) {
		return "", "", fmt.Errorf("plugin urn %q must start with %q", urn, URNPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(urn, URNPrefix), ":")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("plugin urn %q must look like %s<name>:<kind>", urn, URNPrefix)
	}
	kind := core.Kind(parts[1])
	if !kind.Valid() {
		return "", "", fmt.Errorf("plugin urn %q has unknown kind %q", urn, parts[1])
	}
	return parts[0], kind, nil
}

// Register registers a plugin factory
func (r *Registry) Register(f core.Factory) error {
	if _, _, err := ParseURN(f.URN); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid plugin registration")
	}
	if f.New == nil {
		return errors.Newf(errors.ErrorTypeConfig, "plugin %s has no constructor", f.URN)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[f.URN]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "plugin %s already registered", f.URN)
	}

	r.factories[f.URN] = f
	r.logger.Debug("plugin registered", zap.String("urn", f.URN))
	return nil
}

// MustRegister registers a plugin factory and panics on failure. Meant for
// plugin init functions.
func (r *Registry) MustRegister(f core.Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered for urn
func (r *Registry) Lookup(urn string) (core.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[urn]
	return f, ok
}

// CheckPorts verifies the wired ports of node against the plugin's port spec
// without constructing anything
func (r *Registry) CheckPorts(node config.NodeConfig) error {
	f, ok := r.Lookup(node.PluginURN)
	if !ok {
		return errors.Newf(errors.ErrorTypeUnknownPluginURN, "node %q: no plugin registered for %s", node.Name, node.PluginURN).
			WithDetail("node", node.Name)
	}
	_, kind, _ := ParseURN(node.PluginURN)
	if kind != node.Kind {
		return errors.Newf(errors.ErrorTypeInvalidPluginConfig, "node %q is a %s but plugin %s builds a %s",
			node.Name, node.Kind, node.PluginURN, kind).WithDetail("node", node.Name)
	}

	for _, required := range f.Ports.Required {
		if _, wired := node.OutPorts[required]; !wired {
			return errors.Newf(errors.ErrorTypePortMismatch, "node %q: plugin %s requires port %q", node.Name, node.PluginURN, required).
				WithDetail("node", node.Name).
				WithDetail("port", required)
		}
	}
	for _, port := range node.PortNames() {
		if !f.Ports.Allows(port) {
			return errors.Newf(errors.ErrorTypePortMismatch, "node %q: plugin %s does not declare port %q", node.Name, node.PluginURN, port).
				WithDetail("node", node.Name).
				WithDetail("port", port)
		}
	}
	return nil
}

// Build constructs the node instance described by node
func (r *Registry) Build(node config.NodeConfig, nc core.NodeContext) (core.Instance, error) {
	if err := r.CheckPorts(node); err != nil {
		return core.Instance{}, err
	}
	f, _ := r.Lookup(node.PluginURN)

	nc.Name = node.Name
	nc.Kind = node.Kind
	nc.URN = node.PluginURN
	nc.Ports = node.PortNames()
	if nc.Logger == nil {
		nc.Logger = r.logger.With(zap.String("node", node.Name))
	}

	cfg := node.Config
	if cfg == nil {
		cfg = core.RawConfig{}
	}
	inst, err := f.New(nc, cfg)
	if err != nil {
		return core.Instance{}, errors.Wrap(err, errors.ErrorTypeInvalidPluginConfig,
			fmt.Sprintf("node %q: plugin %s rejected its config", node.Name, node.PluginURN)).
			WithDetail("node", node.Name)
	}
	if inst.Kind != node.Kind {
		return core.Instance{}, errors.Newf(errors.ErrorTypeInvalidPluginConfig,
			"node %q: plugin %s built a %s, expected a %s", node.Name, node.PluginURN, inst.Kind, node.Kind)
	}
	if err := inst.Validate(); err != nil {
		return core.Instance{}, errors.Wrap(err, errors.ErrorTypeInvalidPluginConfig,
			fmt.Sprintf("node %q: plugin %s", node.Name, node.PluginURN))
	}
	return inst, nil
}

// List returns the registered URNs in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	urns := make([]string, 0, len(r.factories))
	for urn := range r.factories {
		urns = append(urns, urn)
	}
	sort.Strings(urns)
	return urns
}

// Has checks if a plugin is registered
func (r *Registry) Has(urn string) bool {
	_, ok := r.Lookup(urn)
	return ok
}

// Clear removes all registered plugins (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]core.Factory)
}

// Global returns the process-wide registry plugins register into
func Global() *Registry {
	return globalRegistry
}

// Register registers a factory in the global registry
func Register(f core.Factory) error {
	return globalRegistry.Register(f)
}

// MustRegister registers a factory in the global registry, panicking on failure
func MustRegister(f core.Factory) {
	globalRegistry.MustRegister(f)
}

// Build builds a node through the global registry
func Build(node config.NodeConfig, nc core.NodeContext) (core.Instance, error) {
	return globalRegistry.Build(node, nc)
}

// List returns the URNs of the global registry
func List() []string {
	return globalRegistry.List()
}
