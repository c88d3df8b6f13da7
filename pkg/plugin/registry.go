package plugin

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Instance binds a manifest to its evaluated module.
type Instance struct {
	manifest Manifest
	module   *Module
	sandbox  *SandboxContext
	api      *pluginAPI
	path     string
	loadedAt time.Time

	enabled atomic.Bool
	// ready is set once initialize completed; dispatch skips instances
	// that are still loading.
	ready atomic.Bool
}

// ID returns the plugin id
func (i *Instance) ID() string { return i.manifest.ID }

// Manifest returns a copy of the manifest with the current enabled flag
func (i *Instance) Manifest() Manifest {
	m := i.manifest.Clone()
	m.Enabled = i.enabled.Load()
	return m
}

func (i *Instance) active() bool {
	return i.ready.Load() && i.enabled.Load()
}

// PluginRegistry tracks loaded plugin instances in load order. It is
// guarded by the manager's lock.
type PluginRegistry struct {
	order   []string
	plugins map[string]*Instance
}

// NewPluginRegistry creates a new plugin registry
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		plugins: make(map[string]*Instance),
	}
}

// Register inserts an instance; the id slot must be free
func (r *PluginRegistry) Register(inst *Instance) error {
	if _, exists := r.plugins[inst.ID()]; exists {
		return ErrAlreadyLoaded
	}
	r.plugins[inst.ID()] = inst
	r.order = append(r.order, inst.ID())
	return nil
}

// Get retrieves an instance by id
func (r *PluginRegistry) Get(pluginID string) (*Instance, bool) {
	inst, ok := r.plugins[pluginID]
	return inst, ok
}

// All returns instances in load order
func (r *PluginRegistry) All() []*Instance {
	out := make([]*Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}

// Remove removes an instance, reporting whether it was present
func (r *PluginRegistry) Remove(pluginID string) bool {
	if _, ok := r.plugins[pluginID]; !ok {
		return false
	}
	delete(r.plugins, pluginID)
	for i, id := range r.order {
		if id == pluginID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of loaded plugins
func (r *PluginRegistry) Len() int { return len(r.order) }

// RegisteredHook is a (hook name, handler, owner) triple.
type RegisteredHook struct {
	Hook     string
	PluginID string
	Handler  HookFunc
}

// HookRegistry keeps hook registrations in registration order.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string][]*RegisteredHook
}

// NewHookRegistry creates a new hook registry
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		hooks: make(map[string][]*RegisteredHook),
	}
}

// Register appends a handler for hook owned by pluginID
func (r *HookRegistry) Register(pluginID, hook string, handler HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks[hook] = append(r.hooks[hook], &RegisteredHook{
		Hook:     hook,
		PluginID: pluginID,
		Handler:  handler,
	})
}

// UnregisterByPlugin removes all hooks registered by a plugin and returns
// the affected hook names
func (r *HookRegistry) UnregisterByPlugin(pluginID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for hook, regs := range r.hooks {
		filtered := make([]*RegisteredHook, 0, len(regs))
		for _, reg := range regs {
			if reg.PluginID != pluginID {
				filtered = append(filtered, reg)
			} else {
				removed = append(removed, hook)
			}
		}
		if len(filtered) == 0 {
			delete(r.hooks, hook)
		} else {
			r.hooks[hook] = filtered
		}
	}

	sort.Strings(removed)
	return removed
}

// GetHooks returns a snapshot of the registrations for hook
func (r *HookRegistry) GetHooks(hook string) []*RegisteredHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*RegisteredHook(nil), r.hooks[hook]...)
}

// ByPlugin returns the hook names a plugin registered, sorted
func (r *HookRegistry) ByPlugin(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for hook, regs := range r.hooks {
		for _, reg := range regs {
			if reg.PluginID == pluginID {
				names = append(names, hook)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// RegisteredCommand is a command bound to its owning plugin.
type RegisteredCommand struct {
	Name     string
	PluginID string
	Handler  CommandFunc
}

// CommandRegistry maps command names to exactly one handler.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*RegisteredCommand
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]*RegisteredCommand),
	}
}

// Register binds name to handler. A name already in use is rejected.
func (r *CommandRegistry) Register(pluginID, name string, handler CommandFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return ErrCommandExists
	}
	r.commands[name] = &RegisteredCommand{Name: name, PluginID: pluginID, Handler: handler}
	return nil
}

// Get looks up a command
func (r *CommandRegistry) Get(name string) (*RegisteredCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// UnregisterByPlugin removes all commands owned by a plugin
func (r *CommandRegistry) UnregisterByPlugin(pluginID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, cmd := range r.commands {
		if cmd.PluginID == pluginID {
			delete(r.commands, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// ByPlugin returns the command names a plugin owns, sorted
func (r *CommandRegistry) ByPlugin(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, cmd := range r.commands {
		if cmd.PluginID == pluginID {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
