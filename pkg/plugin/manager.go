package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/nouschat/pkg/hoststore"
	"github.com/rs/zerolog"
)

// DefaultHookTimeout bounds a single hook handler invocation.
const DefaultHookTimeout = 5 * time.Second

// ManagerConfig wires the manager to its host collaborators. Every field
// is optional.
type ManagerConfig struct {
	Chats         ChatHost
	Notifier      Notifier
	Store         hoststore.KV
	Fetcher       *Fetcher
	Policy        PermissionPolicy
	Runtimes      map[string]Evaluator
	HookTimeout   time.Duration
	PluginConfigs map[string]map[string]any
	Disabled      []string
	Metrics       Recorder
}

// Manager owns the plugin registry, the hook registrations and the
// command table.
type Manager struct {
	// lifecycleMu serialises load, unload and toggle.
	lifecycleMu sync.Mutex
	// mu guards registry.
	mu       sync.RWMutex
	registry *PluginRegistry
	hooks    *HookRegistry
	commands *CommandRegistry
	events   *EventBus

	chats         ChatHost
	notifier      Notifier
	store         hoststore.KV
	fetcher       *Fetcher
	policy        PermissionPolicy
	runtimes      map[string]Evaluator
	hookTimeout   time.Duration
	pluginConfigs map[string]map[string]any
	disabled      map[string]bool
	metrics       Recorder
	logger        zerolog.Logger
}

// NewManager creates a plugin manager
func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		registry:      NewPluginRegistry(),
		hooks:         NewHookRegistry(),
		commands:      NewCommandRegistry(),
		events:        NewEventBus(logger),
		chats:         cfg.Chats,
		notifier:      cfg.Notifier,
		store:         cfg.Store,
		fetcher:       cfg.Fetcher,
		policy:        cfg.Policy,
		runtimes:      make(map[string]Evaluator),
		hookTimeout:   cfg.HookTimeout,
		pluginConfigs: cfg.PluginConfigs,
		disabled:      make(map[string]bool, len(cfg.Disabled)),
		metrics:       cfg.Metrics,
		logger:        logger.With().Str("component", "plugin-manager").Logger(),
	}

	if m.policy == nil {
		m.policy = AllowAll()
	}
	if m.hookTimeout <= 0 {
		m.hookTimeout = DefaultHookTimeout
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	for name, ev := range cfg.Runtimes {
		m.runtimes[name] = ev
	}
	for _, id := range cfg.Disabled {
		m.disabled[id] = true
	}

	return m
}

// RegisterRuntime makes an evaluator available under name
func (m *Manager) RegisterRuntime(name string, ev Evaluator) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.runtimes[name] = ev
}

// Events returns the event bus shared by host and plugins
func (m *Manager) Events() *EventBus {
	return m.events
}

// LoadPlugin validates, evaluates, registers and initializes a plugin. On
// failure nothing stays registered and a *LoadError is returned.
//
// manifest.Enabled is taken as given. ParseManifest defaults it to true,
// but a Manifest built in code with the zero value loads disabled and its
// hooks and commands are skipped until TogglePlugin enables it.
func (m *Manager) LoadPlugin(ctx context.Context, manifest Manifest, src Source) error {
	start := time.Now()
	err := m.load(ctx, &manifest, src)
	if err != nil {
		var loadErr *LoadError
		stage := "error"
		if errors.As(err, &loadErr) {
			stage = loadErr.Stage
		}
		m.metrics.PluginLoad(manifest.ID, stage)

		m.logger.Error().
			Err(err).
			Str("plugin", manifest.ID).
			Str("stage", stage).
			Msg("Failed to load plugin")

		name := manifest.Name
		if name == "" {
			name = manifest.ID
		}
		m.notify("Plugin failed to load", fmt.Sprintf("%s could not be loaded: %v", name, errors.Unwrap(err)))
		return err
	}

	m.metrics.PluginLoad(manifest.ID, "ok")
	m.logger.Info().
		Str("plugin", manifest.ID).
		Str("version", manifest.Version).
		Dur("duration", time.Since(start)).
		Msg("Plugin loaded")

	m.events.Emit(ctx, EventPluginLoaded, map[string]any{"id": manifest.ID})
	return nil
}

func (m *Manager) load(ctx context.Context, manifest *Manifest, src Source) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	fail := func(stage string, err error) error {
		return &LoadError{PluginID: manifest.ID, Stage: stage, Err: err}
	}

	if err := ValidateManifest(manifest); err != nil {
		return fail(StageManifest, err)
	}

	if !m.policy(manifest.ID, manifest.Permissions) {
		return fail(StagePermissions, &PermissionError{
			PluginID: manifest.ID,
			Reason:   "permission set rejected by policy",
		})
	}

	m.mu.RLock()
	_, exists := m.registry.Get(manifest.ID)
	m.mu.RUnlock()
	if exists {
		return fail(StageRegister, ErrAlreadyLoaded)
	}

	if err := m.checkDependencies(manifest); err != nil {
		return fail(StageDependencies, err)
	}

	evaluator, err := m.evaluatorFor(manifest, src)
	if err != nil {
		return fail(StageEvaluation, err)
	}

	config, err := loadConfig(ctx, m.store, manifest, m.pluginConfigs[manifest.ID])
	if err != nil {
		return fail(StageRegister, err)
	}

	sandbox := NewSandboxContext(manifest.ID, manifest.Permissions)
	api := newPluginAPI(m, manifest, sandbox, config)
	env := Env{
		PluginID: manifest.ID,
		Logger:   api.logger,
		Fetch:    api.Fetch,
	}

	module, err := evaluator.Evaluate(ctx, src, manifest, env)
	if err != nil {
		var evalErr *EvaluationError
		if !errors.As(err, &evalErr) {
			evalErr = &EvaluationError{PluginID: manifest.ID, Err: err}
		}
		return fail(StageEvaluation, evalErr)
	}
	if module == nil {
		module = &Module{}
	}

	inst := &Instance{
		manifest: manifest.Clone(),
		module:   module,
		sandbox:  sandbox,
		api:      api,
		path:     src.Path,
		loadedAt: time.Now(),
	}
	inst.enabled.Store(manifest.Enabled && !m.disabled[manifest.ID])
	if !inst.enabled.Load() {
		m.logger.Debug().
			Str("plugin", manifest.ID).
			Bool("manifest_enabled", manifest.Enabled).
			Bool("config_disabled", m.disabled[manifest.ID]).
			Msg("Plugin loads disabled")
	}

	m.mu.Lock()
	if err := m.registry.Register(inst); err != nil {
		m.mu.Unlock()
		m.closeModule(manifest.ID, module)
		return fail(StageRegister, err)
	}
	hookNames := make([]string, 0, len(module.Hooks))
	for name, fn := range module.Hooks {
		if fn != nil {
			hookNames = append(hookNames, name)
		}
	}
	sort.Strings(hookNames)
	for _, name := range hookNames {
		m.hooks.Register(manifest.ID, name, module.Hooks[name])
	}
	m.mu.Unlock()

	if module.Initialize != nil {
		err := safeCall(func() error { return module.Initialize(ctx, api) })
		if err != nil {
			m.removeInstance(manifest.ID)
			m.closeModule(manifest.ID, module)
			return fail(StageInitialize, err)
		}
	}

	inst.ready.Store(true)
	return nil
}

func (m *Manager) checkDependencies(manifest *Manifest) error {
	if len(manifest.Dependencies) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(manifest.Dependencies))
	for id := range manifest.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		dep, ok := m.registry.Get(id)
		if !ok || !dep.ready.Load() {
			return fmt.Errorf("%w: %s", ErrDependencyMissing, id)
		}
		if constraint := manifest.Dependencies[id]; constraint != "" {
			if err := checkVersionCompatibility(dep.manifest.Version, constraint); err != nil {
				return fmt.Errorf("incompatible dependency version for %s: %w", id, err)
			}
		}
	}
	return nil
}

func (m *Manager) evaluatorFor(manifest *Manifest, src Source) (Evaluator, error) {
	runtime := manifest.Runtime
	if runtime == "" {
		runtime = RuntimeFor(manifest.Main)
	}
	ev, ok := m.runtimes[runtime]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRuntime, runtime)
	}
	return ev, nil
}

// RuntimeFor picks the default runtime for an entry point
func RuntimeFor(main string) string {
	if strings.EqualFold(filepath.Ext(main), ".lua") {
		return RuntimeLua
	}
	return RuntimeRPC
}

// UnloadPlugin runs cleanup and removes every registration owned by id.
// It reports whether a plugin was unloaded.
func (m *Manager) UnloadPlugin(ctx context.Context, id string) bool {
	if !m.unload(ctx, id) {
		return false
	}
	m.events.Emit(ctx, EventPluginUnloaded, map[string]any{"id": id})
	return true
}

func (m *Manager) unload(ctx context.Context, id string) bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	inst := m.instance(id)
	if inst == nil {
		return false
	}
	inst.ready.Store(false)

	if inst.module.Cleanup != nil {
		if err := safeCall(func() error { return inst.module.Cleanup(ctx) }); err != nil {
			m.logLifecycleError(&LifecycleError{PluginID: id, Stage: StageCleanup, Err: err})
		}
	}

	hooks, commands, subs := m.removeInstance(id)
	m.closeModule(id, inst.module)

	if dependents := m.Dependents(id); len(dependents) > 0 {
		m.logger.Warn().
			Str("plugin", id).
			Strs("dependents", dependents).
			Msg("Unloaded plugin is still required by loaded plugins")
	}

	m.logger.Info().
		Str("plugin", id).
		Strs("hooks", hooks).
		Strs("commands", commands).
		Int("subscriptions", subs).
		Msg("Plugin unloaded")
	return true
}

// removeInstance drops the instance and everything it owns.
func (m *Manager) removeInstance(id string) (hooks, commands []string, subs int) {
	m.mu.Lock()
	hooks = m.hooks.UnregisterByPlugin(id)
	m.registry.Remove(id)
	m.mu.Unlock()

	commands = m.commands.UnregisterByPlugin(id)
	subs = m.events.RemoveOwner(id)
	return hooks, commands, subs
}

func (m *Manager) closeModule(id string, module *Module) {
	if module == nil || module.Close == nil {
		return
	}
	if err := safeCall(module.Close); err != nil {
		m.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to release plugin runtime")
	}
}

// ReloadPlugin unloads id (if loaded) and loads the given manifest and source
func (m *Manager) ReloadPlugin(ctx context.Context, manifest Manifest, src Source) error {
	m.UnloadPlugin(ctx, manifest.ID)
	return m.LoadPlugin(ctx, manifest, src)
}

// TogglePlugin enables or disables a plugin without unloading it. A failing
// onEnable or onDisable is logged and the new state is kept. It reports
// whether the plugin exists.
func (m *Manager) TogglePlugin(ctx context.Context, id string, enabled bool) bool {
	changed, ok := m.toggle(ctx, id, enabled)
	if !ok {
		return false
	}
	if changed {
		m.events.Emit(ctx, EventPluginToggled, map[string]any{"id": id, "enabled": enabled})
	}
	return true
}

func (m *Manager) toggle(ctx context.Context, id string, enabled bool) (changed, ok bool) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	inst := m.instance(id)
	if inst == nil {
		return false, false
	}
	if inst.enabled.Load() == enabled {
		return false, true
	}
	inst.enabled.Store(enabled)

	fn, stage := inst.module.OnDisable, StageOnDisable
	if enabled {
		fn, stage = inst.module.OnEnable, StageOnEnable
	}
	if fn != nil {
		if err := safeCall(func() error { return fn(ctx) }); err != nil {
			m.logLifecycleError(&LifecycleError{PluginID: id, Stage: stage, Err: err})
		}
	}

	m.logger.Info().Str("plugin", id).Bool("enabled", enabled).Msg("Plugin toggled")
	return true, true
}

// ListPlugins returns manifests of loaded plugins in load order
func (m *Manager) ListPlugins() []Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Manifest, 0, m.registry.Len())
	for _, inst := range m.registry.All() {
		if inst.ready.Load() {
			out = append(out, inst.Manifest())
		}
	}
	return out
}

// Plugins returns descriptive info for loaded plugins in load order
func (m *Manager) Plugins() []Info {
	m.mu.RLock()
	instances := m.registry.All()
	m.mu.RUnlock()

	out := make([]Info, 0, len(instances))
	for _, inst := range instances {
		if !inst.ready.Load() {
			continue
		}
		out = append(out, m.info(inst))
	}
	return out
}

// Plugin returns info for one loaded plugin
func (m *Manager) Plugin(id string) (Info, bool) {
	inst := m.instance(id)
	if inst == nil || !inst.ready.Load() {
		return Info{}, false
	}
	return m.info(inst), true
}

func (m *Manager) info(inst *Instance) Info {
	return Info{
		Manifest: inst.Manifest(),
		Commands: m.commands.ByPlugin(inst.ID()),
		Hooks:    m.hooks.ByPlugin(inst.ID()),
		LoadedAt: inst.loadedAt,
		Path:     inst.path,
	}
}

// PluginConfig returns the effective config of a loaded plugin
func (m *Manager) PluginConfig(ctx context.Context, id string) (map[string]any, error) {
	inst := m.instance(id)
	if inst == nil {
		return nil, ErrPluginNotFound
	}
	return inst.api.GetConfig(ctx), nil
}

// UpdatePluginConfig shallow-merges patch into a plugin's config
func (m *Manager) UpdatePluginConfig(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	inst := m.instance(id)
	if inst == nil {
		return nil, ErrPluginNotFound
	}
	return inst.api.UpdateConfig(ctx, patch)
}

// Dependents returns the loaded plugins that declare id as a dependency
func (m *Manager) Dependents(id string) []string {
	m.mu.RLock()
	manifests := make(map[string]*Manifest, m.registry.Len())
	for _, inst := range m.registry.All() {
		manifest := inst.Manifest()
		manifests[inst.ID()] = &manifest
	}
	m.mu.RUnlock()

	resolver := NewDependencyResolver(m.logger)
	return resolver.GetDependents(resolver.BuildDependencyGraph(manifests), id)
}

// Shutdown unloads every plugin in reverse load order
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	instances := m.registry.All()
	m.mu.RUnlock()

	for i := len(instances) - 1; i >= 0; i-- {
		m.UnloadPlugin(ctx, instances[i].ID())
	}
	m.logger.Info().Int("count", len(instances)).Msg("Plugin manager shut down")
}

func (m *Manager) instance(id string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, _ := m.registry.Get(id)
	return inst
}

func (m *Manager) notify(title, message string) {
	if m.notifier != nil {
		m.notifier.ShowFrom("plugins", title, message)
	}
}

func (m *Manager) logLifecycleError(err *LifecycleError) {
	m.logger.Error().
		Err(err.Err).
		Str("plugin", err.PluginID).
		Str("stage", err.Stage).
		Msg("Plugin lifecycle call failed")
}

// safeCall runs fn, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
