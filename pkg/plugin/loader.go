package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/harun/nouschat/pkg/hoststore"
)

// ReadPluginDir reads the manifest and entry point of a plugin directory.
// rpc entry points are resolved to an absolute executable path and not read.
func ReadPluginDir(dir string) (*Manifest, Source, error) {
	manifestPath, err := FindManifest(dir)
	if err != nil {
		return nil, Source{}, err
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, Source{}, fmt.Errorf("failed to read manifest file: %w", err)
	}
	manifest, err := ParseManifest(manifestPath, data)
	if err != nil {
		return nil, Source{}, err
	}

	src, err := readEntry(dir, manifest)
	if err != nil {
		return nil, Source{}, err
	}
	return manifest, src, nil
}

func readEntry(dir string, manifest *Manifest) (Source, error) {
	runtime := manifest.Runtime
	if runtime == "" {
		runtime = RuntimeFor(manifest.Main)
	}

	switch runtime {
	case RuntimeBuiltin:
		return Source{Path: manifest.Main}, nil
	case RuntimeRPC:
		p, err := filepath.Abs(filepath.Join(dir, manifest.Main))
		if err != nil {
			return Source{}, err
		}
		if _, err := os.Stat(p); err != nil {
			return Source{}, fmt.Errorf("plugin executable not found: %s", p)
		}
		return Source{Path: p}, nil
	default:
		p := filepath.Join(dir, manifest.Main)
		code, err := os.ReadFile(p)
		if err != nil {
			return Source{}, fmt.Errorf("failed to read plugin source: %w", err)
		}
		return Source{Path: p, Code: code}, nil
	}
}

// LoadDir loads the plugin in dir
func (m *Manager) LoadDir(ctx context.Context, dir string) error {
	manifest, src, err := ReadPluginDir(dir)
	if err != nil {
		return err
	}
	return m.LoadPlugin(ctx, *manifest, src)
}

// LoadAll discovers plugins under dirs and loads them dependencies first.
// Cycles and unsatisfied dependencies fail only the plugins involved.
func (m *Manager) LoadAll(ctx context.Context, dirs []string) *LoadResult {
	result := &LoadResult{
		Loaded:  []string{},
		Failed:  []string{},
		Skipped: []string{},
		Errors:  make(map[string]error),
	}
	fail := func(id string, err error) {
		if _, seen := result.Errors[id]; seen {
			return
		}
		result.Failed = append(result.Failed, id)
		result.Errors[id] = err
	}

	discovered := NewPluginDiscovery(m.logger).DiscoverPlugins(dirs)
	if len(discovered) == 0 {
		return result
	}

	manifests := make(map[string]*Manifest)
	sources := make(map[string]Source)
	for _, dp := range discovered {
		manifest, src, err := ReadPluginDir(dp.Path)
		if err != nil {
			m.logger.Error().Err(err).Str("path", dp.Path).Msg("Failed to read plugin")
			fail(dp.ID, err)
			continue
		}
		if _, dup := manifests[manifest.ID]; dup {
			// keyed by path so the copy that was kept still loads
			fail(dp.Path, fmt.Errorf("%w: duplicate id %s", ErrAlreadyLoaded, manifest.ID))
			continue
		}
		manifests[manifest.ID] = manifest
		sources[manifest.ID] = src
	}

	resolver := NewDependencyResolver(m.logger)
	graph := resolver.BuildDependencyGraph(manifests)

	for _, cycle := range resolver.DetectCycles(graph) {
		for _, id := range cycle {
			fail(id, fmt.Errorf("plugin is part of dependency cycle: %v", cycle))
			delete(graph.Nodes, id)
		}
	}

	for id, err := range resolver.ValidateDependencies(graph) {
		fail(id, err)
	}

	order, err := resolver.TopologicalSort(graph)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to determine load order")
		return result
	}

	for _, id := range order {
		if _, failed := result.Errors[id]; failed {
			continue
		}
		if blocked := failedDependency(manifests[id], result.Errors); blocked != "" {
			result.Skipped = append(result.Skipped, id)
			result.Errors[id] = fmt.Errorf("%w: %s failed to load", ErrDependencyMissing, blocked)
			continue
		}

		if err := m.LoadPlugin(ctx, *manifests[id], sources[id]); err != nil {
			fail(id, err)
			continue
		}
		result.Loaded = append(result.Loaded, id)
	}

	m.logger.Info().
		Int("loaded", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Msg("Plugin loading complete")

	return result
}

func failedDependency(manifest *Manifest, errs map[string]error) string {
	for id := range manifest.Dependencies {
		if _, failed := errs[id]; failed {
			return id
		}
	}
	return ""
}

// InstallDir copies a plugin directory into host storage and returns the
// manifest path to pass to LoadFromStore.
func (m *Manager) InstallDir(ctx context.Context, dir string) (string, error) {
	if m.store == nil {
		return "", errHostUnavailable
	}

	manifest, src, err := ReadPluginDir(dir)
	if err != nil {
		return "", err
	}
	if runtime := manifest.Runtime; runtime == RuntimeRPC || (runtime == "" && RuntimeFor(manifest.Main) == RuntimeRPC) {
		return "", errors.New("rpc plugins run from disk and cannot be installed into storage")
	}

	manifestFile, err := FindManifest(dir)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(manifestFile)
	if err != nil {
		return "", err
	}

	manifestPath := path.Join(manifest.ID, filepath.Base(manifestFile))
	if len(src.Code) > 0 {
		if err := m.store.Set(ctx, hoststore.PluginKey(path.Join(manifest.ID, filepath.ToSlash(manifest.Main))), src.Code); err != nil {
			return "", fmt.Errorf("failed to store plugin source: %w", err)
		}
	}
	if err := m.store.Set(ctx, hoststore.PluginKey(manifestPath), raw); err != nil {
		return "", fmt.Errorf("failed to store manifest: %w", err)
	}

	m.logger.Info().Str("plugin", manifest.ID).Str("key", hoststore.PluginKey(manifestPath)).Msg("Plugin installed")
	return manifestPath, nil
}

// LoadFromStore loads a plugin whose manifest is stored at
// plugins:<manifestPath>. The entry point is read relative to it.
func (m *Manager) LoadFromStore(ctx context.Context, manifestPath string) error {
	if m.store == nil {
		return errHostUnavailable
	}

	raw, ok, err := m.store.Get(ctx, hoststore.PluginKey(manifestPath))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: no manifest at %s", ErrPluginNotFound, manifestPath)
	}

	manifest, err := ParseManifest(manifestPath, raw)
	if err != nil {
		return err
	}

	src := Source{Path: manifest.Main}
	if manifest.Runtime != RuntimeBuiltin {
		mainPath := path.Join(path.Dir(manifestPath), filepath.ToSlash(manifest.Main))
		code, ok, err := m.store.Get(ctx, hoststore.PluginKey(mainPath))
		if err != nil {
			return fmt.Errorf("failed to read plugin source: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: no source at %s", ErrPluginNotFound, mainPath)
		}
		src = Source{Path: mainPath, Code: code}
	}

	return m.LoadPlugin(ctx, *manifest, src)
}

// StoredPlugins lists manifest paths installed in host storage
func (m *Manager) StoredPlugins(ctx context.Context) ([]string, error) {
	if m.store == nil {
		return nil, errHostUnavailable
	}

	keys, err := m.store.Keys(ctx, hoststore.PluginsPrefix)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, key := range keys {
		p := strings.TrimPrefix(key, hoststore.PluginsPrefix)
		for _, name := range ManifestFiles {
			if path.Base(p) == name {
				paths = append(paths, p)
				break
			}
		}
	}
	return paths, nil
}
