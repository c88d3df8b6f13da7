package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// PluginDiscovery scans directories to find plugins
type PluginDiscovery struct {
	logger zerolog.Logger
}

// NewPluginDiscovery creates a new plugin discovery instance
func NewPluginDiscovery(logger zerolog.Logger) *PluginDiscovery {
	return &PluginDiscovery{
		logger: logger.With().Str("component", "plugin-discovery").Logger(),
	}
}

// DiscoverPlugins scans dirs in order. Each entry is either a plugin
// directory itself or a parent of plugin directories. A directory that
// cannot be read is logged and skipped, and a plugin directory reached
// twice is reported once.
func (d *PluginDiscovery) DiscoverPlugins(dirs []string) []DiscoveredPlugin {
	var discovered []DiscoveredPlugin
	seen := make(map[string]bool)

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		plugins, err := d.scanDirectory(dir)
		if err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan plugin directory")
			continue
		}
		for _, p := range plugins {
			key := filepath.Clean(p.Path)
			if seen[key] {
				continue
			}
			seen[key] = true
			discovered = append(discovered, p)
		}
	}

	d.logger.Info().Int("count", len(discovered)).Msg("Plugin discovery completed")
	return discovered
}

// scanDirectory scans a single directory for plugins
func (d *PluginDiscovery) scanDirectory(dir string) ([]DiscoveredPlugin, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Debug().Str("dir", dir).Msg("Directory does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	if manifestPath, err := FindManifest(dir); err == nil {
		return []DiscoveredPlugin{d.found(dir, manifestPath)}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var discovered []DiscoveredPlugin

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		pluginDir := filepath.Join(dir, entry.Name())
		manifestPath, err := FindManifest(pluginDir)
		if err != nil {
			d.logger.Debug().
				Str("dir", pluginDir).
				Msg("Directory does not contain a manifest, skipping")
			continue
		}

		discovered = append(discovered, d.found(pluginDir, manifestPath))
	}

	return discovered, nil
}

func (d *PluginDiscovery) found(dir, manifestPath string) DiscoveredPlugin {
	p := DiscoveredPlugin{
		ID:           filepath.Base(dir),
		Path:         dir,
		ManifestPath: manifestPath,
	}
	d.logger.Debug().
		Str("id", p.ID).
		Str("path", p.Path).
		Msg("Discovered plugin")
	return p
}
