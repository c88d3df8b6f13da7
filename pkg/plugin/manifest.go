package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Manifest file names searched for in a plugin directory, in order.
var ManifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

var (
	// pluginIDRegex validates plugin ID format (lowercase alphanumeric with hyphens)
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func manifestSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(ManifestSchema))
	})
	return schema, schemaErr
}

// ManifestLoader loads and validates plugin manifests
type ManifestLoader struct {
	logger zerolog.Logger
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		logger: logger.With().Str("component", "manifest-loader").Logger(),
	}
}

// LoadManifest loads and validates a plugin manifest from a file
func (m *ManifestLoader) LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := ParseManifest(path, data)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Str("path", path).
		Msg("Loaded manifest")

	return manifest, nil
}

// ParseManifest decodes and validates manifest bytes. The format is chosen
// from the file extension of name; anything but .yaml/.yml is JSON.
func ParseManifest(name string, data []byte) (*Manifest, error) {
	doc, err := manifestDocument(name, data)
	if err != nil {
		return nil, err
	}

	if err := validateSchema(doc); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	manifest := Manifest{Enabled: true}
	if err := json.Unmarshal(doc, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	return &manifest, nil
}

// manifestDocument normalises a manifest to JSON.
func manifestDocument(name string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert manifest YAML: %w", err)
		}
		return out, nil
	default:
		if !json.Valid(data) {
			var probe any
			err := json.Unmarshal(data, &probe)
			return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
		}
		return data, nil
	}
}

// ValidateManifest checks a manifest built in code against the same rules
// as a manifest read from disk.
func ValidateManifest(manifest *Manifest) error {
	doc, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return err
	}
	return validateManifest(manifest)
}

// validateSchema validates the manifest against the JSON schema
func validateSchema(data []byte) error {
	s, err := manifestSchema()
	if err != nil {
		return fmt.Errorf("invalid manifest schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// validateManifest performs additional validation beyond JSON schema
func validateManifest(manifest *Manifest) error {
	if !pluginIDRegex.MatchString(manifest.ID) {
		return fmt.Errorf("invalid plugin ID format: %s (must be lowercase alphanumeric with hyphens)", manifest.ID)
	}

	if _, err := semver.NewVersion(manifest.Version); err != nil {
		return fmt.Errorf("invalid version %s: %w", manifest.Version, err)
	}

	if manifest.Main == "" {
		return fmt.Errorf("main entry point cannot be empty")
	}

	for id, constraint := range manifest.Dependencies {
		if id == manifest.ID {
			return fmt.Errorf("plugin cannot depend on itself")
		}
		if constraint == "" {
			continue
		}
		if _, err := semver.NewConstraint(constraint); err != nil {
			return fmt.Errorf("dependency %s: invalid constraint %q: %w", id, constraint, err)
		}
	}

	for i, perm := range manifest.Permissions {
		if !ValidPermissions[perm] {
			return fmt.Errorf("permission %d: unrecognized permission: %s", i, perm)
		}
	}

	return nil
}

// FindManifest returns the manifest file inside dir
func FindManifest(dir string) (string, error) {
	for _, name := range ManifestFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("no manifest in %s", dir)
}
