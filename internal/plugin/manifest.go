package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFilename is the per-plugin manifest file name.
const ManifestFilename = "plugin.yaml"

// Manifest describes a plugin: identity, entry point, and the permissions
// it requests beyond the default sandbox.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Entry       string   `yaml:"entry"`   // entry .go file, relative to the plugin dir
	Imports     []string `yaml:"imports"` // extra stdlib packages the plugin requests
	Events      []string `yaml:"events"`  // event names the plugin subscribes to
}

// LoadManifest reads and validates a plugin.yaml file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ImplicitManifest builds a manifest for a bare .go plugin file with no
// plugin.yaml next to it. The plugin name is the file name without extension.
func ImplicitManifest(path string) *Manifest {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return &Manifest{
		Name:    name,
		Version: "0.0.0",
		Entry:   base,
	}
}

// Validate checks required fields and name shape.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrManifestInvalid)
	}
	if !validPluginName(m.Name) {
		return fmt.Errorf("%w: name %q must be a lowercase identifier (letters, digits, _ or -)", ErrManifestInvalid, m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrManifestInvalid)
	}
	if m.Entry == "" {
		return fmt.Errorf("%w: entry is required", ErrManifestInvalid)
	}
	if filepath.Ext(m.Entry) != ".go" {
		return fmt.Errorf("%w: entry %q must be a .go file", ErrManifestInvalid, m.Entry)
	}
	if strings.Contains(m.Entry, "..") || filepath.IsAbs(m.Entry) {
		return fmt.Errorf("%w: entry %q must be relative to the plugin directory", ErrManifestInvalid, m.Entry)
	}
	for _, ev := range m.Events {
		if ev == "" {
			return fmt.Errorf("%w: empty event name", ErrManifestInvalid)
		}
	}
	return nil
}

func validPluginName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case r == '_' || r == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
