package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vcpd/internal/vcperr"
)

// ManifestFileName is the per-plugin manifest looked up inside each plugin
// directory.
const ManifestFileName = "plugin-manifest.json"

// Manifest is the on-disk description of a subprocess plugin.
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Description string `json:"description"`
	PluginType  string `json:"pluginType"`

	EntryPoint struct {
		Command string `json:"command"`
	} `json:"entryPoint"`

	Communication struct {
		Protocol string `json:"protocol"`
		Timeout  int    `json:"timeout"` // milliseconds
	} `json:"communication"`

	ConfigSchema map[string]ConfigField `json:"configSchema"`

	Capabilities struct {
		InvocationCommands []ManifestCommand `json:"invocationCommands"`
	} `json:"capabilities"`
}

// ConfigField is one configSchema entry. Only the default matters to the
// runtime; it becomes a child environment variable.
type ConfigField struct {
	Default any    `json:"default"`
	Type    string `json:"type"`
}

// ManifestCommand is one invocation command from the manifest.
type ManifestCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Example     string `json:"example"`
}

// LoadManifest reads and validates the manifest file inside dir.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vcperr.Wrap(vcperr.KindInvalidManifest, "failed to read plugin manifest", err, "path", path)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, vcperr.Wrap(vcperr.KindInvalidManifest, "failed to parse plugin manifest", err, "path", path)
	}
	if m.ID == "" {
		m.ID = m.Name
	}
	if m.ID == "" {
		return nil, vcperr.New(vcperr.KindInvalidManifest, "manifest missing id and name", "path", path)
	}
	return &m, nil
}

// TimeoutDuration returns the communication timeout with the runtime
// default applied.
func (m *Manifest) TimeoutDuration(fallback time.Duration) time.Duration {
	if m.Communication.Timeout > 0 {
		return time.Duration(m.Communication.Timeout) * time.Millisecond
	}
	return fallback
}

// EnvDefaults renders configSchema defaults as environment strings.
func (m *Manifest) EnvDefaults() map[string]string {
	if len(m.ConfigSchema) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.ConfigSchema))
	for name, field := range m.ConfigSchema {
		if field.Default == nil {
			continue
		}
		out[name] = fmt.Sprintf("%v", field.Default)
	}
	return out
}

// Descriptor converts the manifest into a registry descriptor rooted at
// dir.
func (m *Manifest) Descriptor(dir string, defaultTimeout time.Duration) Descriptor {
	kind := Kind(m.PluginType)
	if kind == "" {
		kind = KindSubprocess
	}
	name := m.DisplayName
	if name == "" {
		name = m.Name
	}
	d := Descriptor{
		ID:             m.ID,
		Name:           name,
		Version:        m.Version,
		Description:    m.Description,
		Kind:           kind,
		Entry:          m.EntryPoint.Command,
		Dir:            dir,
		ConfigDefaults: m.EnvDefaults(),
		Timeout:        m.TimeoutDuration(defaultTimeout),
	}
	for _, c := range m.Capabilities.InvocationCommands {
		d.Commands = append(d.Commands, Command{
			Command:     c.Command,
			Description: c.Description,
			Example:     c.Example,
		})
	}
	return d
}

// LoadAll scans dir for plugin directories carrying a manifest and returns
// a descriptor per manifest. Directories without a manifest are skipped;
// broken manifests are reported but do not abort the scan.
func LoadAll(dir string, defaultTimeout time.Duration) ([]Descriptor, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{vcperr.Wrap(vcperr.KindPluginLoad, "failed to read plugin directory", err, "dir", dir)}
	}

	var (
		descriptors []Descriptor
		errs        []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		if _, statErr := os.Stat(filepath.Join(pluginDir, ManifestFileName)); statErr != nil {
			continue
		}
		m, loadErr := LoadManifest(pluginDir)
		if loadErr != nil {
			errs = append(errs, loadErr)
			continue
		}
		descriptors = append(descriptors, m.Descriptor(pluginDir, defaultTimeout))
	}
	return descriptors, errs
}
