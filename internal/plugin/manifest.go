package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manifest describes one loaded plugin. It is persisted as JSON so state
// like the enabled flag survives restarts.
type Manifest struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version,omitempty"`
	Author      string    `json:"author,omitempty"`
	Source      string    `json:"source,omitempty"`
	Actions     []string  `json:"actions,omitempty"`
	RequiresEnv []string  `json:"requiresEnv,omitempty"`
	LoadedAt    time.Time `json:"loadedAt"`
	Enabled     bool      `json:"enabled"`
}

// MissingEnv returns the required environment variables that are not set.
// A plugin with missing variables still loads; it is just reported as not
// ready.
func (m Manifest) MissingEnv() []string {
	var missing []string
	for _, name := range m.RequiresEnv {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// saveManifest writes a manifest via temp file + rename so a crash mid-write
// cannot leave a torn JSON file behind.
func saveManifest(dir string, m Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(dir, m.Name+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func loadManifest(dir, name string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest for %q: %w", name, err)
	}
	return m, nil
}
