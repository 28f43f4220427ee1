package session

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// ModelInfo is one selectable model from the manifest.
type ModelInfo struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
}

// Manifest lists the models the session may be switched to. An empty
// manifest disables validation: any requested model is passed through.
type Manifest struct {
	Models []ModelInfo `yaml:"models"`
}

// LoadManifest reads a YAML manifest from path. An empty path yields an
// empty (permissive) manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model manifest: %w", err)
	}
	return &m, nil
}

// Allows reports whether the manifest permits id.
func (m *Manifest) Allows(id string) bool {
	if len(m.Models) == 0 {
		return true
	}
	for _, info := range m.Models {
		if info.ID == id {
			return true
		}
	}
	return false
}

// IDs returns every listed model id.
func (m *Manifest) IDs() []string {
	ids := make([]string, 0, len(m.Models))
	for _, info := range m.Models {
		ids = append(ids, info.ID)
	}
	return ids
}
