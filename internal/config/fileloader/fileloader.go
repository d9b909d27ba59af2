// Package fileloader loads the provider registry from a yaml file on disk.
// The registry maps provider ids to their webhook signing secret and OAuth
// client credentials, kept out of the main config so it can be mounted from a
// secret store.
package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/areahq/area-pipeline/internal/config"
)

// ProviderFile is the on-disk shape of the provider registry.
type ProviderFile struct {
	Providers map[string]config.ProviderConfig `yaml:"providers"`
}

// FileLoader loads provider credentials from a file on disk.
type FileLoader struct {
	// path is the filesystem path to the provider registry file.
	path string
}

// NewFileLoader creates a new FileLoader for the specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the provider registry. It returns the provider map or
// an error if reading or parsing fails.
func (l *FileLoader) Load(ctx context.Context) (map[string]config.ProviderConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider registry: %w", err)
	}

	var pf ProviderFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse provider registry: %w", err)
	}

	return pf.Providers, nil
}
