// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sequence manages installed sequence packages: manifest
// parsing, directory layout, and change watching. Packages are never
// loaded into this process; they run as child processes.
package sequence

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// ManifestFile is the required metadata file in every package directory.
const ManifestFile = "manifest.yaml"

// Step describes one step the sequence will execute, in order.
type Step struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Timeout in seconds; 0 means no per-step limit.
	Timeout int `yaml:"timeout,omitempty"`
}

// Manifest describes an installed sequence package.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	// Entry is the module executed as the child process; defaults to main.
	Entry string `yaml:"entry,omitempty"`
	Steps []Step `yaml:"steps"`
	// Parameters holds sequence parameter defaults, overridable per batch
	// and per START_SEQUENCE command.
	Parameters map[string]any `yaml:"parameters,omitempty"`
	// Hardware declares required devices and their default settings, merged
	// into batch hardware config at start.
	Hardware map[string]map[string]any `yaml:"hardware,omitempty"`
}

// StepNames returns the ordered step names for status snapshots.
func (m *Manifest) StepNames() []string {
	names := make([]string, len(m.Steps))
	for i, step := range m.Steps {
		names[i] = step.Name
	}
	return names
}

// loadManifest reads and validates a package's manifest.yaml.
func loadManifest(pkgDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pkgDir, ManifestFile))
	if err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: filepath.Base(pkgDir), Cause: err}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: filepath.Base(pkgDir), Cause: err}
	}

	if m.Name == "" {
		m.Name = filepath.Base(pkgDir)
	}
	if m.Entry == "" {
		m.Entry = "main"
	}
	if len(m.Steps) == 0 {
		return nil, &stationerrors.SequenceLoadError{
			Package: m.Name,
			Cause:   &stationerrors.ValidationError{Field: "steps", Message: "manifest declares no steps"},
		}
	}
	return &m, nil
}
