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

package sequence

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Loader resolves sequence packages under a single sequences directory,
// one subdirectory per package.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader rooted at dir, creating it if absent.
func NewLoader(dir string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: dir, Cause: err}
	}
	return &Loader{dir: dir, logger: logger.With(slog.String("component", "sequence"))}, nil
}

// Dir returns the sequences root; workers use it as the child process
// working directory parent.
func (l *Loader) Dir() string { return l.dir }

// PackageDir returns the directory a named package lives in.
func (l *Loader) PackageDir(name string) string {
	return filepath.Join(l.dir, name)
}

// Load reads the manifest for an installed package.
func (l *Loader) Load(name string) (*Manifest, error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return nil, &stationerrors.ValidationError{Field: "sequence_package", Message: "invalid package name"}
	}
	pkgDir := l.PackageDir(name)
	if _, err := os.Stat(pkgDir); err != nil {
		return nil, &stationerrors.NotFoundError{Resource: "sequence package", ID: name}
	}
	return loadManifest(pkgDir)
}

// List returns the manifests of all installed packages, sorted by name.
// Directories without a readable manifest are skipped with a warning.
func (l *Loader) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: l.dir, Cause: err}
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		m, err := loadManifest(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Warn("skipping package with unreadable manifest",
				slog.String("package", entry.Name()), slog.Any("error", err))
			continue
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}

// Install extracts a pulled package archive (tar.gz) into the package
// directory, replacing any prior version atomically via a staging
// directory.
func (l *Loader) Install(name string, archive []byte) (*Manifest, error) {
	staging, err := os.MkdirTemp(l.dir, ".install-"+name+"-*")
	if err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: name, Cause: err}
	}
	defer os.RemoveAll(staging)

	if err := extractTarGz(staging, archive); err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: name, Cause: err}
	}

	// Validate before swapping in.
	m, err := loadManifest(staging)
	if err != nil {
		return nil, err
	}

	target := l.PackageDir(name)
	if err := os.RemoveAll(target); err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: name, Cause: err}
	}
	if err := os.Rename(staging, target); err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: name, Cause: err}
	}

	l.logger.Info("sequence package installed",
		slog.String("package", name), slog.String("version", m.Version))
	return m, nil
}

// extractTarGz unpacks an archive under dir, refusing path escapes.
func extractTarGz(dir string, archive []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
			return &stationerrors.ValidationError{Field: "archive", Message: "entry escapes package directory: " + hdr.Name}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}
