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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// backupsToKeep is the number of rotated config backups retained on save.
const backupsToKeep = 5

// Save writes the configuration atomically: marshal to a temp file in the
// same directory, fsync, rename over the target. The previous file is
// rotated to <path>.bak.<n> and old backups beyond backupsToKeep removed.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = Path()
	}

	cfg.batchesMu.RLock()
	data, err := yaml.Marshal(cfg)
	cfg.batchesMu.RUnlock()
	if err != nil {
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}

	if err := rotateBackups(path); err != nil {
		return &stationerrors.PersistenceError{Op: "rotate_config_backups", Cause: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &stationerrors.PersistenceError{Op: "save_config", Cause: err}
	}
	return nil
}

// rotateBackups copies the current file to the next numbered backup and
// trims backups beyond the retention count. Missing current file is fine.
func rotateBackups(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	pattern := path + ".bak.*"
	existing, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	sort.Strings(existing)

	next := 1
	if n := len(existing); n > 0 {
		var last int
		if _, err := fmt.Sscanf(filepath.Ext(existing[n-1]), ".%d", &last); err == nil {
			next = last + 1
		} else {
			next = n + 1
		}
	}

	backup := fmt.Sprintf("%s.bak.%04d", path, next)
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return err
	}

	existing = append(existing, backup)
	if extra := len(existing) - backupsToKeep; extra > 0 {
		for _, old := range existing[:extra] {
			if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
