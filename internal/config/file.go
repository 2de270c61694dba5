package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBackupCount is the number of rotated backups kept next to the
// config file.
const DefaultBackupCount = 5

// AtomicWriteJSON marshals data as indented JSON and writes it through
// AtomicWrite.
func AtomicWriteJSON(path string, data interface{}, perm os.FileMode) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return AtomicWrite(path, raw, perm)
}

// AtomicWrite writes data via a temp file in the target directory and a
// rename. A crash mid-write leaves the previous file intact.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// The temp file must live on the same filesystem as the target for
	// the rename to be atomic.
	tmp, err := os.CreateTemp(dir, ".tablesage-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	ok = true
	return nil
}

// BackupAndWriteJSON rotates the existing file into the .bak chain, then
// writes the new content atomically with owner-only permissions. The
// config can hold provider keys, so it is never group or world readable.
func BackupAndWriteJSON(path string, data interface{}, maxBackups int) error {
	if maxBackups <= 0 {
		maxBackups = DefaultBackupCount
	}
	if _, err := os.Stat(path); err == nil {
		rotateBackups(path, maxBackups)
	}
	return AtomicWriteJSON(path, data, 0600)
}

// rotateBackups shifts path.bak -> path.bak.1 -> ... and copies the
// current file to path.bak. The oldest backup past max falls off.
func rotateBackups(path string, max int) {
	base := path + ".bak"
	os.Remove(fmt.Sprintf("%s.%d", base, max-1))
	for i := max - 2; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", base, i), fmt.Sprintf("%s.%d", base, i+1))
	}
	os.Rename(base, base+".1")

	// Backup failures never block the save itself.
	current, err := os.ReadFile(path)
	if err != nil {
		return
	}
	os.WriteFile(base, current, 0600)
}
