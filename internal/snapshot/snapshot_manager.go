package snapshot

// ============================================================================
// Responsibilities:
// 1. Persist a single JSON record (checkpoint, inventory, success snapshot,
//    duplicate report) as one file
// 2. Atomic writes (temp file + fsync + rename) so a crash leaves either the
//    old or the new content, never a torn mix
// 3. Distinguish "absent" from "corrupted" on load
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot = errors.New("snapshot file is corrupted")
	ErrSnapshotNotFound  = errors.New("snapshot file not found")
)

// ============================================================================
// Manager
// ============================================================================

// Manager owns one JSON record file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for path. The file is not touched until the
// first Write.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write atomically replaces the record with v, indented for human reading.
func (m *Manager) Write(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(v)
}

func (m *Manager) writeLocked(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", filepath.Base(m.path))
	}
	return WriteFileAtomic(m.path, jsonBytes, 0o644)
}

// Load decodes the record into v.
//
// Returns ErrSnapshotNotFound when the file does not exist and
// ErrCorruptedSnapshot when it exists but is empty or not valid JSON for v.
func (m *Manager) Load(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrSnapshotNotFound, "%s", m.path)
		}
		return errors.Wrapf(err, "read %s", m.path)
	}
	if len(jsonBytes) == 0 {
		return errors.Wrapf(ErrCorruptedSnapshot, "%s is empty", m.path)
	}
	if err := json.Unmarshal(jsonBytes, v); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s", m.path), ErrCorruptedSnapshot)
	}
	return nil
}

// Remove deletes the record. Removing an absent record is not an error.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", m.path)
	}
	return nil
}

// Exists reports whether the record file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the record file path.
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup renames the current record to path.YYYYMMDD_150405 before
// writing v, so a superseded record stays on disk for inspection.
func (m *Manager) WriteWithBackup(v any, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var backupPath string
	if _, err := os.Stat(m.path); err == nil {
		backupPath = fmt.Sprintf("%s.%s", m.path, now.Format("20060102_150405"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return "", errors.Wrapf(err, "backup %s", m.path)
		}
	}

	return backupPath, m.writeLocked(v)
}

// ============================================================================
// Atomic file replacement
// ============================================================================

// WriteFileAtomic writes data to path.tmp, syncs it and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create dir %s", dir)
		}
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return errors.Wrapf(err, "open temp file %s", tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "write temp file %s", tmpPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "sync temp file %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "close temp file %s", tmpPath)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "rename %s", tmpPath)
	}
	return nil
}
