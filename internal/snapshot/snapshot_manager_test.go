package snapshot

// ============================================================================
// Snapshot manager tests: atomic write, load, absent vs corrupted, backups
// ============================================================================

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string   `json:"name"`
	Index int      `json:"index"`
	IDs   []string `json:"ids"`
}

// ============================================================================
// Basics
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_record.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_record.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	manager := NewManager(path)

	original := record{Name: "board", Index: 41, IDs: []string{"a", "b", "c"}}
	require.NoError(t, manager.Write(original))

	var loaded record
	require.NoError(t, manager.Load(&loaded))
	assert.Equal(t, original, loaded)
}

func TestWriteCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs", "inventory.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(record{Name: "x"}))
	assert.True(t, manager.Exists())
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(record{Index: 50}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(record{Index: 100}))
	}()

	var loaded record
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		assert.NoError(t, manager.Load(&loaded))
	}()

	wg.Wait()

	assert.True(t, loaded.Index == 50 || loaded.Index == 100,
		"should load either old (50) or new (100) record, got %d", loaded.Index)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(record{}))
	assert.True(t, manager.Exists())
}

func TestRemove(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))

	assert.NoError(t, manager.Remove(), "removing an absent record is fine")

	require.NoError(t, manager.Write(record{Index: 1}))
	require.NoError(t, manager.Remove())
	assert.False(t, manager.Exists())
}

// ============================================================================
// Error handling
// ============================================================================

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	var loaded record
	err := manager.Load(&loaded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
	assert.False(t, errors.Is(err, ErrCorruptedSnapshot))
}

func TestLoadCorrupted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"name": "board", "index": 4`},
		{"empty", ``},
		{"wrong shape", `["not", "an", "object"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			var loaded record
			err := NewManager(path).Load(&loaded)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptedSnapshot))
		})
	}
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	manager := NewManager(filepath.Join(readOnlyDir, "checkpoint.json"))
	assert.Error(t, manager.Write(record{}))
}

func TestWriteUnmarshalable(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "bad.json"))
	assert.Error(t, manager.Write(map[string]any{"ch": make(chan int)}))
	assert.False(t, manager.Exists())
}

// ============================================================================
// Backups
// ============================================================================

func TestWriteWithBackup(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "inventory.json")
	manager := NewManager(path)

	backup, err := manager.WriteWithBackup(record{Index: 1}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, backup, "nothing to back up on first write")

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	backup, err = manager.WriteWithBackup(record{Index: 2}, now)
	require.NoError(t, err)
	assert.Equal(t, path+".20260304_050607", backup)

	var loaded record
	require.NoError(t, manager.Load(&loaded))
	assert.Equal(t, 2, loaded.Index)

	var old record
	require.NoError(t, NewManager(backup).Load(&old))
	assert.Equal(t, 1, old.Index)
}

// ============================================================================
// Size and concurrency
// ============================================================================

func TestLargeRecord(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "inventory.json"))

	large := record{Name: "large"}
	for i := 0; i < 5000; i++ {
		large.IDs = append(large.IDs, strings.Repeat("x", i%40))
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	var loaded record
	require.NoError(t, manager.Load(&loaded))
	t.Logf("round trip for %d ids: %v", len(large.IDs), time.Since(start))

	assert.Len(t, loaded.IDs, len(large.IDs))
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "checkpoint.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(record{Index: index}))
		}(i)
	}
	wg.Wait()

	var loaded record
	require.NoError(t, manager.Load(&loaded))
	assert.GreaterOrEqual(t, loaded.Index, 0)
	assert.Less(t, loaded.Index, 10)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`[1]`), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte(`[1,2]`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(data))
}
