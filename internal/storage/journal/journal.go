package journal

// ============================================================================
// Append-only JSON journal
// Responsibilities:
// 1. Append outcome entries to a per-run log file (one JSON array per file)
// 2. Replay entries from any journal file, including older layouts
// 3. Never leave a torn file behind: every append rewrites the array
//    through snapshot.WriteFileAtomic
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/board-copier/internal/snapshot"
)

// EnvelopeKeys are the object keys searched, in order, when a journal file
// holds an object instead of a bare array.
var EnvelopeKeys = []string{"items", "successful_pins", "pins", "records"}

// EntryHandler receives one raw entry during replay. Returning an error stops
// the replay.
type EntryHandler func(raw json.RawMessage) error

// Journal is an append-only list of JSON entries backed by one file.
type Journal struct {
	mu      sync.Mutex
	path    string
	entries []json.RawMessage
}

// Open loads path if it exists so appends continue after existing entries.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path}

	entries, err := ReadEntries(path)
	switch {
	case err == nil:
		j.entries = entries
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	return j, nil
}

// Append adds v as the last entry and persists the whole journal atomically.
// On failure the in-memory state is left unchanged.
//
// Each call rewrites every entry, so n appends cost O(n²) bytes. That is fine
// at one append per paced transfer; switch new files to JSON Lines if a
// journal ever needs to take appends in a tight loop.
func (j *Journal) Append(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "journal: marshal entry")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next := append(j.entries[:len(j.entries):len(j.entries)], json.RawMessage(raw))
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return errors.Wrap(err, "journal: marshal entries")
	}
	if err := snapshot.WriteFileAtomic(j.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "journal: append to %s", j.path)
	}

	j.entries = next
	return nil
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Path returns the backing file path.
func (j *Journal) Path() string {
	return j.path
}

// Replay calls handler for every entry in order.
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	entries := j.entries
	j.mu.Unlock()

	for _, raw := range entries {
		if err := handler(raw); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// File level helpers
// ============================================================================

// ReadEntries decodes a journal file. A bare array yields its elements; an
// object yields the elements of the first EnvelopeKeys array it contains.
func ReadEntries(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "journal: read %s", path)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "journal: decode %s", path), ErrCorruptedJournal)
		}
		return entries, nil

	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "journal: decode %s", path), ErrCorruptedJournal)
		}
		for _, key := range EnvelopeKeys {
			inner, ok := envelope[key]
			if !ok {
				continue
			}
			var entries []json.RawMessage
			if err := json.Unmarshal(inner, &entries); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "journal: decode %s.%s", path, key), ErrCorruptedJournal)
			}
			return entries, nil
		}
		return nil, errors.Wrapf(ErrCorruptedJournal, "%s has no entry array", path)

	default:
		return nil, errors.Wrapf(ErrCorruptedJournal, "%s is not a JSON array or object", path)
	}
}

// ReplayFile streams the entries of path into handler.
func ReplayFile(path string, handler EntryHandler) error {
	entries, err := ReadEntries(path)
	if err != nil {
		return err
	}
	for _, raw := range entries {
		if err := handler(raw); err != nil {
			return err
		}
	}
	return nil
}

// List returns the journal files in dir whose name starts with prefix, sorted
// by name (the timestamp in the name makes this chronological). Temp files and
// names containing any of exclude are skipped.
func List(dir, prefix string, exclude ...string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "journal: list %s", dir)
	}

	out := matches[:0]
next:
	for _, m := range matches {
		base := filepath.Base(m)
		for _, ex := range exclude {
			if strings.Contains(base, ex) {
				continue next
			}
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}
