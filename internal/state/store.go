// ============================================================================
// Board-Copier Transfer State Store
// ============================================================================
//
// Package: internal/state
// File: store.go
// Purpose: Sole owner of every persisted record of a transfer run
//
// Files (all under one directory, default logs/):
//   inventory.json           ordered item list of the last scan
//   checkpoint.json          progress of the current copy pass
//   retry_checkpoint.json    progress of the current retry pass
//   success_<stamp>.json     append-only success log, one per run
//   failed_<stamp>.json      append-only failure log, one per run
//   success_latest.json      every succeeded id, for fast membership lookup
//   duplicates.json          last duplicate report
//
// Write order:
//   Every outcome is written to its journal before the in-memory success set
//   changes, so nothing in memory is ahead of disk. Success log membership is
//   authoritative: an id present there is never eligible again, whatever the
//   failure logs say.
//
// Recovery:
//   A checkpoint that is missing, unreadable, corrupt or recorded against a
//   different inventory is treated as absent. Older log shapes are normalized
//   when read (see normalize.go).
//
// ============================================================================

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/board-copier/internal/logger"
	"github.com/ChuLiYu/board-copier/internal/snapshot"
	"github.com/ChuLiYu/board-copier/internal/storage/journal"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

// ============================================================================
// Files and errors
// ============================================================================

const (
	InventoryFile       = "inventory.json"
	CheckpointFile      = "checkpoint.json"
	RetryCheckpointFile = "retry_checkpoint.json"
	LatestSuccessFile   = "success_latest.json"
	DuplicatesFile      = "duplicates.json"
	SuccessPrefix       = "success_"
	FailurePrefix       = "failed_"

	stampLayout = "20060102_150405"
)

var (
	// ErrIncompleteInventory is returned by Finalize when some item has no
	// terminal outcome yet.
	ErrIncompleteInventory = errors.New("inventory has items without a terminal outcome")
	// ErrInvalidRecord rejects outcome records that break the record contract.
	ErrInvalidRecord = errors.New("invalid outcome record")
	// ErrNoInventory means no inventory has been persisted yet.
	ErrNoInventory = errors.New("no inventory recorded")
)

// Scope selects which checkpoint file a store instance owns.
type Scope string

const (
	ScopeCopy  Scope = "copy"
	ScopeRetry Scope = "retry"
)

func (s Scope) checkpointFile() string {
	if s == ScopeRetry {
		return RetryCheckpointFile
	}
	return CheckpointFile
}

// ============================================================================
// Store
// ============================================================================

// ResumePoint tells the orchestrator where to continue.
type ResumePoint struct {
	StartIndex       int
	AlreadySucceeded map[types.ItemID]struct{}
	Checkpoint       *types.Checkpoint // nil when absent or discarded
}

// Summary is a read-only view for status reporting.
type Summary struct {
	Dir             string
	HasInventory    bool
	Source          string
	InventoryTotal  int
	InventoryAt     time.Time
	Checkpoint      *types.Checkpoint
	RetryCheckpoint *types.Checkpoint
	Succeeded       int
	PendingFailures int
	SuccessLogs     int
	FailureLogs     int
}

// Option configures a Store.
type Option func(*Store)

// WithScope selects the checkpoint file (copy or retry pass).
func WithScope(scope Scope) Option {
	return func(s *Store) { s.scope = scope }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store persists inventories, outcomes, checkpoints and duplicate reports.
type Store struct {
	mu    sync.Mutex
	dir   string
	scope Scope
	now   func() time.Time
	log   *zap.SugaredLogger

	inventory  *snapshot.Manager
	checkpoint *snapshot.Manager
	latest     *snapshot.Manager
	duplicates *snapshot.Manager

	successLog *journal.Journal
	failureLog *journal.Journal

	succeeded    map[types.ItemID]struct{}
	successOrder []types.ItemID
}

// Open prepares dir and loads the success set from the latest snapshot and
// every success log.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:   dir,
		scope: ScopeCopy,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.ComponentLogger("state")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", dir)
	}

	stamp := s.now().Format(stampLayout)
	s.inventory = snapshot.NewManager(filepath.Join(dir, InventoryFile))
	s.checkpoint = snapshot.NewManager(filepath.Join(dir, s.scope.checkpointFile()))
	s.latest = snapshot.NewManager(filepath.Join(dir, LatestSuccessFile))
	s.duplicates = snapshot.NewManager(filepath.Join(dir, DuplicatesFile))

	var err error
	if s.successLog, err = journal.Open(filepath.Join(dir, SuccessPrefix+stamp+".json")); err != nil {
		return nil, errors.Wrap(err, "open success log")
	}
	if s.failureLog, err = journal.Open(filepath.Join(dir, FailurePrefix+stamp+".json")); err != nil {
		return nil, errors.Wrap(err, "open failure log")
	}

	if err := s.loadSucceeded(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// loadSucceeded rebuilds the success set. The snapshot is read first; the
// success logs fill in anything a crash kept out of it, and the snapshot is
// rewritten when that happens.
func (s *Store) loadSucceeded() error {
	s.succeeded = make(map[types.ItemID]struct{})
	s.successOrder = nil

	var raw json.RawMessage
	switch err := s.latest.Load(&raw); {
	case err == nil:
		ids, nerr := normalizeSnapshot(raw)
		if nerr != nil {
			s.log.Warnw("latest success snapshot unreadable, rebuilding from logs",
				logger.FieldPath, s.latest.GetPath(), logger.FieldError, nerr)
		}
		for _, id := range ids {
			s.addSucceeded(id)
		}
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
	default:
		s.log.Warnw("latest success snapshot unreadable, rebuilding from logs",
			logger.FieldPath, s.latest.GetPath(), logger.FieldError, err)
	}
	fromSnapshot := len(s.successOrder)

	records, err := s.successRecords()
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.addSucceeded(rec.ID)
	}

	if len(s.successOrder) > fromSnapshot {
		s.log.Infow("success snapshot behind logs, refreshing",
			"from_snapshot", fromSnapshot, logger.FieldCount, len(s.successOrder))
		return s.writeLatestLocked()
	}
	return nil
}

func (s *Store) addSucceeded(id types.ItemID) bool {
	if _, ok := s.succeeded[id]; ok {
		return false
	}
	s.succeeded[id] = struct{}{}
	s.successOrder = append(s.successOrder, id)
	return true
}

func (s *Store) writeLatestLocked() error {
	snap := types.SuccessSnapshot{
		Items:     s.successOrder,
		Count:     len(s.successOrder),
		Timestamp: s.now().UTC(),
	}
	if err := s.latest.Write(snap); err != nil {
		return errors.Wrap(err, "write latest success snapshot")
	}
	return nil
}

// ============================================================================
// Inventory
// ============================================================================

// SaveInventory persists inv, keeping the superseded inventory as a backup.
func (s *Store) SaveInventory(inv *types.Inventory) error {
	backup, err := s.inventory.WriteWithBackup(inv, s.now())
	if err != nil {
		return errors.Wrap(err, "save inventory")
	}
	if backup != "" {
		s.log.Debugw("previous inventory kept", logger.FieldPath, backup)
	}
	return nil
}

// LoadInventory returns the last persisted inventory. It returns
// ErrNoInventory when none exists.
func (s *Store) LoadInventory() (*types.Inventory, error) {
	var inv types.Inventory
	if err := s.inventory.Load(&inv); err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return nil, ErrNoInventory
		}
		return nil, errors.Wrap(err, "load inventory")
	}
	return &inv, nil
}

// ============================================================================
// Resume
// ============================================================================

// LoadCheckpoint returns the scope's checkpoint, or nil when it is absent,
// unreadable or corrupt. It never fails.
func (s *Store) LoadCheckpoint() *types.Checkpoint {
	var cp types.Checkpoint
	err := s.checkpoint.Load(&cp)
	switch {
	case err == nil && cp.SchemaVer == types.CheckpointSchemaVersion:
		return &cp
	case err == nil:
		err = errors.Newf("unsupported schema version %d", cp.SchemaVer)
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		return nil
	}

	s.log.Warnw("ignoring checkpoint, starting over",
		logger.FieldPath, s.checkpoint.GetPath(),
		logger.FieldError, errors.Mark(err, types.ErrCheckpointCorrupt))
	return nil
}

// LoadResumePoint computes where a pass over inv continues: one past the
// checkpointed index, then past any items that already succeeded.
func (s *Store) LoadResumePoint(inv *types.Inventory) (ResumePoint, error) {
	cp := s.LoadCheckpoint()

	start := 0
	if cp != nil {
		if cp.InventoryChecksum != inv.Checksum || cp.Total != inv.Len() {
			s.log.Warnw("checkpoint belongs to a different inventory, ignoring",
				"checkpoint_checksum", cp.InventoryChecksum,
				"inventory_checksum", inv.Checksum)
			cp = nil
		} else {
			start = cp.LastIndex + 1
		}
	}
	if start < 0 {
		start = 0
	}
	if start > inv.Len() {
		start = inv.Len()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for start < inv.Len() {
		if _, ok := s.succeeded[inv.Items[start].ID]; !ok {
			break
		}
		start++
	}

	done := make(map[types.ItemID]struct{}, len(s.succeeded))
	for id := range s.succeeded {
		done[id] = struct{}{}
	}

	return ResumePoint{
		StartIndex:       start,
		AlreadySucceeded: done,
		Checkpoint:       cp,
	}, nil
}

// HasSucceeded reports whether id is in the success set.
func (s *Store) HasSucceeded(id types.ItemID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.succeeded[id]
	return ok
}

// ============================================================================
// Outcomes and checkpoints
// ============================================================================

// RecordOutcome appends rec to the run's success or failure log. A success
// also refreshes the latest snapshot.
func (s *Store) RecordOutcome(rec types.OutcomeRecord) error {
	if rec.ID == "" {
		return errors.Wrap(ErrInvalidRecord, "empty id")
	}
	switch rec.Status {
	case types.StatusSuccess:
		if rec.Reason != "" {
			return errors.Wrapf(ErrInvalidRecord, "success for %s carries reason %q", rec.ID, rec.Reason)
		}
	case types.StatusFailed:
		if rec.Reason == "" {
			return errors.Wrapf(ErrInvalidRecord, "failure for %s has no reason", rec.ID)
		}
	default:
		return errors.Wrapf(ErrInvalidRecord, "unknown status %q", rec.Status)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Status == types.StatusFailed {
		if err := s.failureLog.Append(rec); err != nil {
			return errors.Wrap(err, "record failure")
		}
		return nil
	}

	if err := s.successLog.Append(rec); err != nil {
		return errors.Wrap(err, "record success")
	}
	if s.addSucceeded(rec.ID) {
		return s.writeLatestLocked()
	}
	return nil
}

// Checkpoint atomically overwrites the scope's checkpoint.
func (s *Store) Checkpoint(cp types.Checkpoint) error {
	cp.SchemaVer = types.CheckpointSchemaVersion
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now().UTC()
	}
	if err := s.checkpoint.Write(cp); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	return nil
}

// Finalize deletes the checkpoint once every item of inv has a terminal
// outcome: a success, or a failure in some failure log.
func (s *Store) Finalize(inv *types.Inventory) error {
	failed, err := s.failedSet()
	if err != nil {
		return err
	}

	s.mu.Lock()
	missing := 0
	var first types.ItemID
	for _, it := range inv.Items {
		if _, ok := s.succeeded[it.ID]; ok {
			continue
		}
		if _, ok := failed[it.ID]; ok {
			continue
		}
		if missing == 0 {
			first = it.ID
		}
		missing++
	}
	s.mu.Unlock()

	if missing > 0 {
		return errors.Wrapf(ErrIncompleteInventory, "%d items pending, first %s", missing, first)
	}
	if err := s.checkpoint.Remove(); err != nil {
		return errors.Wrap(err, "remove checkpoint")
	}
	s.log.Infow("pass finalized, checkpoint removed", logger.FieldTotal, inv.Len())
	return nil
}

// ============================================================================
// Log replay
// ============================================================================

// successRecords replays every success log in chronological order.
func (s *Store) successRecords() ([]types.OutcomeRecord, error) {
	return s.replay(SuccessPrefix, types.StatusSuccess)
}

// failureRecords replays every failure log in chronological order.
func (s *Store) failureRecords() ([]types.OutcomeRecord, error) {
	return s.replay(FailurePrefix, types.StatusFailed)
}

func (s *Store) replay(prefix string, status types.Status) ([]types.OutcomeRecord, error) {
	files, err := journal.List(s.dir, prefix, "latest")
	if err != nil {
		return nil, err
	}

	var out []types.OutcomeRecord
	for _, f := range files {
		err := journal.ReplayFile(f, func(raw json.RawMessage) error {
			if rec, ok := normalizeRecord(raw, status); ok {
				out = append(out, rec)
			}
			return nil
		})
		if errors.Is(err, journal.ErrCorruptedJournal) {
			s.log.Warnw("skipping unreadable log", logger.FieldPath, f, logger.FieldError, err)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "replay %s", filepath.Base(f))
		}
	}
	return out, nil
}

func (s *Store) failedSet() (map[types.ItemID]struct{}, error) {
	records, err := s.failureRecords()
	if err != nil {
		return nil, err
	}
	set := make(map[types.ItemID]struct{}, len(records))
	for _, rec := range records {
		set[rec.ID] = struct{}{}
	}
	return set, nil
}

// FailedItems returns ids with a failure record and no success record, in
// order of first failure.
func (s *Store) FailedItems() ([]types.ItemID, error) {
	records, err := s.failureRecords()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[types.ItemID]struct{})
	var ids []types.ItemID
	for _, rec := range records {
		if _, ok := s.succeeded[rec.ID]; ok {
			continue
		}
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// ComputeDuplicates groups every success record by id and keeps the groups
// with more than one record. It never modifies the logs.
func (s *Store) ComputeDuplicates() (types.DuplicateReport, error) {
	records, err := s.successRecords()
	if err != nil {
		return nil, err
	}

	groups := make(map[types.ItemID][]types.OutcomeRecord)
	for _, rec := range records {
		groups[rec.ID] = append(groups[rec.ID], rec)
	}

	report := make(types.DuplicateReport)
	for id, recs := range groups {
		if len(recs) > 1 {
			report[id] = recs
		}
	}
	return report, nil
}

// duplicateFile is the on-disk layout of duplicates.json.
type duplicateFile struct {
	DetectedAt      time.Time        `json:"detected_at"`
	TotalDuplicates int              `json:"total_duplicates"`
	ExtraSaves      int              `json:"extra_saves"`
	Items           []duplicateEntry `json:"duplicated_items"`
}

type duplicateEntry struct {
	ID         types.ItemID          `json:"id"`
	SavedCount int                   `json:"saved_count"`
	Records    []types.OutcomeRecord `json:"records"`
}

// SaveDuplicateReport writes report to duplicates.json, sorted by id.
func (s *Store) SaveDuplicateReport(report types.DuplicateReport) error {
	out := duplicateFile{
		DetectedAt:      s.now().UTC(),
		TotalDuplicates: len(report),
		ExtraSaves:      report.ExtraSaves(),
		Items:           make([]duplicateEntry, 0, len(report)),
	}
	for id, recs := range report {
		out.Items = append(out.Items, duplicateEntry{ID: id, SavedCount: len(recs), Records: recs})
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ID < out.Items[j].ID })

	if err := s.duplicates.Write(out); err != nil {
		return errors.Wrap(err, "write duplicate report")
	}
	return nil
}

// ============================================================================
// Status
// ============================================================================

// Summary collects counts for status reporting.
func (s *Store) Summary() (Summary, error) {
	sum := Summary{Dir: s.dir}

	inv, err := s.LoadInventory()
	switch {
	case err == nil:
		sum.HasInventory = true
		sum.Source = inv.Source
		sum.InventoryTotal = inv.Len()
		sum.InventoryAt = inv.CreatedAt
	case errors.Is(err, ErrNoInventory):
	default:
		return sum, err
	}

	sum.Checkpoint = loadCheckpointQuiet(filepath.Join(s.dir, CheckpointFile))
	sum.RetryCheckpoint = loadCheckpointQuiet(filepath.Join(s.dir, RetryCheckpointFile))

	pending, err := s.FailedItems()
	if err != nil {
		return sum, err
	}
	sum.PendingFailures = len(pending)

	s.mu.Lock()
	sum.Succeeded = len(s.succeeded)
	s.mu.Unlock()

	if files, err := journal.List(s.dir, SuccessPrefix, "latest"); err == nil {
		sum.SuccessLogs = len(files)
	}
	if files, err := journal.List(s.dir, FailurePrefix); err == nil {
		sum.FailureLogs = len(files)
	}
	return sum, nil
}

func loadCheckpointQuiet(path string) *types.Checkpoint {
	var cp types.Checkpoint
	if err := snapshot.NewManager(path).Load(&cp); err != nil || cp.SchemaVer != types.CheckpointSchemaVersion {
		return nil
	}
	return &cp
}
