// ============================================================================
// Board-Copier Controller - Transfer Orchestrator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Composes inventory, state store and worker into a resumable,
//           interruptible bulk transfer
//
// Pass (Copy and Retry share it):
//   1. obtain the inventory (reuse or rebuild for Copy, failed items for Retry)
//   2. LoadResumePoint: one past the checkpoint, past leading successes
//   3. for each remaining item
//        already succeeded        -> skipped, worker not invoked
//        otherwise                -> Transfer -> RecordOutcome -> checkpoint
//      then block check, progress report and a random pacing delay
//   4. final checkpoint, Finalize, duplicate report
//
// Crash recovery:
//   Outcomes are written before the checkpoint that covers them, so the
//   checkpoint never points past an unrecorded item. After a crash the resume
//   point may fall a little behind the logs; the success set makes the items
//   in between skips, not repeats.
//
// Interrupts:
//   A cancelled context between items checkpoints at the last terminal item
//   and returns ErrInterrupted. An outcome produced while the context was
//   being cancelled is discarded, so that item is attempted again on resume.
//
// Blocking:
//   BlockDetector trips on BlockThreshold consecutive failures or on an
//   explicit challenge signal. The run checkpoints and stops with
//   ErrLikelyBlocked; resuming later continues where it stopped.
//
// ============================================================================

package controller

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/board-copier/internal/inventory"
	"github.com/ChuLiYu/board-copier/internal/logger"
	"github.com/ChuLiYu/board-copier/internal/metrics"
	"github.com/ChuLiYu/board-copier/internal/state"
	"github.com/ChuLiYu/board-copier/internal/worker"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls a transfer pass.
type Config struct {
	Source      string // source collection URL
	Destination string // destination collection name, as shown in the picker
	StateDir    string

	DelayMin time.Duration
	DelayMax time.Duration

	BatchSize       int // progress report cadence, in processed items
	BlockThreshold  int // consecutive failures that trip the block detector
	BlockCheckEvery int
	CheckpointEvery int

	// ReuseInventory keeps the stored inventory when a matching checkpoint
	// shows a pass over it is still in progress.
	ReuseInventory bool
}

const (
	defaultBatchSize      = 50
	defaultBlockThreshold = 15
	defaultStateDir       = "logs"
)

func (c Config) withDefaults() Config {
	if c.StateDir == "" {
		c.StateDir = defaultStateDir
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = defaultBlockThreshold
	}
	if c.BlockCheckEvery <= 0 {
		c.BlockCheckEvery = 1
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 1
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	return c
}

// ErrNoItems means a scan found nothing to copy. Nothing is persisted.
var ErrNoItems = errors.New("source collection has no items")

// InventoryBuilder enumerates a source collection.
type InventoryBuilder interface {
	Collect(ctx context.Context, source string) (*types.Inventory, error)
}

// Sleeper blocks for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Mode names the kind of pass.
type Mode string

const (
	ModeCopy  Mode = "copy"
	ModeRetry Mode = "retry"
)

// Summary reports what a pass did.
type Summary struct {
	Mode            Mode
	RunID           string
	Source          string
	Destination     string
	InventoryReused bool

	Total      int
	StartIndex int
	LastIndex  int // last item with a terminal outcome, -1 if none

	// Counts of this invocation only.
	Succeeded int
	Failed    int
	Skipped   int
	ByReason  map[types.Reason]int

	Completed  bool // the pass reached Finalize
	Duplicates types.DuplicateReport
	Elapsed    time.Duration
}

// Processed returns how many items this invocation accounted for.
func (s *Summary) Processed() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// ============================================================================
// Controller
// ============================================================================

type Option func(*Controller)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rand = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStoreOptions passes extra options to every state store the controller
// opens.
func WithStoreOptions(opts ...state.Option) Option {
	return func(c *Controller) { c.storeOpts = append(c.storeOpts, opts...) }
}

// Controller runs copy and retry passes.
type Controller struct {
	cfg      Config
	builder  InventoryBuilder
	transfer worker.Transferer

	log       *zap.SugaredLogger
	metrics   *metrics.Collector
	sleep     Sleeper
	rand      *rand.Rand
	now       func() time.Time
	storeOpts []state.Option
}

func New(cfg Config, builder InventoryBuilder, transfer worker.Transferer, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg.withDefaults(),
		builder:  builder,
		transfer: transfer,
		sleep:    inventory.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.ComponentLogger("controller")
	}
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(c.now().UnixNano()))
	}
	return c
}

func (c *Controller) openStore(scope state.Scope) (*state.Store, error) {
	opts := append([]state.Option{state.WithScope(scope)}, c.storeOpts...)
	return state.Open(c.cfg.StateDir, opts...)
}

// Copy transfers every item of the source collection that has not been saved
// yet.
func (c *Controller) Copy(ctx context.Context) (*Summary, error) {
	store, err := c.openStore(state.ScopeCopy)
	if err != nil {
		return nil, errors.Wrap(err, "open state")
	}

	inv, reused, err := c.obtainInventory(ctx, store)
	if err != nil {
		return nil, err
	}

	sum, err := c.runPass(ctx, ModeCopy, store, inv)
	if sum != nil {
		sum.InventoryReused = reused
	}
	return sum, err
}

// Retry re-attempts every item whose latest outcome is a failure.
func (c *Controller) Retry(ctx context.Context) (*Summary, error) {
	store, err := c.openStore(state.ScopeRetry)
	if err != nil {
		return nil, errors.Wrap(err, "open state")
	}

	ids, err := store.FailedItems()
	if err != nil {
		return nil, errors.Wrap(err, "collect failed items")
	}
	if len(ids) == 0 {
		c.log.Infow("No failed items to retry")
		return &Summary{
			Mode:        ModeRetry,
			Source:      c.cfg.Source,
			Destination: c.cfg.Destination,
			LastIndex:   -1,
			ByReason:    map[types.Reason]int{},
			Completed:   true,
		}, nil
	}

	inv := types.NewInventory(uuid.NewString(), "retry:"+c.cfg.Source, ids, c.now().UTC())
	c.log.Infow("Retrying failed items", logger.FieldCount, len(ids))
	return c.runPass(ctx, ModeRetry, store, inv)
}

// Inventory scans the source and persists the result without transferring.
func (c *Controller) Inventory(ctx context.Context) (*types.Inventory, error) {
	store, err := c.openStore(state.ScopeCopy)
	if err != nil {
		return nil, errors.Wrap(err, "open state")
	}
	return c.buildInventory(ctx, store)
}

// obtainInventory reuses the stored inventory only when a checkpoint proves
// an unfinished pass over exactly that inventory and source.
func (c *Controller) obtainInventory(ctx context.Context, store *state.Store) (*types.Inventory, bool, error) {
	if c.cfg.ReuseInventory {
		inv, err := store.LoadInventory()
		switch {
		case err == nil:
			cp := store.LoadCheckpoint()
			if reusable(inv, cp, c.cfg.Source) {
				c.log.Infow("Reusing stored inventory",
					logger.FieldRunID, inv.RunID,
					logger.FieldTotal, inv.Len(),
					logger.FieldIndex, cp.LastIndex)
				return inv, true, nil
			}
		case errors.Is(err, state.ErrNoInventory):
		default:
			c.log.Warnw("Stored inventory unreadable, rescanning", logger.FieldError, err)
		}
	}

	inv, err := c.buildInventory(ctx, store)
	if err != nil {
		return nil, false, err
	}
	return inv, false, nil
}

func reusable(inv *types.Inventory, cp *types.Checkpoint, source string) bool {
	if inv == nil || cp == nil || inv.Validate() != nil {
		return false
	}
	return inv.Source == source &&
		cp.Source == inv.Source &&
		cp.Total == inv.Len() &&
		cp.InventoryChecksum == inv.Checksum
}

func (c *Controller) buildInventory(ctx context.Context, store *state.Store) (*types.Inventory, error) {
	inv, err := c.builder.Collect(ctx, c.cfg.Source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Mark(errors.Wrap(err, "inventory scan"), types.ErrInterrupted)
		}
		return nil, errors.Wrap(err, "build inventory")
	}
	if inv.Len() == 0 {
		// A logged-out or unrendered page also yields nothing; keep whatever
		// inventory and checkpoint are stored.
		c.log.Warnw("Source collection has no items, stored state left untouched",
			logger.FieldSource, c.cfg.Source)
		return nil, errors.WithHint(
			errors.Wrapf(ErrNoItems, "scan of %s", c.cfg.Source),
			"Check the source URL and that the browser profile is logged in, then run again.")
	}
	if err := store.SaveInventory(inv); err != nil {
		return nil, err
	}
	c.metrics.SetInventorySize(inv.Len())
	c.log.Infow("Inventory saved",
		logger.FieldRunID, inv.RunID,
		logger.FieldTotal, inv.Len(),
		"checksum", inv.Checksum)
	return inv, nil
}

// ============================================================================
// Pass loop
// ============================================================================

type pass struct {
	c      *Controller
	store  *state.Store
	inv    *types.Inventory
	sum    *Summary
	cp     types.Checkpoint
	block  *BlockDetector
	start  time.Time
	worked int // items handed to the worker in this invocation
}

func (c *Controller) runPass(ctx context.Context, mode Mode, store *state.Store, inv *types.Inventory) (*Summary, error) {
	rp, err := store.LoadResumePoint(inv)
	if err != nil {
		return nil, errors.Wrap(err, "load resume point")
	}

	p := &pass{
		c:     c,
		store: store,
		inv:   inv,
		block: NewBlockDetector(c.cfg.BlockThreshold),
		start: c.now(),
		sum: &Summary{
			Mode:        mode,
			RunID:       inv.RunID,
			Source:      inv.Source,
			Destination: c.cfg.Destination,
			Total:       inv.Len(),
			StartIndex:  rp.StartIndex,
			LastIndex:   rp.StartIndex - 1,
			ByReason:    make(map[types.Reason]int),
		},
		cp: types.Checkpoint{
			RunID:             inv.RunID,
			Source:            inv.Source,
			InventoryChecksum: inv.Checksum,
			Total:             inv.Len(),
			LastIndex:         rp.StartIndex - 1,
		},
	}
	if prev := rp.Checkpoint; prev != nil {
		p.cp.Succeeded = prev.Succeeded
		p.cp.Failed = prev.Failed
		p.cp.Skipped = prev.Skipped
	}

	c.metrics.SetInventorySize(inv.Len())
	c.metrics.SetResumeIndex(rp.StartIndex)
	c.log.Infow("Starting pass",
		"mode", string(mode),
		logger.FieldRunID, inv.RunID,
		logger.FieldSource, inv.Source,
		logger.FieldDest, c.cfg.Destination,
		logger.FieldTotal, inv.Len(),
		logger.FieldIndex, rp.StartIndex,
		"already_succeeded", len(rp.AlreadySucceeded))

	for i := rp.StartIndex; i < inv.Len(); i++ {
		if ctx.Err() != nil {
			return p.interrupt()
		}

		item := inv.Items[i]
		if _, done := rp.AlreadySucceeded[item.ID]; done {
			p.sum.Skipped++
			p.cp.Skipped++
			p.cp.LastIndex = i
			p.sum.LastIndex = i
			c.metrics.RecordSkip()
			continue
		}

		out := c.transfer.Transfer(ctx, item, c.cfg.Destination)
		if ctx.Err() != nil {
			c.log.Infow("Discarding outcome produced during shutdown",
				logger.FieldItemID, string(item.ID),
				logger.FieldIndex, i)
			return p.interrupt()
		}

		if err := p.record(i, out); err != nil {
			return p.sum, err
		}

		if p.worked%c.cfg.BlockCheckEvery == 0 && p.block.Tripped() {
			return p.halt()
		}
		if p.worked%c.cfg.BatchSize == 0 {
			p.report(i)
		}

		if i < inv.Len()-1 {
			if err := c.sleep(ctx, c.pacingDelay()); err != nil {
				return p.interrupt()
			}
		}
	}

	return p.finish()
}

// record persists one terminal outcome and updates counters.
func (p *pass) record(i int, out worker.Outcome) error {
	c := p.c
	log := c.log.With(logger.FieldItemID, string(out.Item.ID), logger.FieldIndex, i)

	if err := p.store.RecordOutcome(out.Record(c.now().UTC())); err != nil {
		return errors.Wrapf(err, "record outcome of item %d", i)
	}

	p.worked++
	p.cp.LastIndex = i
	p.sum.LastIndex = i
	p.block.Observe(out)

	if out.Succeeded() {
		p.cp.Succeeded++
		p.sum.Succeeded++
		c.metrics.RecordSuccess(out.Duration)
		log.Infow("Item saved", logger.FieldDuration, out.Duration)
	} else {
		p.cp.Failed++
		p.sum.Failed++
		p.sum.ByReason[out.Reason]++
		c.metrics.RecordFailure(string(out.Reason), out.Duration)
		log.Warnw("Item failed",
			logger.FieldReason, string(out.Reason),
			logger.FieldError, out.Err,
			"consecutive_failures", p.block.Consecutive())
	}

	if p.worked%c.cfg.CheckpointEvery == 0 {
		return p.checkpoint()
	}
	return nil
}

func (p *pass) checkpoint() error {
	if err := p.store.Checkpoint(p.cp); err != nil {
		return err
	}
	p.c.metrics.RecordCheckpoint()
	return nil
}

func (p *pass) interrupt() (*Summary, error) {
	p.sum.Elapsed = p.c.now().Sub(p.start)
	if err := p.checkpoint(); err != nil {
		return p.sum, errors.Wrap(err, "checkpoint on interrupt")
	}
	p.c.log.Warnw("Interrupted, progress saved",
		logger.FieldIndex, p.cp.LastIndex,
		logger.FieldTotal, p.inv.Len())
	return p.sum, errors.WithHint(
		errors.Wrapf(types.ErrInterrupted, "stopped after item %d of %d", p.cp.LastIndex+1, p.inv.Len()),
		"Run the same command again to resume.")
}

func (p *pass) halt() (*Summary, error) {
	p.sum.Elapsed = p.c.now().Sub(p.start)
	if err := p.checkpoint(); err != nil {
		return p.sum, errors.Wrap(err, "checkpoint on block")
	}
	p.c.metrics.RecordBlockTrip()
	p.c.log.Errorw("Stopping: platform is likely blocking automation",
		"consecutive_failures", p.block.Consecutive(),
		"signal", p.block.Signaled(),
		logger.FieldIndex, p.cp.LastIndex)

	return p.sum, errors.WithHint(
		errors.Wrapf(types.ErrLikelyBlocked, "%s after item %d", p.block.Cause(), p.cp.LastIndex+1),
		"Pause for a while, then run the same command again to resume, or `retry` to re-attempt failures.")
}

func (p *pass) finish() (*Summary, error) {
	c := p.c
	if err := p.checkpoint(); err != nil {
		return p.sum, err
	}
	if err := p.store.Finalize(p.inv); err != nil {
		return p.sum, errors.Wrap(err, "finalize")
	}
	p.sum.Completed = true

	report, err := p.store.ComputeDuplicates()
	if err != nil {
		return p.sum, errors.Wrap(err, "compute duplicates")
	}
	if err := p.store.SaveDuplicateReport(report); err != nil {
		return p.sum, err
	}
	p.sum.Duplicates = report
	if len(report) > 0 {
		c.log.Warnw("Duplicate saves detected",
			logger.FieldCount, len(report),
			"extra_saves", report.ExtraSaves())
	}

	p.sum.Elapsed = c.now().Sub(p.start)
	c.log.Infow("Pass complete",
		"mode", string(p.sum.Mode),
		"succeeded", p.sum.Succeeded,
		"failed", p.sum.Failed,
		"skipped", p.sum.Skipped,
		logger.FieldTotal, p.inv.Len(),
		logger.FieldElapsed, p.sum.Elapsed)
	return p.sum, nil
}

// report logs progress with an ETA based on the average time per worked item.
func (p *pass) report(i int) {
	elapsed := p.c.now().Sub(p.start)
	remaining := p.inv.Len() - i - 1
	var eta time.Duration
	if p.worked > 0 {
		eta = elapsed / time.Duration(p.worked) * time.Duration(remaining)
	}
	p.c.log.Infow("Progress",
		logger.FieldIndex, i+1,
		logger.FieldTotal, p.inv.Len(),
		"succeeded", p.sum.Succeeded,
		"failed", p.sum.Failed,
		"skipped", p.sum.Skipped,
		logger.FieldElapsed, elapsed.Round(time.Second),
		logger.FieldETA, eta.Round(time.Second))
}

func (c *Controller) pacingDelay() time.Duration {
	d := c.cfg.DelayMin
	if span := c.cfg.DelayMax - c.cfg.DelayMin; span > 0 {
		d += time.Duration(c.rand.Int63n(int64(span) + 1))
	}
	return d
}
