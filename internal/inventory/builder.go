// ============================================================================
// Board-Copier Inventory Builder
// ============================================================================
//
// Package: internal/inventory
// File: builder.go
// Purpose: Enumerate every item of a lazily loaded source collection
//
// The collection page never says how long it is. It renders more links as it
// is scrolled, sometimes only after a pause, sometimes only after the page is
// jiggled. The builder therefore scrolls until the page stops growing for
// StallThreshold consecutive rounds and only then trusts that it has seen the
// end.
//
// Round:
//   1. scroll forward ScrollStep px
//   2. sleep ScrollPause (LargeScrollPause once more than LargeThreshold items
//      are known)
//   3. scan ItemLinks, canonicalize every href, append unseen ids
//   4. growth resets the stall counter, no growth increments it
//   5. every NudgeEvery rounds scroll back NudgeStep px and forward again
//      (a negative NudgeEvery disables this)
//
// There is no round cap: a page that keeps growing keeps being scrolled.
//
// ============================================================================

package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/board-copier/internal/browser"
	"github.com/ChuLiYu/board-copier/internal/logger"
	"github.com/ChuLiYu/board-copier/internal/metrics"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

// Config tunes the scroll loop.
type Config struct {
	ItemBaseURL      string        `yaml:"item_base_url" env:"ITEM_BASE_URL"`
	ScrollStep       int           `yaml:"scroll_step" env:"SCROLL_STEP"`
	ScrollPause      time.Duration `yaml:"scroll_pause" env:"SCROLL_PAUSE"`
	LargeScrollPause time.Duration `yaml:"large_scroll_pause" env:"LARGE_SCROLL_PAUSE"`
	LargeThreshold   int           `yaml:"large_threshold" env:"LARGE_THRESHOLD"`
	StallThreshold   int           `yaml:"stall_threshold" env:"STALL_THRESHOLD"`
	NudgeEvery       int           `yaml:"nudge_every" env:"NUDGE_EVERY"`
	NudgeStep        int           `yaml:"nudge_step" env:"NUDGE_STEP"`
	NudgePause       time.Duration `yaml:"nudge_pause" env:"NUDGE_PAUSE"`
	ProgressEvery    int           `yaml:"progress_every" env:"PROGRESS_EVERY"`
}

func DefaultConfig() Config {
	return Config{
		ItemBaseURL:      "https://www.pinterest.com",
		ScrollStep:       1200,
		ScrollPause:      800 * time.Millisecond,
		LargeScrollPause: 1500 * time.Millisecond,
		LargeThreshold:   1000,
		StallThreshold:   20,
		NudgeEvery:       3,
		NudgeStep:        600,
		NudgePause:       300 * time.Millisecond,
		ProgressEvery:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ItemBaseURL == "" {
		c.ItemBaseURL = d.ItemBaseURL
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = d.ScrollStep
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = d.ScrollPause
	}
	if c.LargeScrollPause <= 0 {
		c.LargeScrollPause = d.LargeScrollPause
	}
	if c.LargeThreshold <= 0 {
		c.LargeThreshold = d.LargeThreshold
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	// A negative NudgeEvery turns nudging off.
	if c.NudgeEvery == 0 {
		c.NudgeEvery = d.NudgeEvery
	}
	if c.NudgeStep <= 0 {
		c.NudgeStep = d.NudgeStep
	}
	if c.NudgePause <= 0 {
		c.NudgePause = d.NudgePause
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = d.ProgressEvery
	}
	return c
}

// Stats describes the last Collect call.
type Stats struct {
	Rounds int
	Stalls int
	Nudges int
}

// Sleeper blocks for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Option func(*Builder)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *Builder) { b.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(b *Builder) { b.metrics = m }
}

func WithSleeper(s Sleeper) Option {
	return func(b *Builder) { b.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// Builder produces an Inventory from a source collection URL.
type Builder struct {
	browser browser.Browser
	sel     browser.Selectors
	cfg     Config

	log     *zap.SugaredLogger
	metrics *metrics.Collector
	sleep   Sleeper
	now     func() time.Time

	stats Stats
}

func New(b browser.Browser, sel browser.Selectors, cfg Config, opts ...Option) *Builder {
	bd := &Builder{
		browser: b,
		sel:     sel,
		cfg:     cfg.withDefaults(),
		sleep:   Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(bd)
	}
	if bd.log == nil {
		bd.log = logger.ComponentLogger("inventory")
	}
	return bd
}

// Stats returns the counters of the last Collect call.
func (bd *Builder) Stats() Stats {
	return bd.stats
}

// Collect scrolls source until it converges and returns its items in
// discovery order.
func (bd *Builder) Collect(ctx context.Context, source string) (*types.Inventory, error) {
	bd.stats = Stats{}
	log := bd.log.With(logger.FieldSource, source)

	if err := bd.browser.Navigate(ctx, source); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Mark(errors.Wrapf(err, "open %s", source), types.ErrCollectionUnavailable)
	}
	log.Infow("Scanning source collection",
		"stall_threshold", bd.cfg.StallThreshold,
		"scroll_pause", bd.cfg.ScrollPause)

	seen := make(map[types.ItemID]struct{})
	var ids []types.ItemID
	stalls := 0
	start := bd.now()

	for stalls < bd.cfg.StallThreshold {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bd.stats.Rounds++
		round := bd.stats.Rounds

		if err := bd.browser.Scroll(ctx, nil, bd.cfg.ScrollStep); err != nil && ctx.Err() == nil {
			log.Debugw("Scroll failed", logger.FieldRound, round, logger.FieldError, err)
		}
		if err := bd.sleep(ctx, bd.pause(len(ids))); err != nil {
			return nil, err
		}

		added, err := bd.scan(ctx, seen, &ids)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnw("Scan failed, counting round as stalled", logger.FieldRound, round, logger.FieldError, err)
		}

		if added > 0 {
			stalls = 0
		} else {
			stalls++
			bd.stats.Stalls++
		}
		bd.metrics.RecordScanRound(added == 0)

		if round%bd.cfg.ProgressEvery == 0 {
			log.Infow("Scan progress",
				logger.FieldRound, round,
				logger.FieldCount, len(ids),
				logger.FieldStalls, stalls)
		}

		if bd.cfg.NudgeEvery > 0 && round%bd.cfg.NudgeEvery == 0 && stalls < bd.cfg.StallThreshold {
			if err := bd.nudge(ctx); err != nil {
				return nil, err
			}
		}
	}

	if len(ids) == 0 {
		log.Warnw("Source collection yielded no items", logger.FieldRound, bd.stats.Rounds)
	}
	log.Infow("Scan converged",
		logger.FieldCount, len(ids),
		logger.FieldRound, bd.stats.Rounds,
		"nudges", bd.stats.Nudges,
		logger.FieldElapsed, bd.now().Sub(start))

	return types.NewInventory(uuid.NewString(), source, ids, bd.now()), nil
}

func (bd *Builder) pause(known int) time.Duration {
	if known > bd.cfg.LargeThreshold {
		return bd.cfg.LargeScrollPause
	}
	return bd.cfg.ScrollPause
}

func (bd *Builder) scan(ctx context.Context, seen map[types.ItemID]struct{}, ids *[]types.ItemID) (int, error) {
	links, err := bd.browser.LocateAll(ctx, bd.sel.ItemLinks)
	if err != nil {
		return 0, errors.Wrap(err, "locate item links")
	}

	added := 0
	for _, link := range links {
		href, err := bd.browser.Attribute(ctx, link, "href")
		if err != nil {
			continue
		}
		id, ok := Canonicalize(bd.cfg.ItemBaseURL, href)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		*ids = append(*ids, id)
		added++
	}
	return added, nil
}

// nudge scrolls back and forth to wake lazy loaders that only react to
// direction changes.
func (bd *Builder) nudge(ctx context.Context) error {
	bd.stats.Nudges++
	_ = bd.browser.Scroll(ctx, nil, -bd.cfg.NudgeStep)
	if err := bd.sleep(ctx, bd.cfg.NudgePause); err != nil {
		return err
	}
	_ = bd.browser.Scroll(ctx, nil, bd.cfg.NudgeStep)
	return ctx.Err()
}

// Canonicalize turns any link to an item into <base>/pin/<id>/. Links that do
// not point at an item report false.
func Canonicalize(base, href string) (types.ItemID, bool) {
	_, rest, found := strings.Cut(href, "/pin/")
	if !found {
		return "", false
	}
	end := strings.IndexAny(rest, "/?#")
	if end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}
	return types.ItemID(strings.TrimRight(base, "/") + "/pin/" + rest + "/"), true
}
