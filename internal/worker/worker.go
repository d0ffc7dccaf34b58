// ============================================================================
// Board-Copier Worker - Item Transfer Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Saves one item into the destination collection through a browser
//
// State machine:
//
//   NotStarted ──► Opened ──┬──► AlreadyPresent ──┐
//                           │                     ├──► DestinationSelectionPending ──► Succeeded
//                           └──► SaveInitiated ───┘                │
//                                                                  └──────────────► Failed
//
//   Opened          navigate; a navigation error or a lost-item page ends in
//                   Failed/unreachable
//   AlreadyPresent  the saved marker is shown; clicking it reopens the picker
//                   so the destination can be reassigned
//   SaveInitiated   first present save button, else a bounded scan of generic
//                   buttons for save text
//   Picker wait     bounded WaitUntil; on timeout the "see all" affordance is
//                   tried once
//   Selection       scroll the picker, then
//                     tier 1: first CandidateLimit picker rows
//                     tier 2: first ElementBudget text nodes
//                   exact matches before near matches; a failed click falls
//                   through to the next match
//
// Block check:
//   Runs whenever a save affordance or the picker is missing. A login redirect
//   or a challenge indicator in the page text marks the outcome Blocked.
//
// Timing:
//   The worker never sleeps on its own. All waiting goes through
//   Browser.WaitUntil with a bounded timeout, so pacing stays with the caller.
//
// ============================================================================

package worker

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/board-copier/internal/browser"
	"github.com/ChuLiYu/board-copier/internal/logger"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

// Config bounds every wait and scan the worker performs.
type Config struct {
	PickerWait       time.Duration `yaml:"picker_wait" env:"PICKER_WAIT"`
	PickerScrolls    int           `yaml:"picker_scrolls" env:"PICKER_SCROLLS"`
	PickerScrollStep int           `yaml:"picker_scroll_step" env:"PICKER_SCROLL_STEP"`
	CandidateLimit   int           `yaml:"candidate_limit" env:"CANDIDATE_LIMIT"`
	ElementBudget    int           `yaml:"element_budget" env:"ELEMENT_BUDGET"`
	ButtonScanLimit  int           `yaml:"button_scan_limit" env:"BUTTON_SCAN_LIMIT"`
	MaxTextLen       int           `yaml:"max_text_len" env:"MAX_TEXT_LEN"`
	// MatchSlack is how many extra characters a near match may carry.
	MatchSlack int `yaml:"match_slack" env:"MATCH_SLACK"`

	SaveTexts           []string `yaml:"save_texts" env:"SAVE_TEXTS"`
	LostIndicators      []string `yaml:"lost_indicators" env:"LOST_INDICATORS"`
	ChallengeIndicators []string `yaml:"challenge_indicators" env:"CHALLENGE_INDICATORS"`
}

func DefaultConfig() Config {
	return Config{
		PickerWait:       3 * time.Second,
		PickerScrolls:    2,
		PickerScrollStep: 500,
		CandidateLimit:   10,
		ElementBudget:    50,
		ButtonScanLimit:  30,
		MaxTextLen:       100,
		MatchSlack:       5,
		SaveTexts:        []string{"save", "kaydet"},
		LostIndicators: []string{
			"doesn't exist",
			"does not exist",
			"couldn't find",
			"not found",
			"bulunamadı",
			"mevcut değil",
		},
		ChallengeIndicators: []string{
			"captcha",
			"suspicious activity",
			"robot",
			"verify you",
			"şüpheli aktivite",
			"doğrula",
			"rate limit",
			"too many requests",
			"çok fazla istek",
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PickerWait <= 0 {
		c.PickerWait = d.PickerWait
	}
	if c.PickerScrolls < 0 {
		c.PickerScrolls = 0
	}
	if c.PickerScrollStep <= 0 {
		c.PickerScrollStep = d.PickerScrollStep
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.ElementBudget <= 0 {
		c.ElementBudget = d.ElementBudget
	}
	if c.ButtonScanLimit <= 0 {
		c.ButtonScanLimit = d.ButtonScanLimit
	}
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = d.MaxTextLen
	}
	if c.MatchSlack <= 0 {
		c.MatchSlack = d.MatchSlack
	}
	if len(c.SaveTexts) == 0 {
		c.SaveTexts = d.SaveTexts
	}
	if len(c.LostIndicators) == 0 {
		c.LostIndicators = d.LostIndicators
	}
	if len(c.ChallengeIndicators) == 0 {
		c.ChallengeIndicators = d.ChallengeIndicators
	}
	return c
}

type Option func(*Worker)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(w *Worker) { w.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker drives one browser through the save flow, one item at a time.
type Worker struct {
	browser browser.Browser
	sel     browser.Selectors
	cfg     Config
	log     *zap.SugaredLogger
	now     func() time.Time
}

func New(b browser.Browser, sel browser.Selectors, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		browser: b,
		sel:     sel,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = logger.ComponentLogger("worker")
	}
	return w
}

// attempt carries the state of one Transfer call.
type attempt struct {
	w     *Worker
	ctx   context.Context
	log   *zap.SugaredLogger
	dest  string
	out   Outcome
	start time.Time
}

func (a *attempt) enter(s State) {
	a.out.Trace = append(a.out.Trace, s)
	a.log.Debugw("Transfer state", logger.FieldState, s.String())
}

func (a *attempt) succeed() Outcome {
	a.enter(StateSucceeded)
	a.out.Status = types.StatusSuccess
	a.out.Duration = a.w.now().Sub(a.start)
	return a.out
}

func (a *attempt) fail(reason types.Reason, err error) Outcome {
	a.enter(StateFailed)
	a.out.Status = types.StatusFailed
	a.out.Reason = reason
	a.out.Err = err
	a.out.Duration = a.w.now().Sub(a.start)
	a.log.Debugw("Transfer failed", logger.FieldReason, string(reason), logger.FieldError, err)
	return a.out
}

func (a *attempt) interrupted() Outcome {
	return a.fail(types.ReasonInterrupted, errors.Mark(
		errors.Wrapf(a.ctx.Err(), "transfer of %s", a.out.Item.ID), types.ErrInterrupted))
}

// blockedOr fails as blocked if the page looks like a challenge, otherwise
// with reason and sentinel.
func (a *attempt) blockedOr(reason types.Reason, sentinel error) Outcome {
	if a.ctx.Err() != nil {
		return a.interrupted()
	}
	if a.w.blockSignal(a.ctx) {
		a.out.Blocked = true
		return a.fail(types.ReasonBlocked, errors.Wrapf(types.ErrBlockedSignal, "%s", a.out.Item.ID))
	}
	return a.fail(reason, errors.Wrapf(sentinel, "%s", a.out.Item.ID))
}

// Transfer implements Transferer.
func (w *Worker) Transfer(ctx context.Context, item types.Item, destination string) Outcome {
	a := &attempt{
		w:     w,
		ctx:   ctx,
		log:   w.log.With(logger.FieldItemID, string(item.ID), logger.FieldDest, destination),
		dest:  destination,
		out:   Outcome{Item: item},
		start: w.now(),
	}
	a.enter(StateNotStarted)

	if ctx.Err() != nil {
		return a.interrupted()
	}

	if err := w.browser.Navigate(ctx, string(item.ID)); err != nil {
		if ctx.Err() != nil {
			return a.interrupted()
		}
		return a.fail(types.ReasonUnreachable, errors.Mark(
			errors.Wrapf(err, "open %s", item.ID), types.ErrItemUnreachable))
	}
	a.enter(StateOpened)

	if w.lostPage(ctx) {
		return a.fail(types.ReasonUnreachable, errors.Wrapf(types.ErrItemUnreachable, "%s is gone", item.ID))
	}

	if !w.openPicker(a) {
		if a.ctx.Err() != nil {
			return a.interrupted()
		}
		return a.blockedOr(types.ReasonSaveUnavailable, types.ErrSaveActionFailed)
	}

	if err := w.waitPicker(ctx); err != nil {
		if ctx.Err() != nil {
			return a.interrupted()
		}
		return a.blockedOr(types.ReasonPickerNotOpened, types.ErrSaveActionFailed)
	}
	a.enter(StateDestinationSelectionPending)

	w.scrollPicker(ctx, a.log)

	if w.selectDestination(ctx, a.log, w.sel.PickerCandidates, w.cfg.CandidateLimit, destination) {
		return a.succeed()
	}
	if ctx.Err() != nil {
		return a.interrupted()
	}
	if w.selectDestination(ctx, a.log, w.sel.TextNodes, w.cfg.ElementBudget, destination) {
		return a.succeed()
	}
	if ctx.Err() != nil {
		return a.interrupted()
	}
	return a.fail(types.ReasonDestinationNotFound, errors.Wrapf(types.ErrDestinationNotFound, "%q", destination))
}

// openPicker clicks the saved marker (edit path) or a save affordance.
func (w *Worker) openPicker(a *attempt) bool {
	ctx := a.ctx

	if el, _, err := browser.LocateFirst(ctx, w.browser, w.sel.SavedMarker); err == nil {
		a.enter(StateAlreadyPresent)
		if err := w.browser.Click(ctx, el); err == nil {
			return true
		}
		a.log.Debugw("Saved marker click failed, trying save buttons")
	}

	if el, _, err := browser.LocateFirst(ctx, w.browser, w.sel.SaveButtons); err == nil {
		if err := w.browser.Click(ctx, el); err == nil {
			a.enter(StateSaveInitiated)
			return true
		}
	}

	if ctx.Err() != nil {
		return false
	}
	a.log.Debugw("Save button selectors failed, scanning buttons")
	if w.clickSaveFallback(ctx) {
		a.enter(StateSaveInitiated)
		return true
	}
	return false
}

func (w *Worker) clickSaveFallback(ctx context.Context) bool {
	buttons, err := w.browser.LocateAll(ctx, w.sel.Buttons)
	if err != nil {
		return false
	}
	if len(buttons) > w.cfg.ButtonScanLimit {
		buttons = buttons[:w.cfg.ButtonScanLimit]
	}
	for _, b := range buttons {
		text, err := w.browser.ReadText(ctx, b)
		if err != nil || !containsAny(strings.ToLower(text), w.cfg.SaveTexts) {
			continue
		}
		if err := w.browser.Click(ctx, b); err == nil {
			return true
		}
	}
	return false
}

func (w *Worker) waitPicker(ctx context.Context) error {
	err := w.browser.WaitUntil(ctx, browser.Present(w.browser, w.sel.Picker), w.cfg.PickerWait)
	if err == nil || ctx.Err() != nil {
		return err
	}

	el, _, lerr := browser.LocateFirst(ctx, w.browser, w.sel.SeeAll)
	if lerr != nil {
		return err
	}
	if cerr := w.browser.Click(ctx, el); cerr != nil {
		return err
	}
	return w.browser.WaitUntil(ctx, browser.Present(w.browser, w.sel.Picker), w.cfg.PickerWait)
}

// scrollPicker scrolls the picker itself, not the page behind it, so lazily
// listed destinations render.
func (w *Worker) scrollPicker(ctx context.Context, log *zap.SugaredLogger) {
	picker, err := w.browser.Locate(ctx, w.sel.Picker)
	if err != nil {
		return
	}
	for i := 0; i < w.cfg.PickerScrolls; i++ {
		if err := w.browser.Scroll(ctx, picker, w.cfg.PickerScrollStep); err != nil {
			log.Debugw("Picker scroll failed", logger.FieldError, err)
			return
		}
	}
}

type candidate struct {
	el   browser.Element
	text string
}

// selectDestination scans at most limit elements of loc and clicks the best
// match for name. Exact matches come first, near matches second.
func (w *Worker) selectDestination(ctx context.Context, log *zap.SugaredLogger, loc browser.Locator, limit int, name string) bool {
	els, err := w.browser.LocateAll(ctx, loc)
	if err != nil || len(els) == 0 {
		return false
	}
	if len(els) > limit {
		els = els[:limit]
	}

	want := strings.ToLower(strings.TrimSpace(name))
	var exact, near []candidate
	for _, el := range els {
		text, err := w.browser.ReadText(ctx, el)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" || len(text) > w.cfg.MaxTextLen {
			continue
		}
		got := strings.ToLower(text)
		switch {
		case got == want:
			exact = append(exact, candidate{el, text})
		case strings.Contains(got, want) && len(got)-len(want) < w.cfg.MatchSlack:
			near = append(near, candidate{el, text})
		}
	}

	for _, c := range append(exact, near...) {
		if err := w.browser.Click(ctx, c.el); err != nil {
			log.Debugw("Destination click failed, trying next match", "text", c.text, logger.FieldError, err)
			if ctx.Err() != nil {
				return false
			}
			continue
		}
		log.Debugw("Destination selected", "text", c.text, "locator", loc.Query)
		return true
	}
	return false
}

func (w *Worker) lostPage(ctx context.Context) bool {
	text := strings.ToLower(browser.PageText(ctx, w.browser, w.sel.PageBody))
	return containsAny(text, w.cfg.LostIndicators)
}

// blockSignal reports a login redirect or a challenge page.
func (w *Worker) blockSignal(ctx context.Context) bool {
	if u, err := w.browser.CurrentURL(ctx); err == nil {
		u = strings.ToLower(u)
		if strings.Contains(u, "login") && !strings.Contains(u, "/pin/") {
			return true
		}
	}
	text := strings.ToLower(browser.PageText(ctx, w.browser, w.sel.PageBody))
	return containsAny(text, w.cfg.ChallengeIndicators)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
