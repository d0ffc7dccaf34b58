// ============================================================================
// Board-Copier Browser Capability
// ============================================================================
//
// Package: internal/browser
// File: browser.go
// Purpose: The minimal browser-automation surface the pipeline depends on
//
// Implementations:
//   - Chrome (chrome.go): chromedp-driven Chrome reusing a logged-in profile
//   - Simulator (simulator.go): in-memory platform for tests and the demo
//
// Locators are data, not logic: every query the inventory builder and the
// transfer worker issue comes from a Selectors value, so the heuristics can be
// tuned from configuration without touching the state machines.
//
// ============================================================================

package browser

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrElementNotFound is returned by Locate when nothing matches.
	ErrElementNotFound = errors.New("browser: element not found")
	// ErrTimeout is returned by WaitUntil when the condition never held, and
	// by a driver action that outlived its time limit.
	ErrTimeout = errors.New("browser: wait timed out")
	// ErrNavigation is returned when a page cannot be opened.
	ErrNavigation = errors.New("browser: navigation failed")
)

// Strategy selects how a locator query is interpreted.
type Strategy string

const (
	ByXPath Strategy = "xpath"
	ByCSS   Strategy = "css"
)

// Locator is one element query.
type Locator struct {
	By    Strategy `yaml:"by"`
	Query string   `yaml:"query"`
}

// XPath is shorthand for an XPath locator.
func XPath(q string) Locator { return Locator{By: ByXPath, Query: q} }

// CSS is shorthand for a CSS locator.
func CSS(q string) Locator { return Locator{By: ByCSS, Query: q} }

// Element is an opaque handle to a located node.
type Element interface {
	Handle() string
}

// Condition is polled by WaitUntil.
type Condition func(ctx context.Context) (bool, error)

// Browser is the automation capability consumed by the inventory builder and
// the transfer worker. One instance drives one page at a time.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Locate(ctx context.Context, loc Locator) (Element, error)
	LocateAll(ctx context.Context, loc Locator) ([]Element, error)
	Click(ctx context.Context, el Element) error
	// Scroll moves container by delta pixels; a nil container scrolls the page.
	Scroll(ctx context.Context, container Element, delta int) error
	ReadText(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, error)
	WaitUntil(ctx context.Context, cond Condition, timeout time.Duration) error
}

// ============================================================================
// Helpers
// ============================================================================

// Present returns a condition that holds once loc matches something.
func Present(b Browser, loc Locator) Condition {
	return func(ctx context.Context) (bool, error) {
		_, err := b.Locate(ctx, loc)
		if errors.Is(err, ErrElementNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// AnyPresent holds once any of locs matches.
func AnyPresent(b Browser, locs []Locator) Condition {
	return func(ctx context.Context) (bool, error) {
		_, _, err := LocateFirst(ctx, b, locs)
		if errors.Is(err, ErrElementNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// LocateFirst tries locs in order and returns the first match.
func LocateFirst(ctx context.Context, b Browser, locs []Locator) (Element, Locator, error) {
	for _, loc := range locs {
		el, err := b.Locate(ctx, loc)
		if err == nil {
			return el, loc, nil
		}
		if !errors.Is(err, ErrElementNotFound) {
			return nil, loc, err
		}
	}
	return nil, Locator{}, ErrElementNotFound
}

// PageText returns the text of the body locator, or "" if it cannot be read.
func PageText(ctx context.Context, b Browser, body Locator) string {
	el, err := b.Locate(ctx, body)
	if err != nil {
		return ""
	}
	text, err := b.ReadText(ctx, el)
	if err != nil {
		return ""
	}
	return text
}

// Poll evaluates cond every interval until it holds, it errors, ctx ends or
// timeout elapses.
func Poll(ctx context.Context, cond Condition, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.Wrapf(ErrTimeout, "after %s", timeout)
		case <-ticker.C:
		}
	}
}
