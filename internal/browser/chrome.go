package browser

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ChromeOptions configures the chromedp-driven browser.
type ChromeOptions struct {
	Headless bool
	// ProfileDir is a Chrome user data dir that already holds a logged-in
	// session. Empty means a throwaway profile.
	ProfileDir      string
	ExecPath        string
	WindowWidth     int
	WindowHeight    int
	NavigateTimeout time.Duration
	// ActionTimeout bounds every other DevTools round trip (query, click,
	// scroll, read) so a wedged tab cannot hang a pass.
	ActionTimeout   time.Duration
	PollInterval    time.Duration
	Logger          *zap.SugaredLogger
}

func (o *ChromeOptions) withDefaults() {
	if o.WindowWidth <= 0 {
		o.WindowWidth = 1366
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = 900
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 150 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Chrome implements Browser on top of chromedp.
type Chrome struct {
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	opts        ChromeOptions
}

type chromeElement struct {
	node *cdp.Node
}

func (e chromeElement) Handle() string {
	return fmt.Sprintf("node-%d", e.node.NodeID)
}

// NewChrome starts Chrome and opens one tab. The browser lives until Close;
// parent only bounds start-up.
func NewChrome(parent context.Context, opts ChromeOptions) (*Chrome, error) {
	opts.withDefaults()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tab, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(opts.Logger.Debugf))

	c := &Chrome{tab: tab, cancelTab: cancelTab, cancelAlloc: cancelAlloc, opts: opts}
	if err := c.run(parent); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "start chrome")
	}
	return c, nil
}

// Close shuts the tab and the browser process.
func (c *Chrome) Close() error {
	c.cancelTab()
	c.cancelAlloc()
	return nil
}

// run executes actions on the tab, aborting when ctx ends.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// act is run bounded by ActionTimeout.
func (c *Chrome) act(ctx context.Context, actions ...chromedp.Action) error {
	actCtx, cancel := context.WithTimeout(ctx, c.opts.ActionTimeout)
	defer cancel()
	return actionError(ctx, actCtx, c.run(actCtx, actions...), c.opts.ActionTimeout)
}

// actionError reports an expired actCtx as ErrTimeout unless the caller's ctx
// ended first.
func actionError(ctx, actCtx context.Context, err error, limit time.Duration) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(actCtx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "browser action exceeded %s", limit)
	}
	return err
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, c.opts.NavigateTimeout)
	defer cancel()

	if err := c.run(navCtx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Mark(errors.Wrapf(err, "navigate %s", url), ErrNavigation)
	}
	return nil
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := c.act(ctx, chromedp.Location(&u)); err != nil {
		return "", errors.Wrap(err, "read location")
	}
	return u, nil
}

func (c *Chrome) nodes(ctx context.Context, loc Locator) ([]*cdp.Node, error) {
	by := chromedp.BySearch
	if loc.By == ByCSS {
		by = chromedp.ByQueryAll
	}

	var nodes []*cdp.Node
	if err := c.act(ctx, chromedp.Nodes(loc.Query, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return nil, errors.Wrapf(err, "query %s", loc.Query)
	}
	return nodes, nil
}

func (c *Chrome) Locate(ctx context.Context, loc Locator) (Element, error) {
	nodes, err := c.nodes(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Wrapf(ErrElementNotFound, "%s", loc.Query)
	}
	return chromeElement{node: nodes[0]}, nil
}

func (c *Chrome) LocateAll(ctx context.Context, loc Locator) ([]Element, error) {
	nodes, err := c.nodes(ctx, loc)
	if err != nil {
		return nil, err
	}
	out := make([]Element, len(nodes))
	for i, n := range nodes {
		out[i] = chromeElement{node: n}
	}
	return out, nil
}

func (c *Chrome) node(el Element) (*cdp.Node, error) {
	ce, ok := el.(chromeElement)
	if !ok || ce.node == nil {
		return nil, errors.Newf("browser: foreign element %T", el)
	}
	return ce.node, nil
}

func (c *Chrome) Click(ctx context.Context, el Element) error {
	n, err := c.node(el)
	if err != nil {
		return err
	}
	if err := c.act(ctx, chromedp.MouseClickNode(n)); err != nil {
		return errors.Wrapf(err, "click %s", el.Handle())
	}
	return nil
}

func (c *Chrome) Scroll(ctx context.Context, container Element, delta int) error {
	if container == nil {
		expr := fmt.Sprintf("window.scrollBy(0, %d)", delta)
		if err := c.act(ctx, chromedp.Evaluate(expr, nil)); err != nil {
			return errors.Wrap(err, "scroll page")
		}
		return nil
	}

	n, err := c.node(container)
	if err != nil {
		return err
	}
	ids := []cdp.NodeID{n.NodeID}

	var top float64
	if err := c.act(ctx, chromedp.JavascriptAttribute(ids, "scrollTop", &top, chromedp.ByNodeID)); err != nil {
		return errors.Wrap(err, "read scrollTop")
	}
	next := strconv.FormatFloat(top+float64(delta), 'f', 0, 64)
	if err := c.act(ctx, chromedp.SetJavascriptAttribute(ids, "scrollTop", next, chromedp.ByNodeID)); err != nil {
		return errors.Wrap(err, "set scrollTop")
	}
	return nil
}

func (c *Chrome) ReadText(ctx context.Context, el Element) (string, error) {
	n, err := c.node(el)
	if err != nil {
		return "", err
	}
	var text string
	if err := c.act(ctx, chromedp.Text([]cdp.NodeID{n.NodeID}, &text, chromedp.ByNodeID)); err != nil {
		return "", errors.Wrapf(err, "read text of %s", el.Handle())
	}
	return text, nil
}

func (c *Chrome) Attribute(ctx context.Context, el Element, name string) (string, error) {
	n, err := c.node(el)
	if err != nil {
		return "", err
	}
	return n.AttributeValue(name), nil
}

func (c *Chrome) WaitUntil(ctx context.Context, cond Condition, timeout time.Duration) error {
	return Poll(ctx, cond, timeout, c.opts.PollInterval)
}
