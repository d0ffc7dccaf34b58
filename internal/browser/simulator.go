package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// SimItem describes how one simulated item page behaves.
type SimItem struct {
	Unreachable       bool     // navigation fails
	Lost              bool     // page opens but says the item is gone
	AlreadySaved      bool     // page shows the saved marker instead of save
	NoSaveButton      bool     // no save affordance at all
	FallbackSaveOnly  bool     // save only findable through the generic button scan
	PickerNeverOpens  bool     // clicking save does nothing
	PickerNeedsSeeAll bool     // picker opens only after the "see all" button
	PickerFailures    int      // picker stays closed for this many save clicks
	Blocked           bool     // page is an anti-automation challenge
	LoginRedirect     bool     // navigation lands on the login page
	Boards            []string // destinations listed in the picker, nil means the simulator defaults
	OnlyInTextScan    bool     // destinations missing from picker candidate rows
	Filler            int      // unrelated text nodes listed before the destinations
	BrokenBoardClicks []string // destinations whose first matching node fails to click
}

type simBoard struct {
	items    []string
	pageSize int
}

type simElement struct {
	handle string
	kind   string
	text   string
	attrs  map[string]string
}

func (e *simElement) Handle() string { return e.handle }

const (
	kindLink     = "link"
	kindBody     = "body"
	kindSave     = "save"
	kindSaved    = "saved"
	kindButton   = "button"
	kindPicker   = "picker"
	kindSeeAll   = "see-all"
	kindBoard    = "board"
	kindBoardBad = "board-broken"
	kindText     = "text"
)

// Simulator is an in-memory stand-in for the content platform. It answers the
// locators in its Selectors and records every save it receives.
type Simulator struct {
	mu  sync.Mutex
	sel Selectors

	LoginURL      string
	DefaultBoards []string
	// BlockAfter turns every item page into a challenge after this many item
	// navigations. Zero disables it.
	BlockAfter int

	boards map[string]*simBoard
	items  map[string]*SimItem

	url          string
	scrolls      int
	pickerOpen   bool
	seeAllOpened bool
	itemVisits   int
	saveClicks   map[string]int

	saves       map[string][]string
	navigations map[string]int
	nextHandle  int
}

// NewSimulator returns an empty platform answering sel.
func NewSimulator(sel Selectors) *Simulator {
	return &Simulator{
		sel:           sel,
		LoginURL:      "https://platform.test/login/",
		DefaultBoards: []string{"Inspiration", "Recipes"},
		boards:        make(map[string]*simBoard),
		items:         make(map[string]*SimItem),
		saveClicks:    make(map[string]int),
		saves:         make(map[string][]string),
		navigations:   make(map[string]int),
	}
}

// AddBoard registers a source collection whose page reveals pageSize more
// links per forward scroll.
func (s *Simulator) AddBoard(url string, items []string, pageSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pageSize <= 0 {
		pageSize = len(items)
	}
	s.boards[url] = &simBoard{items: append([]string(nil), items...), pageSize: pageSize}
}

// AddItem registers an item page. A nil behavior is a healthy item.
func (s *Simulator) AddItem(url string, behavior *SimItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if behavior == nil {
		behavior = &SimItem{}
	}
	s.items[url] = behavior
}

// Item returns the registered behavior for url so tests can change it.
func (s *Simulator) Item(url string) *SimItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[url]
}

// Saves returns the destinations url was saved to, in order.
func (s *Simulator) Saves(url string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saves[url]...)
}

// TotalSaves returns how many saves the platform received.
func (s *Simulator) TotalSaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.saves {
		n += len(v)
	}
	return n
}

// Navigations returns how many times url was opened.
func (s *Simulator) Navigations(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigations[url]
}

// ============================================================================
// Browser implementation
// ============================================================================

func (s *Simulator) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.navigations[url]++
	s.scrolls = 0
	s.pickerOpen = false
	s.seeAllOpened = false

	if _, ok := s.boards[url]; ok {
		s.url = url
		return nil
	}
	item, ok := s.items[url]
	if !ok || item.Unreachable {
		return errors.Wrapf(ErrNavigation, "%s", url)
	}

	s.itemVisits++
	s.url = url
	if item.LoginRedirect {
		s.url = s.LoginURL
	}
	return nil
}

func (s *Simulator) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, nil
}

func (s *Simulator) Locate(ctx context.Context, loc Locator) (Element, error) {
	els, err := s.LocateAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, errors.Wrapf(ErrElementNotFound, "%s", loc.Query)
	}
	return els[0], nil
}

func (s *Simulator) LocateAll(ctx context.Context, loc Locator) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if loc == s.sel.PageBody {
		return []Element{s.el(kindBody, s.pageTextLocked(), nil)}, nil
	}
	if board, ok := s.boards[s.url]; ok {
		if loc == s.sel.ItemLinks {
			return s.boardLinksLocked(board), nil
		}
		return nil, nil
	}

	item, ok := s.items[s.url]
	if !ok || s.blockedLocked(item) {
		return nil, nil
	}
	return s.itemElementsLocked(item, loc), nil
}

func (s *Simulator) boardLinksLocked(b *simBoard) []Element {
	visible := b.pageSize * (s.scrolls + 1)
	if visible > len(b.items) {
		visible = len(b.items)
	}
	out := make([]Element, 0, visible)
	for _, href := range b.items[:visible] {
		out = append(out, s.el(kindLink, "", map[string]string{"href": href}))
	}
	return out
}

func (s *Simulator) itemElementsLocked(item *SimItem, loc Locator) []Element {
	switch {
	case containsLocator(s.sel.SavedMarker, loc):
		if item.AlreadySaved && !item.Lost {
			return []Element{s.el(kindSaved, "Saved", nil)}
		}
	case len(s.sel.SaveButtons) > 0 && loc == s.sel.SaveButtons[0]:
		if !item.AlreadySaved && !item.NoSaveButton && !item.FallbackSaveOnly && !item.Lost {
			return []Element{s.el(kindSave, "Save", nil)}
		}
	case loc == s.sel.Buttons:
		out := []Element{s.el(kindButton, "Share", nil), s.el(kindButton, "More", nil)}
		if item.FallbackSaveOnly {
			out = append(out, s.el(kindSave, "Save", nil))
		}
		return out
	case loc == s.sel.Picker:
		if s.pickerOpen {
			return []Element{s.el(kindPicker, "", nil)}
		}
	case containsLocator(s.sel.SeeAll, loc):
		if item.PickerNeedsSeeAll && s.saveClicks[s.url] > 0 && !s.pickerOpen {
			return []Element{s.el(kindSeeAll, "See all boards", nil)}
		}
	case loc == s.sel.PickerCandidates:
		if s.pickerOpen && !item.OnlyInTextScan {
			return s.boardElementsLocked(item)
		}
	case loc == s.sel.TextNodes:
		out := []Element{s.el(kindText, "Pin detail", nil)}
		if !s.pickerOpen {
			return out
		}
		for i := 0; i < item.Filler; i++ {
			out = append(out, s.el(kindText, fmt.Sprintf("Suggestion %d", i), nil))
		}
		return append(out, s.boardElementsLocked(item)...)
	}
	return nil
}

func (s *Simulator) boardElementsLocked(item *SimItem) []Element {
	names := item.Boards
	if names == nil {
		names = s.DefaultBoards
	}
	var out []Element
	for _, name := range names {
		for _, broken := range item.BrokenBoardClicks {
			if broken == name {
				out = append(out, s.el(kindBoardBad, name, nil))
			}
		}
		out = append(out, s.el(kindBoard, name, nil))
	}
	return out
}

func (s *Simulator) blockedLocked(item *SimItem) bool {
	return item.Blocked || (s.BlockAfter > 0 && s.itemVisits > s.BlockAfter)
}

func (s *Simulator) pageTextLocked() string {
	if _, ok := s.boards[s.url]; ok {
		return "Board"
	}
	if s.url == s.LoginURL {
		return "Log in to see more"
	}
	item, ok := s.items[s.url]
	switch {
	case !ok:
		return ""
	case s.blockedLocked(item):
		return "Please complete the captcha: we noticed suspicious activity"
	case item.Lost:
		return "Sorry! We couldn't find that page. It doesn't exist anymore."
	default:
		return "Pin detail"
	}
}

func (s *Simulator) el(kind, text string, attrs map[string]string) *simElement {
	s.nextHandle++
	return &simElement{
		handle: fmt.Sprintf("sim-%d", s.nextHandle),
		kind:   kind,
		text:   text,
		attrs:  attrs,
	}
}

func (s *Simulator) Click(ctx context.Context, el Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	se, ok := el.(*simElement)
	if !ok {
		return errors.Newf("simulator: foreign element %T", el)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.items[s.url]
	switch se.kind {
	case kindSave, kindSaved:
		s.saveClicks[s.url]++
		if item == nil || item.PickerNeverOpens || item.PickerNeedsSeeAll {
			return nil
		}
		if s.saveClicks[s.url] > item.PickerFailures {
			s.pickerOpen = true
		}
	case kindSeeAll:
		s.seeAllOpened = true
		s.pickerOpen = true
	case kindBoard:
		if !s.pickerOpen {
			return errors.New("simulator: picker is closed")
		}
		s.saves[s.url] = append(s.saves[s.url], se.text)
		s.pickerOpen = false
	case kindBoardBad:
		return errors.Newf("simulator: %s is not clickable", se.text)
	}
	return nil
}

func (s *Simulator) Scroll(ctx context.Context, container Element, delta int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if container == nil && delta > 0 {
		s.scrolls++
	}
	return nil
}

func (s *Simulator) ReadText(ctx context.Context, el Element) (string, error) {
	se, ok := el.(*simElement)
	if !ok {
		return "", errors.Newf("simulator: foreign element %T", el)
	}
	return se.text, nil
}

func (s *Simulator) Attribute(ctx context.Context, el Element, name string) (string, error) {
	se, ok := el.(*simElement)
	if !ok {
		return "", errors.Newf("simulator: foreign element %T", el)
	}
	return se.attrs[name], nil
}

// WaitUntil evaluates cond once; the simulator has no asynchronous rendering.
func (s *Simulator) WaitUntil(ctx context.Context, cond Condition, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := cond(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrTimeout, "after %s", timeout)
	}
	return nil
}

func containsLocator(locs []Locator, loc Locator) bool {
	for _, l := range locs {
		if l == loc {
			return true
		}
	}
	return false
}

// ItemURL builds the canonical simulated item URL for id.
func ItemURL(base, id string) string {
	return strings.TrimRight(base, "/") + "/pin/" + id + "/"
}
