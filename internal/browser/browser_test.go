package browser

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll(t *testing.T) {
	t.Run("returns once the condition holds", func(t *testing.T) {
		calls := 0
		err := Poll(context.Background(), func(context.Context) (bool, error) {
			calls++
			return calls >= 3, nil
		}, time.Second, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("times out", func(t *testing.T) {
		err := Poll(context.Background(), func(context.Context) (bool, error) {
			return false, nil
		}, 10*time.Millisecond, time.Millisecond)
		assert.True(t, errors.Is(err, ErrTimeout))
	})

	t.Run("propagates condition errors", func(t *testing.T) {
		boom := errors.New("boom")
		err := Poll(context.Background(), func(context.Context) (bool, error) {
			return false, boom
		}, time.Second, time.Millisecond)
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Poll(ctx, func(context.Context) (bool, error) {
			return false, nil
		}, time.Second, time.Millisecond)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSelectorsMerge(t *testing.T) {
	defaults := DefaultSelectors()

	merged := Selectors{}.Merge(defaults)
	assert.Equal(t, defaults, merged)

	custom := Selectors{
		ItemLinks:   Locator{Query: "//a[@class='pin']"},
		SaveButtons: []Locator{CSS("#save")},
	}.Merge(defaults)
	assert.Equal(t, XPath("//a[@class='pin']"), custom.ItemLinks, "missing strategy defaults to xpath")
	assert.Equal(t, []Locator{CSS("#save")}, custom.SaveButtons)
	assert.Equal(t, defaults.Picker, custom.Picker)
}

func TestLocateFirst(t *testing.T) {
	sim := NewSimulator(DefaultSelectors())
	sim.AddItem("https://platform.test/pin/1/", &SimItem{AlreadySaved: true})
	ctx := context.Background()
	require.NoError(t, sim.Navigate(ctx, "https://platform.test/pin/1/"))

	sel := DefaultSelectors()

	_, _, err := LocateFirst(ctx, sim, sel.SaveButtons)
	assert.True(t, errors.Is(err, ErrElementNotFound))

	el, loc, err := LocateFirst(ctx, sim, sel.SavedMarker)
	require.NoError(t, err)
	assert.Equal(t, sel.SavedMarker[0], loc)
	text, err := sim.ReadText(ctx, el)
	require.NoError(t, err)
	assert.Equal(t, "Saved", text)

	ok, err := AnyPresent(sim, sel.SavedMarker)(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Present(sim, sel.Picker)(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageText(t *testing.T) {
	sim := NewSimulator(DefaultSelectors())
	sim.AddItem("https://platform.test/pin/gone/", &SimItem{Lost: true})
	ctx := context.Background()
	require.NoError(t, sim.Navigate(ctx, "https://platform.test/pin/gone/"))

	assert.Contains(t, PageText(ctx, sim, DefaultSelectors().PageBody), "couldn't find")
	assert.Empty(t, PageText(ctx, sim, CSS("nothing-here")))
}

func TestChromeOptionsDefaults(t *testing.T) {
	var opts ChromeOptions
	opts.withDefaults()

	assert.Equal(t, 30*time.Second, opts.NavigateTimeout)
	assert.Equal(t, 10*time.Second, opts.ActionTimeout)
	assert.Equal(t, 150*time.Millisecond, opts.PollInterval)
	assert.NotNil(t, opts.Logger)

	opts = ChromeOptions{ActionTimeout: 2 * time.Second}
	opts.withDefaults()
	assert.Equal(t, 2*time.Second, opts.ActionTimeout)
}

func TestActionError(t *testing.T) {
	t.Run("expired action becomes a timeout", func(t *testing.T) {
		actCtx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-actCtx.Done()

		err := actionError(context.Background(), actCtx, actCtx.Err(), time.Second)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.Contains(t, err.Error(), "1s")
	})

	t.Run("caller cancellation wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		actCtx, actCancel := context.WithTimeout(ctx, time.Nanosecond)
		defer actCancel()
		<-actCtx.Done()
		cancel()

		err := actionError(ctx, actCtx, actCtx.Err(), time.Second)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, errors.Is(err, ErrTimeout))
	})

	t.Run("other errors pass through", func(t *testing.T) {
		boom := errors.New("node detached")
		err := actionError(context.Background(), context.Background(), boom, time.Second)
		assert.Equal(t, boom, err)
		assert.NoError(t, actionError(context.Background(), context.Background(), nil, time.Second))
	})
}
