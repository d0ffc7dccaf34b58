package browser

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simBoardURL = "https://platform.test/me/source/"

func TestSimulator_BoardRevealsLinksPerScroll(t *testing.T) {
	sel := DefaultSelectors()
	sim := NewSimulator(sel)
	var hrefs []string
	for i := 0; i < 25; i++ {
		hrefs = append(hrefs, fmt.Sprintf("/pin/%d/", i))
	}
	sim.AddBoard(simBoardURL, hrefs, 10)

	ctx := context.Background()
	require.NoError(t, sim.Navigate(ctx, simBoardURL))

	counts := []int{}
	for i := 0; i < 4; i++ {
		links, err := sim.LocateAll(ctx, sel.ItemLinks)
		require.NoError(t, err)
		counts = append(counts, len(links))
		require.NoError(t, sim.Scroll(ctx, nil, 800))
	}
	assert.Equal(t, []int{10, 20, 25, 25}, counts)

	// Backward nudges do not reveal anything.
	require.NoError(t, sim.Navigate(ctx, simBoardURL))
	require.NoError(t, sim.Scroll(ctx, nil, -300))
	links, err := sim.LocateAll(ctx, sel.ItemLinks)
	require.NoError(t, err)
	assert.Len(t, links, 10)

	href, err := sim.Attribute(ctx, links[3], "href")
	require.NoError(t, err)
	assert.Equal(t, "/pin/3/", href)
}

func TestSimulator_SaveFlow(t *testing.T) {
	sel := DefaultSelectors()
	sim := NewSimulator(sel)
	url := ItemURL("https://platform.test", "42")
	sim.AddItem(url, nil)

	ctx := context.Background()
	require.NoError(t, sim.Navigate(ctx, url))

	ok, err := Present(sim, sel.Picker)(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	save, _, err := LocateFirst(ctx, sim, sel.SaveButtons)
	require.NoError(t, err)
	require.NoError(t, sim.Click(ctx, save))
	require.NoError(t, sim.WaitUntil(ctx, Present(sim, sel.Picker), 0))

	rows, err := sim.LocateAll(ctx, sel.PickerCandidates)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NoError(t, sim.Click(ctx, rows[1]))

	assert.Equal(t, []string{"Recipes"}, sim.Saves(url))
	assert.Equal(t, 1, sim.TotalSaves())
	assert.Equal(t, 1, sim.Navigations(url))

	// Picker closes after a save.
	assert.Error(t, sim.Click(ctx, rows[0]))
}

func TestSimulator_Failures(t *testing.T) {
	sel := DefaultSelectors()
	ctx := context.Background()

	t.Run("unreachable", func(t *testing.T) {
		sim := NewSimulator(sel)
		sim.AddItem("u", &SimItem{Unreachable: true})
		assert.True(t, errors.Is(sim.Navigate(ctx, "u"), ErrNavigation))
		assert.True(t, errors.Is(sim.Navigate(ctx, "unknown"), ErrNavigation))
	})

	t.Run("login redirect", func(t *testing.T) {
		sim := NewSimulator(sel)
		sim.AddItem("u", &SimItem{LoginRedirect: true})
		require.NoError(t, sim.Navigate(ctx, "u"))
		cur, err := sim.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, sim.LoginURL, cur)
	})

	t.Run("block after", func(t *testing.T) {
		sim := NewSimulator(sel)
		sim.BlockAfter = 1
		sim.AddItem("a", nil)
		sim.AddItem("b", nil)

		require.NoError(t, sim.Navigate(ctx, "a"))
		_, _, err := LocateFirst(ctx, sim, sel.SaveButtons)
		require.NoError(t, err)

		require.NoError(t, sim.Navigate(ctx, "b"))
		_, _, err = LocateFirst(ctx, sim, sel.SaveButtons)
		assert.True(t, errors.Is(err, ErrElementNotFound))
		assert.Contains(t, PageText(ctx, sim, sel.PageBody), "captcha")
	})

	t.Run("wait until times out", func(t *testing.T) {
		sim := NewSimulator(sel)
		sim.AddItem("a", &SimItem{PickerNeverOpens: true})
		require.NoError(t, sim.Navigate(ctx, "a"))
		err := sim.WaitUntil(ctx, Present(sim, sel.Picker), 0)
		assert.True(t, errors.Is(err, ErrTimeout))
	})
}
