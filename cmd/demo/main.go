// Command demo runs the whole copy pipeline against the in-memory platform
// simulator: an interrupted first pass, a resumed pass and a retry of the
// failures, all sharing one state directory.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"

	"github.com/ChuLiYu/board-copier/internal/browser"
	"github.com/ChuLiYu/board-copier/internal/controller"
	"github.com/ChuLiYu/board-copier/internal/inventory"
	"github.com/ChuLiYu/board-copier/internal/logger"
	"github.com/ChuLiYu/board-copier/internal/state"
	"github.com/ChuLiYu/board-copier/internal/worker"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

const (
	base        = "https://platform.test"
	source      = base + "/demo/ideas/"
	destination = "Recipes"
	itemCount   = 40
	interruptAt = 15
)

// interruptAfter cancels the run just before the n-th transfer, the way a
// Ctrl+C between two items would.
type interruptAfter struct {
	next   worker.Transferer
	n      int
	calls  int
	cancel context.CancelFunc
}

func (t *interruptAfter) Transfer(ctx context.Context, item types.Item, dest string) worker.Outcome {
	t.calls++
	if t.calls == t.n && t.cancel != nil {
		t.cancel()
	}
	return t.next.Transfer(ctx, item, dest)
}

func main() {
	if err := logger.Initialize(false, "warn"); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	dir, err := os.MkdirTemp("", "boardcopy-demo-")
	if err != nil {
		pterm.Error.Printf("Failed to create state dir: %v\n", err)
		os.Exit(1)
	}
	pterm.Info.Printf("State directory: %s\n", dir)

	sim, tricky := buildPlatform()
	sel := browser.DefaultSelectors()

	builder := inventory.New(sim, sel, inventory.Config{
		ItemBaseURL:    base,
		ScrollPause:    time.Millisecond,
		StallThreshold: 3,
	})
	w := worker.New(sim, sel, worker.Config{PickerWait: 10 * time.Millisecond})
	cfg := controller.Config{
		Source:         source,
		Destination:    destination,
		StateDir:       dir,
		DelayMax:       5 * time.Millisecond,
		ReuseInventory: true,
	}

	// Pass 1: interrupted part way.
	pterm.DefaultSection.Println("Pass 1: copy, interrupted")
	ctx, cancel := context.WithCancel(context.Background())
	tr := &interruptAfter{next: w, n: interruptAt, cancel: cancel}
	sum, err := controller.New(cfg, builder, tr).Copy(ctx)
	cancel()
	report(sum, err)

	// Pass 2: the same command again resumes from the checkpoint.
	pterm.DefaultSection.Println("Pass 2: copy, resumed")
	sum, err = controller.New(cfg, builder, w).Copy(context.Background())
	report(sum, err)

	// The missing destination shows up in the picker, then retry.
	sim.Item(tricky).Boards = nil
	pterm.DefaultSection.Println("Pass 3: retry failures")
	sum, err = controller.New(cfg, builder, w).Retry(context.Background())
	report(sum, err)

	store, err := state.Open(dir)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
	st, err := store.Summary()
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	pterm.DefaultSection.Println("Result")
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Inventory", fmt.Sprintf("%d", st.InventoryTotal)},
		{"Saved (state)", fmt.Sprintf("%d", st.Succeeded)},
		{"Saves received by platform", fmt.Sprintf("%d", sim.TotalSaves())},
		{"Still failing", fmt.Sprintf("%d", st.PendingFailures)},
		{"Success logs", fmt.Sprintf("%d", st.SuccessLogs)},
	}).Render()
	pterm.Success.Printf("Demo finished, state kept in %s\n", dir)
}

// buildPlatform registers a board with a few problem items and returns the
// url of the item whose destination is missing until the retry pass.
func buildPlatform() (*browser.Simulator, string) {
	sim := browser.NewSimulator(browser.DefaultSelectors())

	var hrefs []string
	for i := 0; i < itemCount; i++ {
		url := browser.ItemURL(base, fmt.Sprintf("%d", 100+i))
		hrefs = append(hrefs, url)
		sim.AddItem(url, nil)
	}
	sim.AddBoard(source, hrefs, 8)

	sim.AddItem(hrefs[5], &browser.SimItem{Lost: true})
	sim.AddItem(hrefs[12], &browser.SimItem{PickerFailures: 1})
	sim.AddItem(hrefs[20], &browser.SimItem{Boards: []string{"Inspiration"}})
	sim.AddItem(hrefs[25], &browser.SimItem{AlreadySaved: true})
	sim.AddItem(hrefs[30], &browser.SimItem{PickerNeedsSeeAll: true})

	return sim, hrefs[20]
}

func report(sum *controller.Summary, err error) {
	if sum != nil {
		pterm.Printf("inventory %d (reused: %t), started at %d, reached %d\n",
			sum.Total, sum.InventoryReused, sum.StartIndex, sum.LastIndex+1)
		pterm.Printf("saved %s, failed %s, skipped %d\n",
			pterm.Green(sum.Succeeded), pterm.Red(sum.Failed), sum.Skipped)
		for reason, n := range sum.ByReason {
			pterm.Printf("  %s: %d\n", reason, n)
		}
	}
	switch {
	case err == nil:
		pterm.Success.Println("Pass complete")
	case errors.Is(err, types.ErrInterrupted):
		pterm.Warning.Println(err.Error())
		pterm.Info.Println(errors.FlattenHints(err))
	default:
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}
