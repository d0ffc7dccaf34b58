package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"

	"github.com/ChuLiYu/board-copier/internal/controller"
	"github.com/ChuLiYu/board-copier/internal/inventory"
	"github.com/ChuLiYu/board-copier/internal/state"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

// PrintError shows err and every hint attached to it.
func PrintError(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, types.ErrInterrupted):
		pterm.Warning.Println(err.Error())
	default:
		pterm.Error.Println(err.Error())
	}
	if hints := errors.FlattenHints(err); hints != "" {
		pterm.Info.Println(hints)
	}
}

func printSummary(sum *controller.Summary) {
	if sum == nil {
		return
	}

	pterm.DefaultSection.Printf("%s summary", sum.Mode)

	data := pterm.TableData{
		{"Run", sum.RunID},
		{"Source", sum.Source},
		{"Destination", sum.Destination},
		{"Inventory", fmt.Sprintf("%d items (reused: %t)", sum.Total, sum.InventoryReused)},
		{"Started at", fmt.Sprintf("%d", sum.StartIndex)},
		{"Reached", fmt.Sprintf("%d / %d", sum.LastIndex+1, sum.Total)},
		{"Saved", pterm.Green(sum.Succeeded)},
		{"Failed", pterm.Red(sum.Failed)},
		{"Skipped", fmt.Sprintf("%d", sum.Skipped)},
		{"Elapsed", sum.Elapsed.Round(time.Second).String()},
	}
	_ = pterm.DefaultTable.WithData(data).Render()

	if len(sum.ByReason) > 0 {
		reasons := make([]string, 0, len(sum.ByReason))
		for r := range sum.ByReason {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)

		rows := pterm.TableData{{"Reason", "Items"}}
		for _, r := range reasons {
			rows = append(rows, []string{r, fmt.Sprintf("%d", sum.ByReason[types.Reason(r)])})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	switch {
	case !sum.Completed:
	case len(sum.Duplicates) > 0:
		pterm.Warning.Printf("%d items were saved more than once (%d extra saves)\n",
			len(sum.Duplicates), sum.Duplicates.ExtraSaves())
	case sum.Failed > 0:
		pterm.Success.Println("Pass complete")
		pterm.Info.Println("Run `boardcopy retry` to re-attempt the failed items.")
	default:
		pterm.Success.Println("Pass complete")
	}
}

func printInventory(inv *types.Inventory, stats inventory.Stats, dir string) {
	pterm.Success.Printf("Inventory of %s items stored in %s\n", pterm.Green(inv.Len()), dir)
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Run", inv.RunID},
		{"Source", inv.Source},
		{"Checksum", inv.Checksum},
		{"Scroll rounds", fmt.Sprintf("%d", stats.Rounds)},
		{"Stalled rounds", fmt.Sprintf("%d", stats.Stalls)},
		{"Nudges", fmt.Sprintf("%d", stats.Nudges)},
	}).Render()
}

func printStatus(configFile string, cfg *Config, sum state.Summary) {
	pterm.DefaultSection.Println("Board-Copier Status")

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Config file", configFile},
		{"Source", cfg.Source},
		{"Destination", cfg.Destination},
		{"State dir", sum.Dir},
	}).Render()

	pterm.DefaultSection.WithLevel(2).Println("Inventory")
	if sum.HasInventory {
		pterm.Printf("%d items from %s, scanned %s\n",
			sum.InventoryTotal, sum.Source, sum.InventoryAt.Local().Format(time.DateTime))
	} else {
		pterm.Println("none yet (run `boardcopy inventory` or `boardcopy copy`)")
	}

	pterm.DefaultSection.WithLevel(2).Println("Progress")
	printCheckpoint("copy", sum.Checkpoint)
	printCheckpoint("retry", sum.RetryCheckpoint)
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Saved items", pterm.Green(sum.Succeeded)},
		{"Pending failures", pterm.Red(sum.PendingFailures)},
		{"Success logs", fmt.Sprintf("%d", sum.SuccessLogs)},
		{"Failure logs", fmt.Sprintf("%d", sum.FailureLogs)},
	}).Render()

	pterm.DefaultSection.WithLevel(2).Println("Metrics")
	if cfg.Metrics.Enabled {
		pterm.Printf("enabled on http://localhost:%d/metrics while a run is active\n", cfg.Metrics.Port)
	} else {
		pterm.Println("disabled")
	}
}

func printCheckpoint(name string, cp *types.Checkpoint) {
	if cp == nil {
		pterm.Printf("%s: no checkpoint\n", name)
		return
	}
	pct := 0.0
	if cp.Total > 0 {
		pct = float64(cp.LastIndex+1) / float64(cp.Total) * 100
	}
	pterm.Printf("%s: %d / %d (%.1f%%), saved %d, failed %d, skipped %d, at %s\n",
		name, cp.LastIndex+1, cp.Total, pct, cp.Succeeded, cp.Failed, cp.Skipped,
		cp.Timestamp.Local().Format(time.DateTime))
}

func printDuplicates(report types.DuplicateReport, dir string) {
	if len(report) == 0 {
		pterm.Success.Println("No item was saved more than once")
		return
	}

	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	rows := pterm.TableData{{"Item", "Saves", "First", "Last"}}
	for _, id := range ids {
		recs := report[types.ItemID(id)]
		rows = append(rows, []string{
			id,
			fmt.Sprintf("%d", len(recs)),
			recs[0].Timestamp.Local().Format(time.DateTime),
			recs[len(recs)-1].Timestamp.Local().Format(time.DateTime),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Warning.Printf("%d duplicated items, %d extra saves; report written to %s\n",
		len(report), report.ExtraSaves(), dir)
}
