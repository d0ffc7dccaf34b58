// Package types defines the core domain model shared by the board-copier packages.
package types

import (
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ItemID is the canonical identifier of an item (its clean item URL).
type ItemID string

// Status is the terminal status of one transfer attempt.
type Status string

const (
	StatusSuccess Status = "success" // item was saved to the destination
	StatusFailed  Status = "failed"  // item could not be saved, see Reason
)

// Reason explains a failed outcome.
type Reason string

const (
	ReasonUnreachable         Reason = "unreachable"
	ReasonSaveUnavailable     Reason = "save action unavailable"
	ReasonPickerNotOpened     Reason = "save action did not open destination picker"
	ReasonDestinationNotFound Reason = "destination not found"
	ReasonBlocked             Reason = "blocked by platform challenge"
	ReasonInterrupted         Reason = "interrupted"
)

// CheckpointSchemaVersion is the only checkpoint layout this build understands.
const CheckpointSchemaVersion = 1

// Item is one entry of the source collection.
type Item struct {
	ID       ItemID `json:"id"`       // canonical item URL
	Position int    `json:"position"` // ordinal position inside the inventory
}

// Inventory is the ordered, de-duplicated list of items discovered in a source
// collection. It is never mutated after creation; a rescan produces a new one.
type Inventory struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
	Items     []Item    `json:"items"`
}

// NewInventory builds an inventory from ids in discovery order. Duplicate ids
// keep their first position.
func NewInventory(runID, source string, ids []ItemID, createdAt time.Time) *Inventory {
	seen := make(map[ItemID]struct{}, len(ids))
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, Item{ID: id, Position: len(items)})
	}

	inv := &Inventory{
		RunID:     runID,
		Source:    source,
		Total:     len(items),
		CreatedAt: createdAt,
		Items:     items,
	}
	inv.Checksum = ChecksumIDs(inv.IDs())
	return inv
}

// Len returns the number of items.
func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	return len(inv.Items)
}

// IDs returns the item ids in inventory order.
func (inv *Inventory) IDs() []ItemID {
	ids := make([]ItemID, len(inv.Items))
	for i, it := range inv.Items {
		ids[i] = it.ID
	}
	return ids
}

// Validate checks that the recorded total and checksum still describe Items.
func (inv *Inventory) Validate() error {
	if inv.Total != len(inv.Items) {
		return errors.Newf("inventory total %d does not match %d items", inv.Total, len(inv.Items))
	}
	if sum := ChecksumIDs(inv.IDs()); sum != inv.Checksum {
		return errors.Newf("inventory checksum %s does not match computed %s", inv.Checksum, sum)
	}
	return nil
}

// ChecksumIDs returns a CRC32 (IEEE) checksum over ids in the given order.
// Checkpoints address items by position, so a reordered inventory must not
// match.
func ChecksumIDs(ids []ItemID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(strings.Join(parts, "\n"))))
}

// OutcomeRecord is the single canonical shape of a persisted transfer outcome.
type OutcomeRecord struct {
	ID        ItemID    `json:"id"`
	Status    Status    `json:"status"`
	Reason    Reason    `json:"reason,omitempty"` // present iff Status == StatusFailed
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint marks how far a pass over an inventory has progressed.
type Checkpoint struct {
	SchemaVer         int       `json:"schema_ver"`
	RunID             string    `json:"run_id"`
	Source            string    `json:"source"`
	InventoryChecksum string    `json:"inventory_checksum"`
	Total             int       `json:"total"`
	LastIndex         int       `json:"last_index"` // index of the last item with a terminal outcome
	Succeeded         int       `json:"succeeded"`
	Failed            int       `json:"failed"`
	Skipped           int       `json:"skipped"`
	Timestamp         time.Time `json:"timestamp"`
}

// Processed returns how many items the checkpoint accounts for.
func (c Checkpoint) Processed() int {
	return c.Succeeded + c.Failed + c.Skipped
}

// SuccessSnapshot is the latest-success snapshot used for fast membership lookup.
type SuccessSnapshot struct {
	Items     []ItemID  `json:"items"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// DuplicateReport maps an item id to every success record it has when there
// is more than one.
type DuplicateReport map[ItemID][]OutcomeRecord

// ExtraSaves returns the total number of redundant saves in the report.
func (r DuplicateReport) ExtraSaves() int {
	n := 0
	for _, recs := range r {
		n += len(recs) - 1
	}
	return n
}
