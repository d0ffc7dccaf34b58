package worker

import (
	"time"

	"github.com/ChuLiYu/board-copier/pkg/types"
)

// State is a step of the per-item transfer state machine.
type State int

const (
	StateNotStarted State = iota
	StateOpened
	StateAlreadyPresent // edit path: the item is saved somewhere already
	StateSaveInitiated
	StateDestinationSelectionPending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateOpened:
		return "opened"
	case StateAlreadyPresent:
		return "already_present"
	case StateSaveInitiated:
		return "save_initiated"
	case StateDestinationSelectionPending:
		return "destination_selection_pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a transfer.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Outcome is the result of one transfer attempt.
type Outcome struct {
	Item     types.Item
	Status   types.Status
	Reason   types.Reason  // empty on success
	Blocked  bool          // the platform showed a challenge or bounced to login
	Err      error         // classified with a pkg/types sentinel on failure
	Duration time.Duration // wall time of the attempt
	Trace    []State       // states visited, in order
}

func (o Outcome) Succeeded() bool {
	return o.Status == types.StatusSuccess
}

// Record converts the outcome into its persisted shape.
func (o Outcome) Record(ts time.Time) types.OutcomeRecord {
	rec := types.OutcomeRecord{
		ID:        o.Item.ID,
		Status:    o.Status,
		Timestamp: ts,
	}
	if o.Status == types.StatusFailed {
		rec.Reason = o.Reason
	}
	return rec
}
