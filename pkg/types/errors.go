package types

import "github.com/cockroachdb/errors"

// Failure taxonomy. Per-item errors never terminate a run; only
// ErrCollectionUnavailable and state store I/O errors do.
var (
	// ErrCollectionUnavailable means the source collection could not be opened.
	ErrCollectionUnavailable = errors.New("source collection unavailable")

	// ErrItemUnreachable means the item page failed to open or the item is gone.
	ErrItemUnreachable = errors.New("item unreachable")

	// ErrSaveActionFailed means the save affordance was missing or did not open
	// the destination picker.
	ErrSaveActionFailed = errors.New("save action failed")

	// ErrDestinationNotFound means the picker never listed the destination.
	ErrDestinationNotFound = errors.New("destination not found")

	// ErrBlockedSignal means the platform showed a challenge or a login redirect.
	ErrBlockedSignal = errors.New("platform block signal detected")

	// ErrLikelyBlocked halts the run; progress is checkpointed first.
	ErrLikelyBlocked = errors.New("platform is likely blocking automation")

	// ErrCheckpointCorrupt is recovered silently by starting over.
	ErrCheckpointCorrupt = errors.New("checkpoint is corrupt")

	// ErrInterrupted means the run stopped on a signal after checkpointing.
	ErrInterrupted = errors.New("run interrupted")
)

// ReasonError maps a failure reason to its taxonomy sentinel.
func ReasonError(r Reason) error {
	switch r {
	case ReasonUnreachable:
		return ErrItemUnreachable
	case ReasonSaveUnavailable, ReasonPickerNotOpened:
		return ErrSaveActionFailed
	case ReasonDestinationNotFound:
		return ErrDestinationNotFound
	case ReasonBlocked:
		return ErrBlockedSignal
	case ReasonInterrupted:
		return ErrInterrupted
	default:
		return errors.Newf("unclassified failure: %s", r)
	}
}
