// ============================================================================
// Board-Copier Transfer Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The abstraction the orchestrator drives items through
//
// The orchestrator only needs "move this item, tell me what happened". Keeping
// that behind an interface lets it be tested against scripted outcomes, and
// lets the browser-driven Worker be swapped without touching the run loop.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/board-copier/pkg/types"
)

// Transferer saves one item into a destination collection.
type Transferer interface {
	// Transfer attempts to save item into destination and classifies the
	// result. Per-item failures are reported in the Outcome, never returned
	// or panicked; a cancelled ctx yields a failed Outcome with reason
	// "interrupted".
	Transfer(ctx context.Context, item types.Item, destination string) Outcome
}

var _ Transferer = (*Worker)(nil)
