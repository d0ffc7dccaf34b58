package controller

import (
	"fmt"

	"github.com/ChuLiYu/board-copier/internal/worker"
)

// BlockDetector decides when a run should stop because the platform is
// probably refusing automated saves.
type BlockDetector struct {
	threshold   int
	consecutive int
	signaled    bool
}

func NewBlockDetector(threshold int) *BlockDetector {
	if threshold <= 0 {
		threshold = defaultBlockThreshold
	}
	return &BlockDetector{threshold: threshold}
}

// Observe feeds one terminal outcome. A success resets the failure streak.
func (d *BlockDetector) Observe(out worker.Outcome) {
	if out.Succeeded() {
		d.consecutive = 0
		return
	}
	d.consecutive++
	if out.Blocked {
		d.signaled = true
	}
}

// Tripped reports whether the run should stop.
func (d *BlockDetector) Tripped() bool {
	return d.signaled || d.consecutive >= d.threshold
}

// Consecutive returns the current failure streak.
func (d *BlockDetector) Consecutive() int { return d.consecutive }

// Signaled reports whether any outcome carried an explicit block signal.
func (d *BlockDetector) Signaled() bool { return d.signaled }

// Cause describes why the detector tripped.
func (d *BlockDetector) Cause() string {
	if d.signaled {
		return "challenge or login redirect detected"
	}
	return fmt.Sprintf("%d consecutive failures", d.consecutive)
}
