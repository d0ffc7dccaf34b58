package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/board-copier/internal/worker"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

func TestBlockDetector(t *testing.T) {
	ok := worker.Outcome{Status: types.StatusSuccess}
	bad := worker.Outcome{Status: types.StatusFailed, Reason: types.ReasonDestinationNotFound}
	blocked := worker.Outcome{Status: types.StatusFailed, Reason: types.ReasonBlocked, Blocked: true}

	t.Run("trips at threshold", func(t *testing.T) {
		d := NewBlockDetector(3)
		d.Observe(bad)
		d.Observe(bad)
		assert.False(t, d.Tripped())
		d.Observe(bad)
		assert.True(t, d.Tripped())
		assert.Equal(t, 3, d.Consecutive())
		assert.Contains(t, d.Cause(), "3 consecutive")
	})

	t.Run("success resets the streak", func(t *testing.T) {
		d := NewBlockDetector(3)
		d.Observe(bad)
		d.Observe(bad)
		d.Observe(ok)
		d.Observe(bad)
		assert.False(t, d.Tripped())
		assert.Equal(t, 1, d.Consecutive())
	})

	t.Run("explicit signal trips immediately", func(t *testing.T) {
		d := NewBlockDetector(15)
		d.Observe(blocked)
		assert.True(t, d.Tripped())
		assert.True(t, d.Signaled())
		assert.Contains(t, d.Cause(), "challenge")
	})

	t.Run("non-positive threshold uses default", func(t *testing.T) {
		d := NewBlockDetector(0)
		for i := 0; i < 14; i++ {
			d.Observe(bad)
		}
		assert.False(t, d.Tripped())
		d.Observe(bad)
		assert.True(t, d.Tripped())
	})
}
