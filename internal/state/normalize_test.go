package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/board-copier/pkg/types"
)

func TestNormalizeRecord(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		raw    string
		status types.Status
		want   types.OutcomeRecord
		ok     bool
	}{
		{
			name:   "canonical",
			raw:    `{"id":"p1","status":"failed","reason":"destination not found","timestamp":"2025-01-02T03:04:05Z"}`,
			status: types.StatusFailed,
			want:   types.OutcomeRecord{ID: "p1", Status: types.StatusFailed, Reason: types.ReasonDestinationNotFound, Timestamp: ts},
			ok:     true,
		},
		{
			name:   "plain string",
			raw:    `" p2 "`,
			status: types.StatusSuccess,
			want:   types.OutcomeRecord{ID: "p2", Status: types.StatusSuccess},
			ok:     true,
		},
		{
			name:   "plain string in failure log",
			raw:    `"p3"`,
			status: types.StatusFailed,
			want:   types.OutcomeRecord{ID: "p3", Status: types.StatusFailed, Reason: ReasonUnspecified},
			ok:     true,
		},
		{
			name:   "url object",
			raw:    `{"url":"p4","timestamp":"2025-01-02T03:04:05.000000"}`,
			status: types.StatusSuccess,
			want:   types.OutcomeRecord{ID: "p4", Status: types.StatusSuccess, Timestamp: ts},
			ok:     true,
		},
		{
			name:   "pin_url with reason",
			raw:    `{"pin_url":"p5","reason":"Save failed"}`,
			status: types.StatusFailed,
			want:   types.OutcomeRecord{ID: "p5", Status: types.StatusFailed, Reason: "Save failed"},
			ok:     true,
		},
		{
			name:   "error field as reason",
			raw:    `{"pin":"p6","error":"timeout"}`,
			status: types.StatusFailed,
			want:   types.OutcomeRecord{ID: "p6", Status: types.StatusFailed, Reason: "timeout"},
			ok:     true,
		},
		{
			name:   "success drops stray reason",
			raw:    `{"id":"p7","reason":"leftover"}`,
			status: types.StatusSuccess,
			want:   types.OutcomeRecord{ID: "p7", Status: types.StatusSuccess},
			ok:     true,
		},
		{
			name:   "unix seconds",
			raw:    `{"id":"p8","timestamp":1735787045}`,
			status: types.StatusSuccess,
			want:   types.OutcomeRecord{ID: "p8", Status: types.StatusSuccess, Timestamp: ts},
			ok:     true,
		},
		{name: "no id", raw: `{"reason":"x"}`, status: types.StatusFailed},
		{name: "null", raw: `null`, status: types.StatusFailed},
		{name: "number", raw: `12`, status: types.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeRecord(json.RawMessage(tt.raw), tt.status)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.want.ID, got.ID)
			assert.Equal(t, tt.want.Status, got.Status)
			assert.Equal(t, tt.want.Reason, got.Reason)
			assert.True(t, tt.want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", tt.want.Timestamp, got.Timestamp)
		})
	}
}

func TestNormalizeSnapshot(t *testing.T) {
	ids, err := normalizeSnapshot([]byte(`{"items":["a","b"],"count":2}`))
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"a", "b"}, ids)

	ids, err = normalizeSnapshot([]byte(`{"successful_pins":["c",{"url":"d"}],"count":2}`))
	require.NoError(t, err)
	assert.Equal(t, []types.ItemID{"c", "d"}, ids)

	_, err = normalizeSnapshot([]byte(`[1,2]`))
	assert.Error(t, err)
}
