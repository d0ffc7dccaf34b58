package state

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ChuLiYu/board-copier/pkg/types"
)

// ReasonUnspecified is used for legacy failure entries that carry no reason.
const ReasonUnspecified types.Reason = "unspecified"

// timestamp layouts accepted from older logs, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// legacyRecord covers every entry shape seen in persisted logs.
type legacyRecord struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	PinURL    string          `json:"pin_url"`
	Pin       string          `json:"pin"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason"`
	Error     string          `json:"error"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// normalizeRecord converts one raw log entry into the canonical record. status
// is the log the entry came from and is used when the entry does not say.
// ok is false for entries without an identifier.
func normalizeRecord(raw json.RawMessage, status types.Status) (types.OutcomeRecord, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return types.OutcomeRecord{}, false
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return types.OutcomeRecord{}, false
		}
		return finishRecord(types.OutcomeRecord{ID: types.ItemID(strings.TrimSpace(s)), Status: status})
	}

	var lr legacyRecord
	if err := json.Unmarshal(raw, &lr); err != nil {
		return types.OutcomeRecord{}, false
	}

	rec := types.OutcomeRecord{
		ID:        types.ItemID(strings.TrimSpace(firstNonEmpty(lr.ID, lr.URL, lr.PinURL, lr.Pin))),
		Status:    status,
		Reason:    types.Reason(firstNonEmpty(lr.Reason, lr.Error)),
		Timestamp: parseTimestamp(lr.Timestamp),
	}
	switch types.Status(lr.Status) {
	case types.StatusSuccess, types.StatusFailed:
		rec.Status = types.Status(lr.Status)
	}
	return finishRecord(rec)
}

func finishRecord(rec types.OutcomeRecord) (types.OutcomeRecord, bool) {
	if rec.ID == "" {
		return rec, false
	}
	switch rec.Status {
	case types.StatusSuccess:
		rec.Reason = ""
	case types.StatusFailed:
		if rec.Reason == "" {
			rec.Reason = ReasonUnspecified
		}
	}
	return rec, true
}

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return time.Time{}
	}

	var unix float64
	if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
		sec := int64(unix)
		return time.Unix(sec, int64((unix-float64(sec))*1e9)).UTC()
	}
	return time.Time{}
}

// normalizeSnapshot reads the latest-success snapshot in either the current
// {"items": [...]} layout or the older {"successful_pins": [...]} layout.
func normalizeSnapshot(raw []byte) ([]types.ItemID, error) {
	var envelope struct {
		Items  []json.RawMessage `json:"items"`
		Legacy []json.RawMessage `json:"successful_pins"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}

	entries := envelope.Items
	if len(entries) == 0 {
		entries = envelope.Legacy
	}

	ids := make([]types.ItemID, 0, len(entries))
	for _, e := range entries {
		if rec, ok := normalizeRecord(e, types.StatusSuccess); ok {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
