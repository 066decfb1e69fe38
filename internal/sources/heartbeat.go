package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// Heartbeat reports when a file was last refreshed. If the file holds a JSON
// object with an "updated_at" timestamp that value wins; otherwise the
// modification time is used.
type Heartbeat struct {
	Base
	path  string
	label string
}

// NewHeartbeat creates a heartbeat adapter for path.
func NewHeartbeat(b Base, path, label string) *Heartbeat {
	return &Heartbeat{Base: b, path: path, label: label}
}

// Poll stats the file.
func (h *Heartbeat) Poll(ctx context.Context) (insights.SourceReading, error) {
	if err := ctx.Err(); err != nil {
		return insights.SourceReading{}, err
	}
	info, err := os.Stat(h.path)
	if err != nil {
		return insights.SourceReading{}, fmt.Errorf("stat heartbeat: %w", err)
	}

	updated := info.ModTime()
	if t, ok := h.embeddedTimestamp(); ok {
		updated = t
	}
	return reading(h.ID, insights.FreshnessPayload{Label: h.label, LastUpdated: updated}), nil
}

func (h *Heartbeat) embeddedTimestamp() (time.Time, bool) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return time.Time{}, false
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return time.Time{}, false
	}
	var doc struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.UpdatedAt.IsZero() {
		return time.Time{}, false
	}
	return doc.UpdatedAt, true
}
