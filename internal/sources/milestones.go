package sources

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// MilestoneFile is the YAML layout read by the milestones adapter.
type MilestoneFile struct {
	Milestones []MilestoneEntry `yaml:"milestones"`
}

// MilestoneEntry is one tracked goal. Due accepts RFC 3339 or a plain date.
type MilestoneEntry struct {
	Name    string  `yaml:"name"`
	Current float64 `yaml:"current"`
	Target  float64 `yaml:"target"`
	Due     string  `yaml:"due,omitempty"`
	Pending bool    `yaml:"pending,omitempty"`
}

// Milestones reads goals from a YAML file.
type Milestones struct {
	Base
	path string
}

// NewMilestones creates a milestones adapter.
func NewMilestones(b Base, path string) *Milestones {
	return &Milestones{Base: b, path: path}
}

// Poll parses the file.
func (m *Milestones) Poll(ctx context.Context) (insights.SourceReading, error) {
	if err := ctx.Err(); err != nil {
		return insights.SourceReading{}, err
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return insights.SourceReading{}, fmt.Errorf("read milestones: %w", err)
	}

	var file MilestoneFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return insights.SourceReading{}, fmt.Errorf("parse milestones: %w", err)
	}

	out := make([]insights.Milestone, 0, len(file.Milestones))
	for _, e := range file.Milestones {
		ms := insights.Milestone{
			Name:    e.Name,
			Current: e.Current,
			Target:  e.Target,
			Pending: e.Pending,
		}
		if e.Due != "" {
			due, err := parseDue(e.Due)
			if err != nil {
				return insights.SourceReading{}, fmt.Errorf("milestone %q: %w", e.Name, err)
			}
			ms.Due = &due
		}
		out = append(out, ms)
	}
	return reading(m.ID, insights.MilestonePayload{Milestones: out}), nil
}

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due date %q", s)
	}
	return t, nil
}
