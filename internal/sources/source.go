// Package sources provides reference data source adapters for the insight
// engine.
//
// Every adapter implements insights.Adapter and returns one typed payload:
//   - heartbeat: freshness of a file another process keeps touching
//   - probe: HTTP reachability of an endpoint
//   - command: categorical status printed by a command
//   - outcomes: recent results appended to a JSON lines log
//   - milestones: goals tracked in a YAML file
//   - knowledge: hand-curated facts from the durable store
//   - git: time of the last commit in a repository
//
// Adapters report I/O failures as errors; the engine turns those into
// unavailable readings.
package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/heliosarchitect/openclaw-sub001/internal/config"
	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// FactLister returns hand-curated facts. *storage.Store implements it.
type FactLister interface {
	CuratedFacts(ctx context.Context) ([]insights.Fact, error)
}

// Base carries the scheduling fields shared by every adapter.
type Base struct {
	ID        string
	Interval  time.Duration
	Freshness time.Duration
	Wait      time.Duration
}

// SourceID returns the adapter's source id.
func (b Base) SourceID() string { return b.ID }

// PollInterval returns the poll period; zero means on-demand.
func (b Base) PollInterval() time.Duration { return b.Interval }

// FreshnessThreshold returns how long a reading stays valid.
func (b Base) FreshnessThreshold() time.Duration { return b.Freshness }

// Timeout returns the per-poll timeout; zero defers to the engine default.
func (b Base) Timeout() time.Duration { return b.Wait }

func baseFrom(spec config.SourceSpec) Base {
	freshness := spec.Freshness
	if freshness == 0 && spec.Interval > 0 {
		// A reading is stale once two polls have been missed.
		freshness = 2 * spec.Interval
	}
	return Base{
		ID:        spec.ID,
		Interval:  spec.Interval,
		Freshness: freshness,
		Wait:      spec.Timeout,
	}
}

// FromSpec builds the adapter a config entry describes. facts may be nil
// when no knowledge source is configured.
func FromSpec(spec config.SourceSpec, facts FactLister) (insights.Adapter, error) {
	b := baseFrom(spec)
	subject := spec.Subject
	if subject == "" {
		subject = spec.ID
	}

	switch spec.Kind {
	case config.KindHeartbeat:
		return NewHeartbeat(b, spec.Path, subject), nil
	case config.KindProbe:
		return NewProbe(b, spec.URL), nil
	case config.KindCommand:
		return NewCommand(b, spec.Command, subject, spec.Committed), nil
	case config.KindOutcomes:
		return NewOutcomeLog(b, spec.Path, subject, spec.Committed), nil
	case config.KindMilestones:
		return NewMilestones(b, spec.Path), nil
	case config.KindGit:
		return NewGitRepo(b, spec.Path, spec.Subject), nil
	case config.KindKnowledge:
		if facts == nil {
			return nil, fmt.Errorf("source %s: knowledge adapter needs a fact store", spec.ID)
		}
		return NewKnowledge(b, facts), nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", spec.ID, spec.Kind)
	}
}

func reading(id string, data insights.Payload) insights.SourceReading {
	return insights.SourceReading{
		SourceID:   id,
		CapturedAt: time.Now(),
		Data:       data,
		Available:  true,
	}
}
