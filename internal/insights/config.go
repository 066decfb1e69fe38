package insights

import (
	"fmt"
	"time"
)

// RateLimitFloor is the minimum per-source window between two critical
// dispatches. Configuration cannot lower it.
const RateLimitFloor = 30 * time.Second

// Config holds every engine tunable. All values are supplied externally;
// DefaultConfig documents the defaults.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Tick            time.Duration `yaml:"tick"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`

	Tiers    TierBoundaries `yaml:"tiers"`
	Focus    FocusConfig    `yaml:"focus"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Feedback FeedbackConfig `yaml:"feedback"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Learning LearningConfig `yaml:"learning"`
	Store    StoreConfig    `yaml:"store"`

	// Per-source handler settings keyed by source id.
	Sources map[string]SourceSettings `yaml:"sources"`
}

// TierBoundaries are the lower bounds of the medium, high and critical tiers.
type TierBoundaries struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// FocusConfig configures the focus-mode detector.
type FocusConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
}

// DeliveryConfig configures the router.
type DeliveryConfig struct {
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	HighMaxDelay    time.Duration `yaml:"high_max_delay"`
	BatchWindow     time.Duration `yaml:"batch_window"`
	Timeout         time.Duration `yaml:"timeout"`
}

// EffectiveRateLimit returns the configured window raised to the floor.
func (d DeliveryConfig) EffectiveRateLimit() time.Duration {
	if d.RateLimitWindow < RateLimitFloor {
		return RateLimitFloor
	}
	return d.RateLimitWindow
}

// FeedbackConfig configures action windows and rate deltas.
type FeedbackConfig struct {
	Window      time.Duration `yaml:"window"`
	DeltaAct    float64       `yaml:"delta_act"`
	DeltaIgnore float64       `yaml:"delta_ignore"`
	AckPhrases  []string      `yaml:"ack_phrases"`
}

// ThrottleConfig configures auto-throttling of low-value sources.
type ThrottleConfig struct {
	MinObservations   int     `yaml:"min_observations"`
	LowValueThreshold float64 `yaml:"low_value_threshold"`
}

// LearningConfig configures the pattern learner.
type LearningConfig struct {
	Window          time.Duration `yaml:"window"`
	MinObservations int           `yaml:"min_observations"`
	MinRate         float64       `yaml:"min_rate"`
}

// StoreConfig configures retries around the durable store.
type StoreConfig struct {
	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMaxTries int           `yaml:"retry_max_tries"`
	DegradeAfter  int           `yaml:"degrade_after"`
	MaxPending    int           `yaml:"max_pending"`
}

// SourceSettings tune the detectors of one source.
type SourceSettings struct {
	StaleAfter     time.Duration `yaml:"stale_after"`
	StreakLength   int           `yaml:"streak_length"`
	MilestoneRatio float64       `yaml:"milestone_ratio"`
	MilestoneLead  time.Duration `yaml:"milestone_lead"`
	AlertStatuses  []string      `yaml:"alert_statuses"`
	Keywords       []string      `yaml:"keywords"`
	ExpiresIn      time.Duration `yaml:"expires_in"`
}

// Minimums below which the learner must never write a fact.
const (
	minLearningObservations = 3
	minLearningRate         = 0.30
)

// DefaultAckPhrases is the acknowledgment vocabulary for explicit feedback.
var DefaultAckPhrases = []string{
	"got it", "on it", "will do", "thanks", "thank you", "noted",
	"acknowledged", "ack", "looking into it", "checking", "done",
	"fixed", "handled",
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Tick:            30 * time.Second,
		PollTimeout:     30 * time.Second,
		DuplicateWindow: time.Hour,
		Tiers: TierBoundaries{
			Medium:   0.30,
			High:     0.60,
			Critical: 0.85,
		},
		Focus: FocusConfig{
			Window:    90 * time.Second,
			Threshold: 3,
		},
		Delivery: DeliveryConfig{
			RateLimitWindow: 5 * time.Minute,
			HighMaxDelay:    2 * time.Minute,
			BatchWindow:     30 * time.Minute,
			Timeout:         10 * time.Second,
		},
		Feedback: FeedbackConfig{
			Window:      10 * time.Minute,
			DeltaAct:    0.10,
			DeltaIgnore: 0.05,
			AckPhrases:  append([]string(nil), DefaultAckPhrases...),
		},
		Throttle: ThrottleConfig{
			MinObservations:   20,
			LowValueThreshold: 0.10,
		},
		Learning: LearningConfig{
			Window:          30 * 24 * time.Hour,
			MinObservations: minLearningObservations,
			MinRate:         minLearningRate,
		},
		Store: StoreConfig{
			RetryInitial:  100 * time.Millisecond,
			RetryMaxTries: 3,
			DegradeAfter:  5,
			MaxPending:    10000,
		},
		Sources: map[string]SourceSettings{},
	}
}

// DefaultSourceSettings are used for any field a source leaves unset.
func DefaultSourceSettings() SourceSettings {
	return SourceSettings{
		StaleAfter:     30 * time.Minute,
		StreakLength:   3,
		MilestoneRatio: 0.9,
		MilestoneLead:  24 * time.Hour,
		AlertStatuses:  []string{"down", "failed", "error", "degraded", "halted", "offline"},
		ExpiresIn:      time.Hour,
	}
}

// Source returns the settings for a source with defaults filled in.
func (c Config) Source(id string) SourceSettings {
	s := c.Sources[id]
	d := DefaultSourceSettings()
	if s.StaleAfter <= 0 {
		s.StaleAfter = d.StaleAfter
	}
	if s.StreakLength <= 0 {
		s.StreakLength = d.StreakLength
	}
	if s.MilestoneRatio <= 0 {
		s.MilestoneRatio = d.MilestoneRatio
	}
	if s.MilestoneLead <= 0 {
		s.MilestoneLead = d.MilestoneLead
	}
	if len(s.AlertStatuses) == 0 {
		s.AlertStatuses = d.AlertStatuses
	}
	if s.ExpiresIn <= 0 {
		s.ExpiresIn = d.ExpiresIn
	}
	return s
}

// Validate fails fast on any invalid value. A rate limit window under the
// floor is not an error; it is raised to the floor when used.
func (c Config) Validate() error {
	t := c.Tiers
	if !(t.Medium > 0 && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return &ConfigError{Field: "tiers", Reason: fmt.Sprintf("boundaries must satisfy 0 < medium < high < critical <= 1, got %.2f/%.2f/%.2f", t.Medium, t.High, t.Critical)}
	}

	positive := []struct {
		field string
		v     time.Duration
	}{
		{"tick", c.Tick},
		{"poll_timeout", c.PollTimeout},
		{"duplicate_window", c.DuplicateWindow},
		{"focus.window", c.Focus.Window},
		{"delivery.high_max_delay", c.Delivery.HighMaxDelay},
		{"delivery.batch_window", c.Delivery.BatchWindow},
		{"delivery.timeout", c.Delivery.Timeout},
		{"feedback.window", c.Feedback.Window},
		{"learning.window", c.Learning.Window},
		{"store.retry_initial", c.Store.RetryInitial},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return &ConfigError{Field: p.field, Reason: "must be positive"}
		}
	}
	if c.Delivery.RateLimitWindow < 0 {
		return &ConfigError{Field: "delivery.rate_limit_window", Reason: "must not be negative"}
	}

	if c.Focus.Threshold < 1 {
		return &ConfigError{Field: "focus.threshold", Reason: "must be at least 1"}
	}

	unit := []struct {
		field string
		v     float64
	}{
		{"feedback.delta_act", c.Feedback.DeltaAct},
		{"feedback.delta_ignore", c.Feedback.DeltaIgnore},
		{"throttle.low_value_threshold", c.Throttle.LowValueThreshold},
		{"learning.min_rate", c.Learning.MinRate},
	}
	for _, u := range unit {
		if u.v < 0 || u.v > 1 {
			return &ConfigError{Field: u.field, Reason: fmt.Sprintf("must be within [0,1], got %v", u.v)}
		}
	}

	if c.Throttle.MinObservations < 1 {
		return &ConfigError{Field: "throttle.min_observations", Reason: "must be at least 1"}
	}
	if c.Learning.MinObservations < minLearningObservations {
		return &ConfigError{Field: "learning.min_observations", Reason: fmt.Sprintf("must be at least %d", minLearningObservations)}
	}
	if c.Learning.MinRate < minLearningRate {
		return &ConfigError{Field: "learning.min_rate", Reason: fmt.Sprintf("must be at least %.2f", minLearningRate)}
	}
	if c.Store.RetryMaxTries < 1 {
		return &ConfigError{Field: "store.retry_max_tries", Reason: "must be at least 1"}
	}
	if c.Store.DegradeAfter < 1 {
		return &ConfigError{Field: "store.degrade_after", Reason: "must be at least 1"}
	}
	if c.Store.MaxPending < 1 {
		return &ConfigError{Field: "store.max_pending", Reason: "must be at least 1"}
	}

	for id, s := range c.Sources {
		if s.MilestoneRatio < 0 || s.MilestoneRatio > 1 {
			return &ConfigError{Field: "sources." + id + ".milestone_ratio", Reason: "must be within [0,1]"}
		}
		if s.StreakLength < 0 {
			return &ConfigError{Field: "sources." + id + ".streak_length", Reason: "must not be negative"}
		}
	}
	return nil
}
