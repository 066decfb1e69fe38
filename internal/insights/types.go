// Package insights provides the predictive insight pipeline: polling,
// generation, scoring, delivery, feedback and pattern learning.
package insights

import (
	"strings"
	"time"
)

// InsightType categorizes insights
type InsightType string

const (
	TypeAnomaly     InsightType = "anomaly"
	TypeOpportunity InsightType = "opportunity"
	TypeBriefing    InsightType = "briefing"
	TypeReminder    InsightType = "reminder"
	TypeAlert       InsightType = "alert"
	TypePattern     InsightType = "pattern"
)

// Tier is the urgency tier derived from the urgency score.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Rank orders tiers from low (0) to critical (3). Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	case TierCritical:
		return 3
	}
	return -1
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.Rank() < 0 {
		return "", false
	}
	return t, true
}

// State is the lifecycle state of an insight.
type State string

const (
	StateGenerated  State = "generated"
	StateScored     State = "scored"
	StateQueued     State = "queued"
	StateDelivered  State = "delivered"
	StateActedOn    State = "acted_on"
	StateIgnored    State = "ignored"
	StateExpired    State = "expired"
	StateSuperseded State = "superseded"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateActedOn, StateIgnored, StateExpired, StateSuperseded:
		return true
	}
	return false
}

// ChannelKind identifies one of the four delivery sinks.
type ChannelKind string

const (
	ChannelUrgent    ChannelKind = "urgent"     // synchronous, interrupts
	ChannelInSession ChannelKind = "in_session" // primary session stream
	ChannelRelay     ChannelKind = "relay"      // delegated sub-context
	ChannelDigest    ChannelKind = "digest"     // batched summary
)

// ActionType classifies how a delivered insight was (or was not) acted on.
type ActionType string

const (
	ActionExplicit ActionType = "explicit"
	ActionImplicit ActionType = "implicit"
	ActionIgnored  ActionType = "ignored"
)

const (
	MaxTitleLen = 80
	MaxBodyLen  = 500
)

// Insight is a scored, typed unit of information synthesized from readings.
type Insight struct {
	ID              string       `json:"id"`
	Type            InsightType  `json:"type"`
	SourceID        string       `json:"source_id"`
	Title           string       `json:"title"`
	Body            string       `json:"body"`
	Urgency         Tier         `json:"urgency"`
	UrgencyScore    float64      `json:"urgency_score"`
	Confidence      float64      `json:"confidence"`
	Actionable      bool         `json:"actionable"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	GeneratedAt     time.Time    `json:"generated_at"`
	State           State        `json:"state"`
	DeliveryChannel *ChannelKind `json:"delivery_channel,omitempty"`
	DeliveredAt     *time.Time   `json:"delivered_at,omitempty"`

	// Detection fingerprint, used for dedup and cross-source confirmation.
	Condition string   `json:"condition"`
	Category  string   `json:"category,omitempty"`
	Metric    *float64 `json:"metric,omitempty"`

	Impact       float64  `json:"impact"`
	Keywords     []string `json:"keywords,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	SupersededBy string   `json:"superseded_by,omitempty"`
}

// Key returns the dedup key of the insight.
func (i *Insight) Key() PairKey {
	return PairKey{SourceID: i.SourceID, Type: i.Type}
}

// Delivered reports whether the insight has left the queue. Delivered
// records are frozen except for their final state.
func (i *Insight) Delivered() bool {
	return i.DeliveredAt != nil
}

// Clone returns a deep copy safe to hand to readers outside the engine loop.
func (i *Insight) Clone() Insight {
	c := *i
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		c.ExpiresAt = &t
	}
	if i.DeliveredAt != nil {
		t := *i.DeliveredAt
		c.DeliveredAt = &t
	}
	if i.DeliveryChannel != nil {
		ch := *i.DeliveryChannel
		c.DeliveryChannel = &ch
	}
	if i.Metric != nil {
		m := *i.Metric
		c.Metric = &m
	}
	if i.Keywords != nil {
		c.Keywords = append([]string(nil), i.Keywords...)
	}
	return c
}

// PairKey identifies a (source, insight type) pair.
type PairKey struct {
	SourceID string
	Type     InsightType
}

// String renders the composite id used by the store, e.g. "augur::anomaly".
func (k PairKey) String() string {
	return k.SourceID + "::" + string(k.Type)
}

// Feedback records how the user responded to one delivered insight.
type Feedback struct {
	ID                string      `json:"id"`
	InsightID         string      `json:"insight_id"`
	InsightType       InsightType `json:"insight_type"`
	SourceID          string      `json:"source_id"`
	UrgencyAtDelivery Tier        `json:"urgency_at_delivery"`
	DeliveredAt       time.Time   `json:"delivered_at"`
	Channel           ChannelKind `json:"channel"`
	ActedOn           bool        `json:"acted_on"`
	ActionType        ActionType  `json:"action_type"`
	LatencyMs         *int64      `json:"latency_ms,omitempty"`
	SessionID         string      `json:"session_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// ActionRateRecord is the rolling action rate of a (source, type) pair.
type ActionRateRecord struct {
	SourceID         string      `json:"source_id"`
	InsightType      InsightType `json:"insight_type"`
	ActionRate       float64     `json:"action_rate"`
	ObservationCount int         `json:"observation_count"`
	RateHalved       bool        `json:"rate_halved"`
	LastUpdated      time.Time   `json:"last_updated"`
}

// Key returns the pair key of the record.
func (r ActionRateRecord) Key() PairKey {
	return PairKey{SourceID: r.SourceID, Type: r.InsightType}
}

// ProvenanceLearned tags facts written by the pattern learner.
const ProvenanceLearned = "predict-engine:learned"

// Fact is a durable knowledge statement.
type Fact struct {
	ID           string      `json:"id"`
	Subject      string      `json:"subject"`
	Relationship string      `json:"relationship"`
	Object       string      `json:"object"`
	Confidence   float64     `json:"confidence"`
	Provenance   string      `json:"provenance"`
	SourceID     string      `json:"source_id,omitempty"`
	InsightType  InsightType `json:"insight_type,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Learned reports whether the fact was machine-derived.
func (f Fact) Learned() bool {
	return f.Provenance == ProvenanceLearned
}

// Activity is one tool or work invocation observed by the host.
type Activity struct {
	Tool string    `json:"tool"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Message is what a delivery channel receives.
type Message struct {
	Kind     ChannelKind `json:"kind"`
	Title    string      `json:"title"`
	Body     string      `json:"body"`
	Urgency  Tier        `json:"urgency"`
	Insights []Insight   `json:"insights"`
	SentAt   time.Time   `json:"sent_at"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncate clamps s to max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
