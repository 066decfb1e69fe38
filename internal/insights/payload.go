package insights

import "time"

// Payload is the per-source reading data. The set of implementations is
// closed: each handler receives one concrete, typed payload.
type Payload interface {
	Kind() PayloadKind
	sealed()
}

// PayloadKind names a payload variant.
type PayloadKind string

const (
	KindFreshness PayloadKind = "freshness"
	KindStatus    PayloadKind = "status"
	KindOutcome   PayloadKind = "outcome"
	KindProbe     PayloadKind = "probe"
	KindMilestone PayloadKind = "milestone"
	KindKnowledge PayloadKind = "knowledge"
)

// FreshnessPayload reports when the data behind a source last changed.
type FreshnessPayload struct {
	Label       string
	LastUpdated time.Time
}

// StatusPayload reports a categorical status and the one before it.
type StatusPayload struct {
	Subject   string
	Status    string
	Previous  string
	Committed bool // tied to a live, committed resource
}

// Outcome is one result in a sequence, most recent last.
type Outcome struct {
	At       time.Time
	Positive bool
	Value    float64
	Label    string
}

// OutcomePayload reports a sequence of recent outcomes.
type OutcomePayload struct {
	Subject   string
	Outcomes  []Outcome
	Committed bool
}

// ProbePayload reports reachability of a target.
type ProbePayload struct {
	Target    string
	Reachable bool
	Latency   time.Duration
	Detail    string
}

// Milestone is a tracked goal with optional deadline.
type Milestone struct {
	Name    string
	Current float64
	Target  float64
	Due     *time.Time
	Pending bool // an opportunity that has not been committed to yet
}

// Progress is Current/Target clamped to [0,1]; zero when Target is unset.
func (m Milestone) Progress() float64 {
	if m.Target == 0 {
		return 0
	}
	return clamp01(m.Current / m.Target)
}

// MilestonePayload reports tracked milestones.
type MilestonePayload struct {
	Milestones []Milestone
}

// KnowledgePayload carries hand-curated facts for correlation.
type KnowledgePayload struct {
	Facts []Fact
}

func (FreshnessPayload) Kind() PayloadKind { return KindFreshness }
func (StatusPayload) Kind() PayloadKind    { return KindStatus }
func (OutcomePayload) Kind() PayloadKind   { return KindOutcome }
func (ProbePayload) Kind() PayloadKind     { return KindProbe }
func (MilestonePayload) Kind() PayloadKind { return KindMilestone }
func (KnowledgePayload) Kind() PayloadKind { return KindKnowledge }

func (FreshnessPayload) sealed() {}
func (StatusPayload) sealed()    {}
func (OutcomePayload) sealed()   {}
func (ProbePayload) sealed()     {}
func (MilestonePayload) sealed() {}
func (KnowledgePayload) sealed() {}

// SourceReading is one poll result.
type SourceReading struct {
	SourceID   string        `json:"source_id"`
	CapturedAt time.Time     `json:"captured_at"`
	Freshness  time.Duration `json:"freshness"`
	Data       Payload       `json:"-"`
	Available  bool          `json:"available"`
	Error      string        `json:"error,omitempty"`
}

// Fresh reports whether the reading is available and younger than its
// freshness threshold at now. A zero threshold never goes stale.
func (r SourceReading) Fresh(now time.Time) bool {
	if !r.Available {
		return false
	}
	if r.Freshness <= 0 {
		return true
	}
	return now.Sub(r.CapturedAt) <= r.Freshness
}
