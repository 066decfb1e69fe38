package insights

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Candidate is a handler's proposal for a new insight. The generator turns
// accepted candidates into insights.
type Candidate struct {
	Type       InsightType
	Title      string
	Body       string
	Confidence float64
	Actionable bool
	Impact     float64
	ExpiresIn  time.Duration // zero means no expiry
	Condition  string
	Category   string
	Metric     *float64
	Keywords   []string
}

// Handler turns a reading into candidates. Handlers must be pure: no I/O and
// no dependence on anything but their arguments. existing holds every active
// insight across all sources.
type Handler func(reading SourceReading, cfg SourceSettings, existing []Insight) ([]Candidate, error)

// Detector conditions.
const (
	CondStale         = "stale"
	CondVeryStale     = "very_stale"
	CondStatusAlert   = "status_alert"
	CondStatusChange  = "status_change"
	CondLosingStreak  = "losing_streak"
	CondUnreachable   = "unreachable"
	CondMilestoneNear = "milestone_near"
	CondKnownPattern  = "known_pattern"
)

// Impact levels reported by the default detectors.
const (
	ImpactCommitted = 1.0
	ImpactPending   = 0.5
)

func defaultHandler(kind PayloadKind) Handler {
	switch kind {
	case KindFreshness:
		return DetectStaleness
	case KindStatus:
		return DetectStatusChange
	case KindOutcome:
		return DetectStreak
	case KindProbe:
		return DetectUnreachable
	case KindMilestone:
		return DetectMilestones
	case KindKnowledge:
		return DetectKnownPatterns
	}
	return nil
}

// detectUnavailable covers any failed poll, whatever the payload kind.
func detectUnavailable(r SourceReading, cfg SourceSettings) []Candidate {
	body := fmt.Sprintf("%s could not be read.", r.SourceID)
	if r.Error != "" {
		body = fmt.Sprintf("%s could not be read: %s", r.SourceID, r.Error)
	}
	return []Candidate{{
		Type:       TypeAlert,
		Title:      fmt.Sprintf("%s unavailable", r.SourceID),
		Body:       body,
		Confidence: 0.9,
		Actionable: true,
		ExpiresIn:  cfg.ExpiresIn,
		Condition:  CondUnreachable,
		Keywords:   withKeywords(cfg.Keywords, r.SourceID),
	}}
}

// DetectStaleness flags data that has not changed for longer than StaleAfter.
func DetectStaleness(r SourceReading, cfg SourceSettings, _ []Insight) ([]Candidate, error) {
	p, ok := r.Data.(FreshnessPayload)
	if !ok {
		return nil, fmt.Errorf("expected freshness payload, got %T", r.Data)
	}
	if p.LastUpdated.IsZero() {
		return nil, nil
	}
	age := r.CapturedAt.Sub(p.LastUpdated)
	if age <= cfg.StaleAfter {
		return nil, nil
	}

	label := p.Label
	if label == "" {
		label = r.SourceID
	}
	cond, conf := CondStale, 0.7
	if age > 4*cfg.StaleAfter {
		cond, conf = CondVeryStale, 0.9
	}
	return []Candidate{{
		Type:       TypeAnomaly,
		Title:      fmt.Sprintf("%s is stale", label),
		Body:       fmt.Sprintf("%s has not updated for %s (threshold %s).", label, age.Round(time.Minute), cfg.StaleAfter),
		Confidence: conf,
		Actionable: true,
		ExpiresIn:  cfg.ExpiresIn,
		Condition:  cond,
		Category:   label,
		Keywords:   withKeywords(cfg.Keywords, r.SourceID, label),
	}}, nil
}

// DetectStatusChange reports transitions. Moving into one of the configured
// alert statuses is an anomaly; any other change is a reminder.
func DetectStatusChange(r SourceReading, cfg SourceSettings, _ []Insight) ([]Candidate, error) {
	p, ok := r.Data.(StatusPayload)
	if !ok {
		return nil, fmt.Errorf("expected status payload, got %T", r.Data)
	}
	if p.Previous == "" || strings.EqualFold(p.Status, p.Previous) {
		return nil, nil
	}

	subject := p.Subject
	if subject == "" {
		subject = r.SourceID
	}
	impact := 0.0
	if p.Committed {
		impact = ImpactCommitted
	}
	c := Candidate{
		Type:       TypeReminder,
		Title:      fmt.Sprintf("%s is now %s", subject, p.Status),
		Body:       fmt.Sprintf("%s changed from %s to %s.", subject, p.Previous, p.Status),
		Confidence: 0.8,
		Impact:     impact,
		ExpiresIn:  cfg.ExpiresIn,
		Condition:  CondStatusChange,
		Category:   strings.ToLower(p.Status),
		Keywords:   withKeywords(cfg.Keywords, r.SourceID, subject),
	}
	if containsFold(cfg.AlertStatuses, p.Status) {
		c.Type = TypeAnomaly
		c.Condition = CondStatusAlert
		c.Actionable = true
		c.Confidence = 0.9
	}
	return []Candidate{c}, nil
}

// DetectStreak reports a run of StreakLength negative outcomes at the tail of
// the sequence. The metric is the full length of the run.
func DetectStreak(r SourceReading, cfg SourceSettings, _ []Insight) ([]Candidate, error) {
	p, ok := r.Data.(OutcomePayload)
	if !ok {
		return nil, fmt.Errorf("expected outcome payload, got %T", r.Data)
	}
	streak := 0
	for i := len(p.Outcomes) - 1; i >= 0 && !p.Outcomes[i].Positive; i-- {
		streak++
	}
	if streak < cfg.StreakLength {
		return nil, nil
	}

	subject := p.Subject
	if subject == "" {
		subject = r.SourceID
	}
	impact := 0.0
	if p.Committed {
		impact = ImpactCommitted
	}
	metric := float64(streak)
	return []Candidate{{
		Type:       TypeAnomaly,
		Title:      fmt.Sprintf("%s: %d negative outcomes in a row", subject, streak),
		Body:       fmt.Sprintf("The last %d outcomes for %s were all negative.", streak, subject),
		Confidence: 0.85,
		Actionable: true,
		Impact:     impact,
		ExpiresIn:  cfg.ExpiresIn,
		Condition:  CondLosingStreak,
		Category:   subject,
		Metric:     &metric,
		Keywords:   withKeywords(cfg.Keywords, r.SourceID, subject),
	}}, nil
}

// DetectUnreachable reports a probe target that did not answer.
func DetectUnreachable(r SourceReading, cfg SourceSettings, _ []Insight) ([]Candidate, error) {
	p, ok := r.Data.(ProbePayload)
	if !ok {
		return nil, fmt.Errorf("expected probe payload, got %T", r.Data)
	}
	if p.Reachable {
		return nil, nil
	}
	target := p.Target
	if target == "" {
		target = r.SourceID
	}
	body := fmt.Sprintf("%s did not respond.", target)
	if p.Detail != "" {
		body = fmt.Sprintf("%s did not respond: %s", target, p.Detail)
	}
	return []Candidate{{
		Type:       TypeAlert,
		Title:      fmt.Sprintf("%s unreachable", target),
		Body:       body,
		Confidence: 0.9,
		Actionable: true,
		ExpiresIn:  cfg.ExpiresIn,
		Condition:  CondUnreachable,
		Keywords:   withKeywords(cfg.Keywords, r.SourceID, target),
	}}, nil
}

// DetectMilestones reports the most pressing milestone that is close to its
// target or due within MilestoneLead. Pending milestones surface as
// opportunities, committed ones as reminders.
func DetectMilestones(r SourceReading, cfg SourceSettings, _ []Insight) ([]Candidate, error) {
	p, ok := r.Data.(MilestonePayload)
	if !ok {
		return nil, fmt.Errorf("expected milestone payload, got %T", r.Data)
	}

	var near []Milestone
	for _, m := range p.Milestones {
		if m.Target > 0 && m.Current >= m.Target {
			continue
		}
		dueSoon := m.Due != nil && m.Due.Sub(r.CapturedAt) <= cfg.MilestoneLead
		if m.Progress() >= cfg.MilestoneRatio || dueSoon {
			near = append(near, m)
		}
	}
	if len(near) == 0 {
		return nil, nil
	}
	sort.SliceStable(near, func(i, j int) bool {
		di, dj := near[i].Due, near[j].Due
		switch {
		case di != nil && dj != nil:
			return di.Before(*dj)
		case di != nil:
			return true
		case dj != nil:
			return false
		}
		return near[i].Progress() > near[j].Progress()
	})

	m := near[0]
	progress := m.Progress()
	c := Candidate{
		Type:       TypeReminder,
		Title:      fmt.Sprintf("%s at %.0f%%", m.Name, progress*100),
		Body:       fmt.Sprintf("%s is at %.0f%% of its target.", m.Name, progress*100),
		Confidence: 0.8,
		Actionable: true,
		ExpiresIn:  cfg.ExpiresIn,
		Condition:  CondMilestoneNear,
		Category:   m.Name,
		Metric:     &progress,
		Keywords:   withKeywords(cfg.Keywords, r.SourceID, m.Name),
	}
	if m.Due != nil {
		left := m.Due.Sub(r.CapturedAt)
		c.Body = fmt.Sprintf("%s is at %.0f%% and due in %s.", m.Name, progress*100, left.Round(time.Minute))
		if left > 0 {
			c.ExpiresIn = left
		}
	}
	if m.Pending {
		c.Type = TypeOpportunity
		c.Impact = ImpactPending
	} else {
		c.Impact = ImpactCommitted
	}
	if len(near) > 1 {
		c.Body += fmt.Sprintf(" %d other milestones are close.", len(near)-1)
	}
	return []Candidate{c}, nil
}

// DetectKnownPatterns correlates hand-curated facts with active insights. A
// fact matches when its subject names the source or a keyword of an active
// insight. Learned facts never match.
func DetectKnownPatterns(r SourceReading, cfg SourceSettings, existing []Insight) ([]Candidate, error) {
	p, ok := r.Data.(KnowledgePayload)
	if !ok {
		return nil, fmt.Errorf("expected knowledge payload, got %T", r.Data)
	}

	var (
		best    *Fact
		related *Insight
		matches int
	)
	for i := range p.Facts {
		f := &p.Facts[i]
		if f.Learned() || f.Subject == "" {
			continue
		}
		for j := range existing {
			ins := &existing[j]
			if ins.SourceID == r.SourceID || ins.State.Terminal() {
				continue
			}
			if !strings.EqualFold(f.Subject, ins.SourceID) && !containsFold(ins.Keywords, f.Subject) {
				continue
			}
			matches++
			if best == nil || f.Confidence > best.Confidence {
				best, related = f, ins
			}
			break
		}
	}
	if best == nil {
		return nil, nil
	}

	c := Candidate{
		Type:       TypePattern,
		Title:      fmt.Sprintf("Known pattern: %s", best.Subject),
		Body:       fmt.Sprintf("%s %s %s. Related: %s", best.Subject, best.Relationship, best.Object, related.Title),
		Confidence: clamp01(best.Confidence),
		Impact:     related.Impact,
		ExpiresIn:  cfg.ExpiresIn,
		Condition:  CondKnownPattern,
		Category:   strings.ToLower(best.Subject),
		Keywords:   withKeywords(cfg.Keywords, best.Subject, related.SourceID),
	}
	if matches > 1 {
		c.Body += fmt.Sprintf(" (%d facts matched)", matches)
	}
	return []Candidate{c}, nil
}

func withKeywords(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, k := range append(append([]string(nil), base...), extra...) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
