package insights

import "time"

// Score weights.
const (
	weightTime         = 0.40
	weightImpact       = 0.30
	weightActionRate   = 0.20
	weightConfirmation = 0.10
)

// Factors are the scorer inputs, each within [0,1].
type Factors struct {
	TimeSensitivity float64
	Impact          float64
	ActionRate      float64
	Confirmation    float64
}

// Scorer computes urgency scores and tiers. It holds no state beyond its
// tier boundaries, so identical inputs always give identical outputs.
type Scorer struct {
	tiers TierBoundaries
}

// NewScorer returns a scorer for the given boundaries. Boundaries are
// assumed validated by Config.Validate.
func NewScorer(tiers TierBoundaries) *Scorer {
	return &Scorer{tiers: tiers}
}

// Score combines the factors into an urgency score within [0,1].
func (s *Scorer) Score(f Factors) float64 {
	return clamp01(weightTime*clamp01(f.TimeSensitivity) +
		weightImpact*clamp01(f.Impact) +
		weightActionRate*clamp01(f.ActionRate) +
		weightConfirmation*clamp01(f.Confirmation))
}

// Tier maps a score to its tier.
func (s *Scorer) Tier(score float64) Tier {
	switch {
	case score >= s.tiers.Critical:
		return TierCritical
	case score >= s.tiers.High:
		return TierHigh
	case score >= s.tiers.Medium:
		return TierMedium
	}
	return TierLow
}

// Apply scores an undelivered insight in place. Delivered insights are frozen
// and left unchanged; Apply reports whether it scored.
func (s *Scorer) Apply(ins *Insight, now time.Time, rate, confirmation float64) bool {
	if ins.Delivered() || ins.State.Terminal() {
		return false
	}
	ins.UrgencyScore = s.Score(Factors{
		TimeSensitivity: TimeSensitivity(now, ins.ExpiresAt),
		Impact:          ins.Impact,
		ActionRate:      rate,
		Confirmation:    confirmation,
	})
	ins.Urgency = s.Tier(ins.UrgencyScore)
	if ins.State == StateGenerated {
		ins.State = StateScored
	}
	return true
}

// TimeSensitivity is 1.0 at or past expiry and within 15 minutes of it,
// falls linearly to 0.6 at one hour and to 0.2 at 24 hours, and is zero
// beyond that or without an expiry.
func TimeSensitivity(now time.Time, expiresAt *time.Time) float64 {
	if expiresAt == nil {
		return 0
	}
	left := expiresAt.Sub(now)
	switch {
	case left <= 15*time.Minute:
		return 1.0
	case left <= time.Hour:
		return lerp(1.0, 0.6, float64(left-15*time.Minute)/float64(45*time.Minute))
	case left <= 24*time.Hour:
		return lerp(0.6, 0.2, float64(left-time.Hour)/float64(23*time.Hour))
	}
	return 0
}

func lerp(from, to, frac float64) float64 {
	return from + (to-from)*frac
}

// ChannelFor picks the delivery channel for a tier. batched is true when the
// insight belongs in the digest buffer instead of immediate delivery.
func ChannelFor(tier Tier, focus, delegated bool) (kind ChannelKind, batched bool) {
	switch tier {
	case TierCritical:
		return ChannelUrgent, false
	case TierHigh:
		if delegated {
			return ChannelRelay, false
		}
		return ChannelInSession, false
	case TierMedium:
		if focus {
			return ChannelDigest, true
		}
		return ChannelInSession, false
	}
	return ChannelDigest, true
}
