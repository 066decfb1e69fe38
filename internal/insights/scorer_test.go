package insights_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

var _ = Describe("Scorer", func() {
	var scorer *insights.Scorer

	BeforeEach(func() {
		scorer = insights.NewScorer(insights.DefaultConfig().Tiers)
	})

	It("scores an imminent, committed, well-acted-on insight as critical", func() {
		ts := insights.TimeSensitivity(epoch, ptr(epoch.Add(10*time.Minute)))
		Expect(ts).To(Equal(1.0))

		score := scorer.Score(insights.Factors{
			TimeSensitivity: ts,
			Impact:          1.0,
			ActionRate:      0.8,
			Confirmation:    0.3,
		})
		Expect(score).To(BeNumerically("~", 0.89, 1e-9))
		Expect(scorer.Tier(score)).To(Equal(insights.TierCritical))
	})

	It("keeps scores within [0,1] for out-of-range factors", func() {
		Expect(scorer.Score(insights.Factors{TimeSensitivity: 3, Impact: 2, ActionRate: 9, Confirmation: 4})).To(Equal(1.0))
		Expect(scorer.Score(insights.Factors{TimeSensitivity: -1, Impact: -2})).To(Equal(0.0))
	})

	DescribeTable("tier boundaries",
		func(score float64, want insights.Tier) {
			Expect(scorer.Tier(score)).To(Equal(want))
		},
		Entry("zero", 0.0, insights.TierLow),
		Entry("just under medium", 0.2999, insights.TierLow),
		Entry("medium", 0.30, insights.TierMedium),
		Entry("high", 0.60, insights.TierHigh),
		Entry("just under critical", 0.8499, insights.TierHigh),
		Entry("critical", 0.85, insights.TierCritical),
		Entry("max", 1.0, insights.TierCritical),
	)

	DescribeTable("time sensitivity",
		func(left *time.Duration, want float64) {
			var exp *time.Time
			if left != nil {
				exp = ptr(epoch.Add(*left))
			}
			Expect(insights.TimeSensitivity(epoch, exp)).To(BeNumerically("~", want, 1e-9))
		},
		Entry("no expiry", (*time.Duration)(nil), 0.0),
		Entry("already expired", ptr(-time.Minute), 1.0),
		Entry("15 minutes", ptr(15*time.Minute), 1.0),
		Entry("halfway to one hour", ptr(37*time.Minute+30*time.Second), 0.8),
		Entry("one hour", ptr(time.Hour), 0.6),
		Entry("halfway to a day", ptr(12*time.Hour+30*time.Minute), 0.4),
		Entry("one day", ptr(24*time.Hour), 0.2),
		Entry("beyond a day", ptr(25*time.Hour), 0.0),
	)

	Describe("Apply", func() {
		It("scores undelivered insights and is deterministic", func() {
			ins := &insights.Insight{ID: "a", State: insights.StateGenerated, Impact: 1, ExpiresAt: ptr(epoch.Add(time.Hour))}
			Expect(scorer.Apply(ins, epoch, 0.5, 0)).To(BeTrue())
			first := ins.UrgencyScore
			Expect(ins.State).To(Equal(insights.StateScored))
			Expect(first).To(BeNumerically("~", 0.4*0.6+0.3+0.2*0.5, 1e-9))

			Expect(scorer.Apply(ins, epoch, 0.5, 0)).To(BeTrue())
			Expect(ins.UrgencyScore).To(Equal(first))
		})

		It("never rescores a delivered insight", func() {
			ch := insights.ChannelInSession
			ins := &insights.Insight{
				ID: "b", State: insights.StateDelivered, Impact: 1,
				UrgencyScore: 0.42, Urgency: insights.TierMedium,
				DeliveredAt: ptr(epoch), DeliveryChannel: &ch,
			}
			Expect(scorer.Apply(ins, epoch.Add(time.Hour), 1, 1)).To(BeFalse())
			Expect(ins.UrgencyScore).To(Equal(0.42))
			Expect(ins.Urgency).To(Equal(insights.TierMedium))
		})
	})

	DescribeTable("channel selection",
		func(tier insights.Tier, focus, delegated bool, want insights.ChannelKind, batched bool) {
			kind, b := insights.ChannelFor(tier, focus, delegated)
			Expect(kind).To(Equal(want))
			Expect(b).To(Equal(batched))
		},
		Entry("critical ignores focus", insights.TierCritical, true, true, insights.ChannelUrgent, false),
		Entry("high in session", insights.TierHigh, false, false, insights.ChannelInSession, false),
		Entry("high delegated", insights.TierHigh, false, true, insights.ChannelRelay, false),
		Entry("medium unfocused", insights.TierMedium, false, false, insights.ChannelInSession, false),
		Entry("medium focused", insights.TierMedium, true, false, insights.ChannelDigest, true),
		Entry("low always batched", insights.TierLow, false, false, insights.ChannelDigest, true),
	)
})
