package insights_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

func delivered(id, source string, at time.Time) *insights.Insight {
	ch := insights.ChannelInSession
	return &insights.Insight{
		ID:              id,
		Type:            insights.TypeAnomaly,
		SourceID:        source,
		Urgency:         insights.TierHigh,
		GeneratedAt:     at,
		State:           insights.StateDelivered,
		DeliveredAt:     ptr(at),
		DeliveryChannel: &ch,
		Keywords:        []string{source, "signals"},
	}
}

var _ = Describe("FeedbackTracker", func() {
	var (
		cfg     insights.Config
		tracker *insights.FeedbackTracker
		key     insights.PairKey
	)

	BeforeEach(func() {
		cfg = insights.DefaultConfig()
		tracker = insights.NewFeedbackTracker(cfg)
		key = insights.PairKey{SourceID: "augur", Type: insights.TypeAnomaly}
	})

	It("records an unanswered insight as ignored exactly once", func() {
		tracker.LoadRates([]insights.ActionRateRecord{{SourceID: "augur", InsightType: insights.TypeAnomaly, ActionRate: 0.5, ObservationCount: 4}})
		ins := delivered("i1", "augur", epoch)
		tracker.Open(ins)
		tracker.Open(ins)
		Expect(tracker.OpenWindows()).To(Equal(1))

		Expect(tracker.Sweep(epoch.Add(9 * time.Minute))).To(BeEmpty())

		closed := tracker.Sweep(epoch.Add(cfg.Feedback.Window))
		Expect(closed).To(HaveLen(1))
		c := closed[0]
		Expect(c.Feedback.ActedOn).To(BeFalse())
		Expect(c.Feedback.ActionType).To(Equal(insights.ActionIgnored))
		Expect(c.Feedback.LatencyMs).To(BeNil())
		Expect(c.Feedback.Channel).To(Equal(insights.ChannelInSession))
		Expect(c.Insight.State).To(Equal(insights.StateIgnored))
		Expect(c.Rate.ActionRate).To(BeNumerically("~", 0.5-cfg.Feedback.DeltaIgnore, 1e-9))
		Expect(c.Rate.ObservationCount).To(Equal(5))

		Expect(tracker.Sweep(epoch.Add(time.Hour))).To(BeEmpty())
		rec, ok := tracker.Rate(key)
		Expect(ok).To(BeTrue())
		Expect(rec.ObservationCount).To(Equal(5))
	})

	It("starts an unseen pair at zero and clamps at zero", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		closed := tracker.Sweep(epoch.Add(time.Hour))
		Expect(closed[0].Rate.ActionRate).To(Equal(0.0))
		Expect(closed[0].Rate.ObservationCount).To(Equal(1))
	})

	It("clamps the rate at one", func() {
		tracker.LoadRates([]insights.ActionRateRecord{{SourceID: "augur", InsightType: insights.TypeAnomaly, ActionRate: 0.95}})
		tracker.Open(delivered("i1", "augur", epoch))
		closed := tracker.Reply("got it", epoch.Add(time.Minute))
		Expect(closed).To(HaveLen(1))
		Expect(closed[0].Rate.ActionRate).To(Equal(1.0))
	})

	It("counts an acknowledging first reply as explicit action", func() {
		tracker.SetSession("s-1")
		tracker.Open(delivered("i1", "augur", epoch))
		closed := tracker.Reply("Thanks, looking into it now", epoch.Add(90*time.Second))
		Expect(closed).To(HaveLen(1))
		fb := closed[0].Feedback
		Expect(fb.ActedOn).To(BeTrue())
		Expect(fb.ActionType).To(Equal(insights.ActionExplicit))
		Expect(*fb.LatencyMs).To(Equal(int64(90000)))
		Expect(fb.SessionID).To(Equal("s-1"))
		Expect(closed[0].Insight.State).To(Equal(insights.StateActedOn))
		Expect(closed[0].Rate.ActionRate).To(BeNumerically("~", cfg.Feedback.DeltaAct, 1e-9))
		Expect(tracker.OpenWindows()).To(Equal(0))
	})

	It("only considers the first reply after delivery", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		Expect(tracker.Reply("what's the weather", epoch.Add(time.Minute))).To(BeEmpty())
		Expect(tracker.Reply("ok got it", epoch.Add(2*time.Minute))).To(BeEmpty())
		Expect(tracker.OpenWindows()).To(Equal(1))
	})

	It("does not match acknowledgment phrases inside other words", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		Expect(tracker.Reply("the package is in a backpack", epoch.Add(time.Minute))).To(BeEmpty())
	})

	It("treats keyword activity as implicit action", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		Expect(tracker.Activity(insights.Activity{Tool: "grep", Text: "augurs"}, epoch.Add(time.Minute))).To(BeEmpty())

		closed := tracker.Activity(insights.Activity{Tool: "read", Text: "open Augur/config", At: epoch.Add(2 * time.Minute)}, epoch.Add(3*time.Minute))
		Expect(closed).To(HaveLen(1))
		Expect(closed[0].Feedback.ActionType).To(Equal(insights.ActionImplicit))
		Expect(*closed[0].Feedback.LatencyMs).To(Equal(int64(120000)))
	})

	It("leaves activity after the window has elapsed to the sweep", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		late := epoch.Add(cfg.Feedback.Window + 20*time.Second)
		Expect(tracker.Activity(insights.Activity{Text: "check augur", At: late}, late)).To(BeEmpty())
		Expect(tracker.Reply("thanks, on it", late)).To(BeEmpty())
		Expect(tracker.OpenWindows()).To(Equal(1))

		closed := tracker.Sweep(late)
		Expect(closed).To(HaveLen(1))
		Expect(closed[0].Feedback.ActedOn).To(BeFalse())
		Expect(closed[0].Insight.State).To(Equal(insights.StateIgnored))
		Expect(closed[0].Rate.ActionRate).To(Equal(0.0))
	})

	It("treats accented letters as part of the word", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		Expect(tracker.Activity(insights.Activity{Text: "éaugur"}, epoch.Add(time.Minute))).To(BeEmpty())
		Expect(tracker.Activity(insights.Activity{Text: "augurè"}, epoch.Add(time.Minute))).To(BeEmpty())

		closed := tracker.Activity(insights.Activity{Text: "→augur←"}, epoch.Add(time.Minute))
		Expect(closed).To(HaveLen(1))
	})

	It("ignores activity from before delivery", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		Expect(tracker.Activity(insights.Activity{Text: "augur", At: epoch.Add(-time.Minute)}, epoch)).To(BeEmpty())
	})

	It("expires a window that the insight's expiry cut short", func() {
		ins := delivered("i1", "augur", epoch)
		ins.ExpiresAt = ptr(epoch.Add(3 * time.Minute))
		tracker.Open(ins)
		closed := tracker.Sweep(epoch.Add(3 * time.Minute))
		Expect(closed).To(HaveLen(1))
		Expect(closed[0].Insight.State).To(Equal(insights.StateExpired))
		Expect(closed[0].Feedback.ActionType).To(Equal(insights.ActionIgnored))
	})

	It("does not open windows for undelivered insights", func() {
		tracker.Open(&insights.Insight{ID: "q", State: insights.StateQueued})
		Expect(tracker.OpenWindows()).To(Equal(0))
	})

	It("throttles a low-value pair once it has enough observations", func() {
		tracker.LoadRates([]insights.ActionRateRecord{{SourceID: "augur", InsightType: insights.TypeAnomaly, ActionRate: 0.12, ObservationCount: 18}})

		tracker.Open(delivered("i1", "augur", epoch))
		closed := tracker.Sweep(epoch.Add(time.Hour))
		Expect(closed[0].Rate.ActionRate).To(BeNumerically("~", 0.07, 1e-9))
		Expect(closed[0].Throttle).To(BeFalse())

		tracker.Open(delivered("i2", "augur", epoch.Add(time.Hour)))
		closed = tracker.Sweep(epoch.Add(2 * time.Hour))
		Expect(closed[0].Rate.ObservationCount).To(Equal(20))
		Expect(closed[0].Throttle).To(BeTrue())
		Expect(closed[0].Rate.RateHalved).To(BeTrue())

		tracker.Open(delivered("i3", "augur", epoch.Add(2*time.Hour)))
		closed = tracker.Sweep(epoch.Add(3 * time.Hour))
		Expect(closed[0].Throttle).To(BeFalse())
		Expect(closed[0].Rate.RateHalved).To(BeTrue())
	})

	It("forgets a window without recording feedback", func() {
		tracker.Open(delivered("i1", "augur", epoch))
		tracker.Forget("i1")
		Expect(tracker.Sweep(epoch.Add(time.Hour))).To(BeEmpty())
		_, ok := tracker.Rate(key)
		Expect(ok).To(BeFalse())
	})
})
