package insights_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

var _ = Describe("MemoryStore", func() {
	var (
		ctx   context.Context
		store *insights.MemoryStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = insights.NewMemoryStore()
	})

	It("only changes the state of a delivered insight", func() {
		ins := delivered("i1", "augur", epoch)
		ins.UrgencyScore = 0.8
		Expect(store.UpsertInsight(ctx, *ins)).To(Succeed())

		rewrite := ins.Clone()
		rewrite.Urgency = insights.TierLow
		rewrite.UrgencyScore = 0.1
		rewrite.DeliveredAt = nil
		rewrite.DeliveryChannel = nil
		rewrite.State = insights.StateActedOn
		Expect(store.UpsertInsight(ctx, rewrite)).To(Succeed())

		got, ok := store.Insight("i1")
		Expect(ok).To(BeTrue())
		Expect(got.State).To(Equal(insights.StateActedOn))
		Expect(got.Urgency).To(Equal(insights.TierHigh))
		Expect(got.UrgencyScore).To(Equal(0.8))
		Expect(got.DeliveredAt).To(HaveValue(Equal(epoch)))
		Expect(got.DeliveryChannel).To(HaveValue(Equal(insights.ChannelInSession)))
	})

	It("rescores an undelivered insight", func() {
		ins := insights.Insight{ID: "q", SourceID: "augur", Urgency: insights.TierMedium, State: insights.StateQueued}
		Expect(store.UpsertInsight(ctx, ins)).To(Succeed())
		ins.Urgency = insights.TierHigh
		Expect(store.UpsertInsight(ctx, ins)).To(Succeed())

		got, _ := store.Insight("q")
		Expect(got.Urgency).To(Equal(insights.TierHigh))
	})

	It("never clears rate_halved", func() {
		rec := insights.ActionRateRecord{SourceID: "augur", InsightType: insights.TypeAnomaly, ActionRate: 0.05, ObservationCount: 20, RateHalved: true}
		Expect(store.UpsertActionRate(ctx, rec)).To(Succeed())
		rec.RateHalved = false
		rec.ActionRate = 0.5
		Expect(store.UpsertActionRate(ctx, rec)).To(Succeed())

		rates, err := store.ActionRates(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(rates).To(HaveLen(1))
		Expect(rates[0].RateHalved).To(BeTrue())
		Expect(rates[0].ActionRate).To(Equal(0.5))
	})
})
