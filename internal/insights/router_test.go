package insights_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

func scored(id, source string, tier insights.Tier, score float64) *insights.Insight {
	return &insights.Insight{
		ID:           id,
		Type:         insights.TypeAnomaly,
		SourceID:     source,
		Title:        id + " title",
		Urgency:      tier,
		UrgencyScore: score,
		GeneratedAt:  epoch,
		State:        insights.StateScored,
	}
}

var _ = Describe("Router", func() {
	var (
		ctx      context.Context
		channels map[insights.ChannelKind]*recorder
		router   *insights.Router
	)

	newRouter := func(cfg insights.DeliveryConfig) *insights.Router {
		sinks := make(map[insights.ChannelKind]insights.Channel, len(channels))
		for k, r := range channels {
			sinks[k] = r
		}
		return insights.NewRouter(cfg, sinks, quietLogger())
	}

	BeforeEach(func() {
		ctx = context.Background()
		channels = map[insights.ChannelKind]*recorder{
			insights.ChannelUrgent:    {},
			insights.ChannelInSession: {},
			insights.ChannelRelay:     {},
			insights.ChannelDigest:    {},
		}
		router = newRouter(insights.DefaultConfig().Delivery)
	})

	Describe("critical insights", func() {
		It("delivers on the urgent channel and downgrades repeats inside the window", func() {
			router.Enqueue(scored("c1", "fleet", insights.TierCritical, 0.9))
			out := router.Dispatch(ctx, epoch, true, false)
			Expect(out).To(HaveLen(1))
			Expect(out[0].State).To(Equal(insights.StateDelivered))
			Expect(*out[0].DeliveryChannel).To(Equal(insights.ChannelUrgent))
			Expect(channels[insights.ChannelUrgent].Messages()).To(HaveLen(1))

			router.Enqueue(scored("c2", "fleet", insights.TierCritical, 0.95))
			out = router.Dispatch(ctx, epoch.Add(time.Minute), false, false)
			Expect(out).To(HaveLen(1))
			Expect(*out[0].DeliveryChannel).To(Equal(insights.ChannelInSession))
			Expect(channels[insights.ChannelUrgent].Messages()).To(HaveLen(1))

			router.Enqueue(scored("c3", "other", insights.TierCritical, 0.9))
			out = router.Dispatch(ctx, epoch.Add(time.Minute), false, false)
			Expect(*out[0].DeliveryChannel).To(Equal(insights.ChannelUrgent))

			router.Enqueue(scored("c4", "fleet", insights.TierCritical, 0.9))
			out = router.Dispatch(ctx, epoch.Add(5*time.Minute+time.Second), false, false)
			Expect(*out[0].DeliveryChannel).To(Equal(insights.ChannelUrgent))
		})

		It("raises a sub-floor rate limit window to the floor", func() {
			cfg := insights.DefaultConfig().Delivery
			cfg.RateLimitWindow = 10 * time.Second
			router = newRouter(cfg)
			Expect(router.RateLimitWindow()).To(Equal(insights.RateLimitFloor))

			router.Enqueue(scored("c1", "fleet", insights.TierCritical, 0.9))
			router.Dispatch(ctx, epoch, false, false)
			router.Enqueue(scored("c2", "fleet", insights.TierCritical, 0.9))
			out := router.Dispatch(ctx, epoch.Add(20*time.Second), false, false)
			Expect(*out[0].DeliveryChannel).To(Equal(insights.ChannelInSession))

			router.Enqueue(scored("c3", "fleet", insights.TierCritical, 0.9))
			out = router.Dispatch(ctx, epoch.Add(31*time.Second), false, false)
			Expect(*out[0].DeliveryChannel).To(Equal(insights.ChannelUrgent))
		})
	})

	Describe("focus mode", func() {
		It("batches medium insights and delivers them on flush", func() {
			router.Enqueue(scored("m1", "augur", insights.TierMedium, 0.4))
			Expect(router.Dispatch(ctx, epoch, true, false)).To(BeEmpty())
			Expect(router.Batched("m1")).To(BeTrue())
			queued, batched := router.Pending()
			Expect(queued).To(Equal(0))
			Expect(batched).To(Equal(1))
			Expect(channels[insights.ChannelInSession].Messages()).To(BeEmpty())

			items, err := router.Flush(ctx, epoch.Add(time.Minute))
			Expect(err).ToNot(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].State).To(Equal(insights.StateDelivered))
			Expect(*items[0].DeliveryChannel).To(Equal(insights.ChannelDigest))

			msgs := channels[insights.ChannelDigest].Messages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Kind).To(Equal(insights.ChannelDigest))
			Expect(msgs[0].Insights).To(HaveLen(1))
			Expect(router.Batched("m1")).To(BeFalse())
		})

		It("holds high insights for at most the maximum delay", func() {
			router.Enqueue(scored("h1", "augur", insights.TierHigh, 0.7))
			Expect(router.Dispatch(ctx, epoch, true, false)).To(BeEmpty())
			Expect(router.Dispatch(ctx, epoch.Add(time.Minute), true, false)).To(BeEmpty())
			out := router.Dispatch(ctx, epoch.Add(2*time.Minute), true, false)
			Expect(out).To(HaveLen(1))
			Expect(*out[0].DeliveryChannel).To(Equal(insights.ChannelInSession))
		})

		It("relays high insights while delegated", func() {
			router.Enqueue(scored("h1", "augur", insights.TierHigh, 0.7))
			out := router.Dispatch(ctx, epoch, false, true)
			Expect(out).To(HaveLen(1))
			Expect(channels[insights.ChannelRelay].Messages()).To(HaveLen(1))
		})

		It("promotes buffered insights whose tier climbed", func() {
			ins := scored("m1", "augur", insights.TierMedium, 0.4)
			router.Enqueue(ins)
			router.Dispatch(ctx, epoch, true, false)
			Expect(router.Batched("m1")).To(BeTrue())

			ins.Urgency, ins.UrgencyScore = insights.TierHigh, 0.7
			out := router.Dispatch(ctx, epoch.Add(time.Minute), false, false)
			Expect(out).To(HaveLen(1))
			Expect(router.Batched("m1")).To(BeFalse())
		})
	})

	Describe("failures", func() {
		It("keeps an insight queued until its channel accepts it", func() {
			channels[insights.ChannelInSession].fail(errors.New("socket closed"))
			ins := scored("h1", "augur", insights.TierHigh, 0.7)
			router.Enqueue(ins)
			Expect(router.Dispatch(ctx, epoch, false, false)).To(BeEmpty())
			Expect(ins.State).To(Equal(insights.StateQueued))
			Expect(ins.DeliveredAt).To(BeNil())

			channels[insights.ChannelInSession].fail(nil)
			Expect(router.Dispatch(ctx, epoch.Add(time.Minute), false, false)).To(HaveLen(1))
			queued, _ := router.Pending()
			Expect(queued).To(Equal(0))
		})

		It("returns a failed digest to the buffer", func() {
			channels[insights.ChannelDigest].fail(errors.New("smtp down"))
			router.Enqueue(scored("l1", "augur", insights.TierLow, 0.1))
			router.Dispatch(ctx, epoch, false, false)

			_, err := router.Flush(ctx, epoch)
			var de *insights.DeliveryError
			Expect(errors.As(err, &de)).To(BeTrue())
			Expect(de.Channel).To(Equal(insights.ChannelDigest))
			Expect(router.Batched("l1")).To(BeTrue())
		})

		It("reports a missing channel", func() {
			router = insights.NewRouter(insights.DefaultConfig().Delivery, nil, quietLogger())
			router.Enqueue(scored("l1", "augur", insights.TierLow, 0.1))
			router.Dispatch(ctx, epoch, false, false)
			_, err := router.Flush(ctx, epoch)
			Expect(errors.Is(err, insights.ErrChannelMissing)).To(BeTrue())
		})

		It("survives a panicking channel", func() {
			router = insights.NewRouter(insights.DefaultConfig().Delivery, map[insights.ChannelKind]insights.Channel{
				insights.ChannelInSession: insights.ChannelFunc(func(context.Context, insights.Message) error { panic("bad sink") }),
			}, quietLogger())
			router.Enqueue(scored("h1", "augur", insights.TierHigh, 0.7))
			Expect(router.Dispatch(ctx, epoch, false, false)).To(BeEmpty())
			queued, _ := router.Pending()
			Expect(queued).To(Equal(1))
		})
	})

	It("delivers the most urgent insight first", func() {
		router.Enqueue(scored("h1", "a", insights.TierHigh, 0.62))
		router.Enqueue(scored("h2", "b", insights.TierHigh, 0.80))
		router.Enqueue(scored("m1", "c", insights.TierMedium, 0.45))
		out := router.Dispatch(ctx, epoch, false, false)
		Expect(out).To(HaveLen(3))
		msgs := channels[insights.ChannelInSession].Messages()
		Expect([]string{msgs[0].Insights[0].ID, msgs[1].Insights[0].ID, msgs[2].Insights[0].ID}).
			To(Equal([]string{"h2", "h1", "m1"}))
	})

	It("formats a digest with the top tier", func() {
		msg := insights.FormatDigest([]*insights.Insight{
			scored("l1", "a", insights.TierLow, 0.1),
			scored("m1", "b", insights.TierMedium, 0.4),
		}, epoch)
		Expect(msg.Title).To(Equal("2 insights"))
		Expect(msg.Urgency).To(Equal(insights.TierMedium))
		Expect(msg.Body).To(ContainSubstring("[medium] m1 title"))
		Expect(msg.Insights).To(HaveLen(2))
	})
})
