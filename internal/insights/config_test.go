package insights_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

var _ = Describe("Config", func() {
	It("accepts the defaults", func() {
		Expect(insights.DefaultConfig().Validate()).To(Succeed())
	})

	It("treats a sub-floor rate limit as valid and raises it when used", func() {
		cfg := insights.DefaultConfig()
		cfg.Delivery.RateLimitWindow = 5 * time.Second
		Expect(cfg.Validate()).To(Succeed())
		Expect(cfg.Delivery.EffectiveRateLimit()).To(Equal(30 * time.Second))
	})

	DescribeTable("rejects invalid values",
		func(mutate func(*insights.Config), field string) {
			cfg := insights.DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			var ce *insights.ConfigError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Field).To(Equal(field))
		},
		Entry("unordered tiers", func(c *insights.Config) { c.Tiers.High = 0.2 }, "tiers"),
		Entry("critical above one", func(c *insights.Config) { c.Tiers.Critical = 1.2 }, "tiers"),
		Entry("zero tick", func(c *insights.Config) { c.Tick = 0 }, "tick"),
		Entry("negative rate limit", func(c *insights.Config) { c.Delivery.RateLimitWindow = -time.Second }, "delivery.rate_limit_window"),
		Entry("focus threshold", func(c *insights.Config) { c.Focus.Threshold = 0 }, "focus.threshold"),
		Entry("delta out of range", func(c *insights.Config) { c.Feedback.DeltaAct = 1.5 }, "feedback.delta_act"),
		Entry("learning observations below minimum", func(c *insights.Config) { c.Learning.MinObservations = 2 }, "learning.min_observations"),
		Entry("learning rate below minimum", func(c *insights.Config) { c.Learning.MinRate = 0.2 }, "learning.min_rate"),
		Entry("no retries", func(c *insights.Config) { c.Store.RetryMaxTries = 0 }, "store.retry_max_tries"),
		Entry("bad milestone ratio", func(c *insights.Config) {
			c.Sources = map[string]insights.SourceSettings{"goals": {MilestoneRatio: 2}}
		}, "sources.goals.milestone_ratio"),
	)

	It("fills per-source defaults", func() {
		cfg := insights.DefaultConfig()
		cfg.Sources["augur"] = insights.SourceSettings{StaleAfter: time.Hour, Keywords: []string{"signals"}}
		s := cfg.Source("augur")
		Expect(s.StaleAfter).To(Equal(time.Hour))
		Expect(s.StreakLength).To(Equal(3))
		Expect(s.ExpiresIn).To(Equal(time.Hour))
		Expect(s.Keywords).To(ConsistOf("signals"))
		Expect(cfg.Source("unknown").StaleAfter).To(Equal(30 * time.Minute))
	})

	It("parses tier names", func() {
		t, ok := insights.ParseTier(" High ")
		Expect(ok).To(BeTrue())
		Expect(t).To(Equal(insights.TierHigh))
		_, ok = insights.ParseTier("urgent")
		Expect(ok).To(BeFalse())
	})
})
