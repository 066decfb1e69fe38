package insights_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

var _ = Describe("Learner", func() {
	var (
		ctx     context.Context
		store   *insights.MemoryStore
		learner *insights.Learner
		key     insights.PairKey
	)

	addFeedback := func(n int, acted bool, at time.Time) {
		for i := 0; i < n; i++ {
			Expect(store.AppendFeedback(ctx, insights.Feedback{
				ID:          fmt.Sprintf("fb-%t-%d-%d", acted, at.Unix(), i),
				InsightType: key.Type,
				SourceID:    key.SourceID,
				ActedOn:     acted,
				CreatedAt:   at,
			})).To(Succeed())
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = insights.NewMemoryStore()
		learner = insights.NewLearner(insights.DefaultConfig().Learning, store, quietLogger())
		key = insights.PairKey{SourceID: "fleet", Type: insights.TypeAlert}
	})

	It("writes one learned fact once the pair qualifies", func() {
		addFeedback(3, true, epoch)
		addFeedback(2, false, epoch)

		fact, err := learner.Observe(ctx, key, 0.30, epoch.Add(time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(fact).ToNot(BeNil())
		Expect(fact.Subject).To(Equal("fleet"))
		Expect(fact.Relationship).To(Equal("produces alert insights acted on at rate 0.30"))
		Expect(fact.Confidence).To(Equal(0.30))
		Expect(fact.Provenance).To(Equal(insights.ProvenanceLearned))
		Expect(fact.Learned()).To(BeTrue())
		Expect(store.Facts()).To(HaveLen(1))

		again, err := learner.Observe(ctx, key, 0.50, epoch.Add(2*time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(BeNil())
		Expect(store.Facts()).To(HaveLen(1))
	})

	It("needs a rate of at least 0.30", func() {
		addFeedback(10, true, epoch)
		fact, err := learner.Observe(ctx, key, 0.29, epoch)
		Expect(err).ToNot(HaveOccurred())
		Expect(fact).To(BeNil())
	})

	It("needs three acted-on observations inside the window", func() {
		addFeedback(2, true, epoch)
		addFeedback(5, true, epoch.Add(-40*24*time.Hour))
		fact, err := learner.Observe(ctx, key, 0.9, epoch)
		Expect(err).ToNot(HaveOccurred())
		Expect(fact).To(BeNil())
	})

	It("cannot be configured below the minimums", func() {
		lax := insights.LearningConfig{Window: time.Hour, MinObservations: 1, MinRate: 0.01}
		learner = insights.NewLearner(lax, store, quietLogger())
		addFeedback(1, true, epoch)
		fact, err := learner.Observe(ctx, key, 0.2, epoch)
		Expect(err).ToNot(HaveOccurred())
		Expect(fact).To(BeNil())
	})

	It("ignores curated facts when checking for an existing pattern", func() {
		Expect(store.InsertFact(ctx, insights.Fact{ID: "c", Subject: "fleet", Relationship: "flaps", Object: "often", Confidence: 0.5})).To(Succeed())
		addFeedback(3, true, epoch)
		fact, err := learner.Observe(ctx, key, 0.4, epoch)
		Expect(err).ToNot(HaveOccurred())
		Expect(fact).ToNot(BeNil())
	})

	It("rejects facts with confidence outside [0,1]", func() {
		err := store.InsertFact(ctx, insights.Fact{ID: "x", Subject: "fleet", Confidence: 1.5})
		Expect(errors.Is(err, insights.ErrConfidenceOutOfRange)).To(BeTrue())
		err = insights.Fact{Confidence: -0.1}.Validate()
		Expect(err).To(MatchError(insights.ErrConfidenceOutOfRange))
		Expect(store.Facts()).To(BeEmpty())
	})
})
