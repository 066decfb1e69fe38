package insights_test

import (
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

func staleReading(id string, at time.Time, age time.Duration) insights.SourceReading {
	return insights.SourceReading{
		SourceID:   id,
		CapturedAt: at,
		Freshness:  time.Hour,
		Available:  true,
		Data:       insights.FreshnessPayload{Label: "signals", LastUpdated: at.Add(-age)},
	}
}

func streakReading(id string, at time.Time, losses int) insights.SourceReading {
	outcomes := []insights.Outcome{{At: at.Add(-time.Hour), Positive: true}}
	for i := 0; i < losses; i++ {
		outcomes = append(outcomes, insights.Outcome{At: at.Add(time.Duration(i) * time.Minute)})
	}
	return insights.SourceReading{
		SourceID:   id,
		CapturedAt: at,
		Available:  true,
		Data:       insights.OutcomePayload{Subject: "bot", Outcomes: outcomes, Committed: true},
	}
}

var _ = Describe("Generator", func() {
	var (
		gen    *insights.Generator
		active []*insights.Insight
	)

	BeforeEach(func() {
		gen = insights.NewGenerator(insights.DefaultConfig(), quietLogger())
		active = nil
	})

	generate := func(r insights.SourceReading, now time.Time) insights.GenerateResult {
		res := gen.Generate(r, active, now)
		active = append(active, res.Created...)
		return res
	}

	It("suppresses a stale condition reported twice inside the duplicate window", func() {
		first := generate(staleReading("augur", epoch, 45*time.Minute), epoch)
		Expect(first.Created).To(HaveLen(1))
		ins := first.Created[0]
		Expect(ins.Type).To(Equal(insights.TypeAnomaly))
		Expect(ins.Condition).To(Equal(insights.CondStale))
		Expect(ins.Category).To(Equal("signals"))
		Expect(ins.State).To(Equal(insights.StateGenerated))

		later := epoch.Add(10 * time.Minute)
		second := generate(staleReading("augur", later, 55*time.Minute), later)
		Expect(second.Created).To(BeEmpty())
		Expect(second.Suppressed).To(Equal(1))
		Expect(second.Conditions).To(HaveKey(insights.CondStale))
		Expect(active).To(HaveLen(1))
	})

	It("lets a repeat through once the duplicate window has passed", func() {
		generate(staleReading("augur", epoch, 45*time.Minute), epoch)
		later := epoch.Add(61 * time.Minute)
		res := generate(staleReading("augur", later, 106*time.Minute), later)
		Expect(res.Created).To(HaveLen(1))
		Expect(res.Superseded).To(HaveLen(1))
		Expect(res.Superseded[0].State).To(Equal(insights.StateSuperseded))
		Expect(res.Superseded[0].SupersededBy).To(Equal(res.Created[0].ID))
	})

	It("treats an escalated condition as materially different", func() {
		generate(staleReading("augur", epoch, 45*time.Minute), epoch)
		later := epoch.Add(5 * time.Minute)
		res := generate(staleReading("augur", later, 3*time.Hour), later)
		Expect(res.Created).To(HaveLen(1))
		Expect(res.Created[0].Condition).To(Equal(insights.CondVeryStale))
		Expect(res.Superseded).To(HaveLen(1))
	})

	It("treats a metric change of at least ten percent as material", func() {
		first := generate(streakReading("bot", epoch, 3), epoch)
		Expect(first.Created).To(HaveLen(1))
		Expect(*first.Created[0].Metric).To(Equal(3.0))
		Expect(first.Created[0].Impact).To(Equal(insights.ImpactCommitted))

		res := generate(streakReading("bot", epoch.Add(time.Minute), 4), epoch.Add(time.Minute))
		Expect(res.Created).To(HaveLen(1))
		Expect(*res.Created[0].Metric).To(Equal(4.0))
	})

	It("never supersedes a delivered insight", func() {
		first := generate(streakReading("bot", epoch, 3), epoch)
		ch := insights.ChannelUrgent
		first.Created[0].State = insights.StateDelivered
		first.Created[0].DeliveredAt = ptr(epoch)
		first.Created[0].DeliveryChannel = &ch

		res := generate(streakReading("bot", epoch.Add(time.Minute), 5), epoch.Add(time.Minute))
		Expect(res.Created).To(HaveLen(1))
		Expect(res.Superseded).To(BeEmpty())
		Expect(first.Created[0].State).To(Equal(insights.StateDelivered))
	})

	It("turns a failed poll into an unreachable alert", func() {
		res := generate(insights.SourceReading{SourceID: "fleet", CapturedAt: epoch, Error: "connection refused"}, epoch)
		Expect(res.Created).To(HaveLen(1))
		Expect(res.Created[0].Type).To(Equal(insights.TypeAlert))
		Expect(res.Created[0].Condition).To(Equal(insights.CondUnreachable))
		Expect(res.Created[0].Body).To(ContainSubstring("connection refused"))
	})

	It("bounds title and body lengths", func() {
		gen.Register("noisy", func(insights.SourceReading, insights.SourceSettings, []insights.Insight) ([]insights.Candidate, error) {
			return []insights.Candidate{{
				Type:  insights.TypeBriefing,
				Title: strings.Repeat("t", 200),
				Body:  strings.Repeat("é", 400),
			}}, nil
		})
		res := generate(insights.SourceReading{SourceID: "noisy", CapturedAt: epoch, Available: true}, epoch)
		Expect(res.Created).To(HaveLen(1))
		Expect(len(res.Created[0].Title)).To(BeNumerically("<=", insights.MaxTitleLen))
		Expect(res.Created[0].Title).To(HaveSuffix("..."))
		Expect(len(res.Created[0].Body)).To(BeNumerically("<=", insights.MaxBodyLen))
		Expect(strings.TrimSuffix(res.Created[0].Body, "...")).To(Equal(strings.Repeat("é", 248)))
	})

	It("isolates handler errors and panics", func() {
		gen.Register("broken", func(insights.SourceReading, insights.SourceSettings, []insights.Insight) ([]insights.Candidate, error) {
			return nil, errors.New("bad payload")
		})
		gen.Register("panicky", func(insights.SourceReading, insights.SourceSettings, []insights.Insight) ([]insights.Candidate, error) {
			panic("boom")
		})
		Expect(generate(insights.SourceReading{SourceID: "broken", CapturedAt: epoch, Available: true}, epoch).Created).To(BeEmpty())
		Expect(generate(insights.SourceReading{SourceID: "panicky", CapturedAt: epoch, Available: true}, epoch).Created).To(BeEmpty())
		Expect(generate(staleReading("augur", epoch, time.Hour), epoch).Created).To(HaveLen(1))
	})

	It("hands handlers copies of the active set", func() {
		generate(streakReading("bot", epoch, 3), epoch)
		gen.Register("meddler", func(_ insights.SourceReading, _ insights.SourceSettings, existing []insights.Insight) ([]insights.Candidate, error) {
			for i := range existing {
				existing[i].Title = "tampered"
			}
			return nil, nil
		})
		generate(insights.SourceReading{SourceID: "meddler", CapturedAt: epoch, Available: true}, epoch)
		Expect(active[0].Title).NotTo(Equal("tampered"))
	})
})

var _ = Describe("Detectors", func() {
	cfg := insights.DefaultSourceSettings()

	It("reports status transitions into alert statuses as anomalies", func() {
		cands, err := insights.DetectStatusChange(insights.SourceReading{
			SourceID: "ft", CapturedAt: epoch, Available: true,
			Data: insights.StatusPayload{Subject: "trader", Status: "Halted", Previous: "running", Committed: true},
		}, cfg, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cands).To(HaveLen(1))
		Expect(cands[0].Type).To(Equal(insights.TypeAnomaly))
		Expect(cands[0].Condition).To(Equal(insights.CondStatusAlert))
		Expect(cands[0].Category).To(Equal("halted"))
		Expect(cands[0].Impact).To(Equal(insights.ImpactCommitted))
	})

	It("ignores an unchanged status", func() {
		cands, err := insights.DetectStatusChange(insights.SourceReading{
			Data: insights.StatusPayload{Status: "ok", Previous: "OK"},
		}, cfg, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cands).To(BeEmpty())
	})

	It("rejects a payload of the wrong kind", func() {
		_, err := insights.DetectStreak(insights.SourceReading{Data: insights.ProbePayload{}}, cfg, nil)
		Expect(err).To(HaveOccurred())
	})

	It("surfaces the nearest pending milestone as an opportunity", func() {
		due := epoch.Add(6 * time.Hour)
		cands, err := insights.DetectMilestones(insights.SourceReading{
			SourceID: "goals", CapturedAt: epoch, Available: true,
			Data: insights.MilestonePayload{Milestones: []insights.Milestone{
				{Name: "done", Current: 10, Target: 10},
				{Name: "far", Current: 1, Target: 10},
				{Name: "launch", Current: 5, Target: 10, Due: &due, Pending: true},
				{Name: "quota", Current: 95, Target: 100},
			}},
		}, cfg, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cands).To(HaveLen(1))
		Expect(cands[0].Type).To(Equal(insights.TypeOpportunity))
		Expect(cands[0].Category).To(Equal("launch"))
		Expect(cands[0].ExpiresIn).To(Equal(6 * time.Hour))
		Expect(cands[0].Impact).To(Equal(insights.ImpactPending))
		Expect(cands[0].Body).To(ContainSubstring("1 other milestones"))
	})

	It("correlates curated facts with other sources' insights only", func() {
		existing := []insights.Insight{
			{ID: "a", SourceID: "fleet", Title: "fleet unreachable", State: insights.StateQueued, Impact: 1},
			{ID: "b", SourceID: "notes", Title: "own", State: insights.StateQueued},
		}
		facts := []insights.Fact{
			{Subject: "notes", Relationship: "is", Object: "noise", Confidence: 0.9},
			{Subject: "fleet", Relationship: "goes down after", Object: "deploys", Confidence: 0.7},
			{Subject: "fleet", Relationship: "learned", Object: "x", Confidence: 0.99, Provenance: insights.ProvenanceLearned},
		}
		cands, err := insights.DetectKnownPatterns(insights.SourceReading{
			SourceID: "notes", CapturedAt: epoch, Available: true,
			Data: insights.KnowledgePayload{Facts: facts},
		}, cfg, existing)
		Expect(err).ToNot(HaveOccurred())
		Expect(cands).To(HaveLen(1))
		Expect(cands[0].Type).To(Equal(insights.TypePattern))
		Expect(cands[0].Confidence).To(Equal(0.7))
		Expect(cands[0].Impact).To(Equal(1.0))
		Expect(cands[0].Body).To(ContainSubstring("fleet unreachable"))
	})
})
