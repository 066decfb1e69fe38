package insights

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Learner promotes reliably acted-on (source, type) pairs to durable facts.
type Learner struct {
	cfg    LearningConfig
	store  Store
	logger *slog.Logger
	newID  func() string
}

// NewLearner returns a learner writing to store.
func NewLearner(cfg LearningConfig, store Store, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "insights.learner"),
		newID:  uuid.NewString,
	}
}

// Observe is called after an acted-on feedback write for key. It returns the
// fact it wrote, or nil when the pair does not qualify or is already known.
func (l *Learner) Observe(ctx context.Context, key PairKey, rate float64, now time.Time) (*Fact, error) {
	if rate < l.cfg.MinRate || rate < minLearningRate {
		return nil, nil
	}

	history, err := l.store.FeedbackHistory(ctx, key.SourceID, key.Type, now.Add(-l.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("load feedback for %s: %w", key, err)
	}
	acted := 0
	for _, fb := range history {
		if fb.ActedOn {
			acted++
		}
	}
	if acted < l.cfg.MinObservations || acted < minLearningObservations {
		return nil, nil
	}

	existing, err := l.store.FactsBySubject(ctx, key.SourceID)
	if err != nil {
		return nil, fmt.Errorf("load facts for %s: %w", key.SourceID, err)
	}
	for _, f := range existing {
		if f.Learned() && f.InsightType == key.Type {
			return nil, nil
		}
	}

	fact := Fact{
		ID:           l.newID(),
		Subject:      key.SourceID,
		Relationship: fmt.Sprintf("produces %s insights acted on at rate %.2f", key.Type, rate),
		Object:       string(key.Type),
		Confidence:   rate,
		Provenance:   ProvenanceLearned,
		SourceID:     key.SourceID,
		InsightType:  key.Type,
		CreatedAt:    now,
	}
	if err := fact.Validate(); err != nil {
		return nil, err
	}
	if err := l.store.InsertFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("insert learned fact for %s: %w", key, err)
	}
	l.logger.Info("learned pattern", "pair", key.String(), "rate", rate, "acted", acted)
	return &fact, nil
}
