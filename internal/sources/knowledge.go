package sources

import (
	"context"
	"fmt"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// Knowledge surfaces hand-curated facts so the generator can correlate
// them with live insights. Learned facts are excluded by the lister.
type Knowledge struct {
	Base
	facts FactLister
}

// NewKnowledge creates a knowledge adapter.
func NewKnowledge(b Base, facts FactLister) *Knowledge {
	return &Knowledge{Base: b, facts: facts}
}

// Poll loads the current fact set.
func (k *Knowledge) Poll(ctx context.Context) (insights.SourceReading, error) {
	facts, err := k.facts.CuratedFacts(ctx)
	if err != nil {
		return insights.SourceReading{}, fmt.Errorf("load facts: %w", err)
	}
	return reading(k.ID, insights.KnowledgePayload{Facts: facts}), nil
}
