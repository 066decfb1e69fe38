package insights

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the durable state the engine depends on.
type Store interface {
	UpsertInsight(ctx context.Context, ins Insight) error
	// LoadActive returns every insight not in a terminal state.
	LoadActive(ctx context.Context) ([]Insight, error)
	AppendFeedback(ctx context.Context, fb Feedback) error
	FeedbackHistory(ctx context.Context, sourceID string, typ InsightType, since time.Time) ([]Feedback, error)
	UpsertActionRate(ctx context.Context, rec ActionRateRecord) error
	ActionRates(ctx context.Context) ([]ActionRateRecord, error)
	FactsBySubject(ctx context.Context, subject string) ([]Fact, error)
	InsertFact(ctx context.Context, f Fact) error
}

// Validate checks a fact before it is written.
func (f Fact) Validate() error {
	if f.Confidence < 0 || f.Confidence > 1 {
		return ErrConfidenceOutOfRange
	}
	return nil
}

// MemoryStore is an in-process Store. It backs tests and runs without a
// database path configured.
type MemoryStore struct {
	mu       sync.RWMutex
	insights map[string]Insight
	feedback []Feedback
	rates    map[PairKey]ActionRateRecord
	facts    []Fact
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		insights: make(map[string]Insight),
		rates:    make(map[PairKey]ActionRateRecord),
	}
}

func (m *MemoryStore) UpsertInsight(_ context.Context, ins Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.insights[ins.ID]; ok && prev.DeliveredAt != nil {
		prev.State = ins.State
		m.insights[ins.ID] = prev
		return nil
	}
	m.insights[ins.ID] = ins.Clone()
	return nil
}

func (m *MemoryStore) LoadActive(_ context.Context) ([]Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Insight
	for _, ins := range m.insights {
		if !ins.State.Terminal() {
			out = append(out, ins.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

// Insight returns a stored insight by id.
func (m *MemoryStore) Insight(id string) (Insight, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ins, ok := m.insights[id]
	return ins, ok
}

func (m *MemoryStore) AppendFeedback(_ context.Context, fb Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, fb)
	return nil
}

func (m *MemoryStore) FeedbackHistory(_ context.Context, sourceID string, typ InsightType, since time.Time) ([]Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Feedback
	for _, fb := range m.feedback {
		if fb.SourceID == sourceID && fb.InsightType == typ && !fb.CreatedAt.Before(since) {
			out = append(out, fb)
		}
	}
	return out, nil
}

// Feedback returns every recorded feedback entry.
func (m *MemoryStore) Feedback() []Feedback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Feedback(nil), m.feedback...)
}

func (m *MemoryStore) UpsertActionRate(_ context.Context, rec ActionRateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rates[rec.Key()]; ok && prev.RateHalved {
		rec.RateHalved = true
	}
	m.rates[rec.Key()] = rec
	return nil
}

func (m *MemoryStore) ActionRates(_ context.Context) ([]ActionRateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActionRateRecord, 0, len(m.rates))
	for _, r := range m.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (m *MemoryStore) FactsBySubject(_ context.Context, subject string) ([]Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Fact
	for _, f := range m.facts {
		if f.Subject == subject {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertFact(_ context.Context, f Fact) error {
	if err := f.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = append(m.facts, f)
	return nil
}

// Facts returns every stored fact.
func (m *MemoryStore) Facts() []Fact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Fact(nil), m.facts...)
}
