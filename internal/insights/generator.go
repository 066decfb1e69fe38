package insights

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// materialDelta is the relative metric change that makes a repeated
// condition worth a new insight.
const materialDelta = 0.10

// Generator turns readings into insights and enforces the duplicate window.
type Generator struct {
	cfg      Config
	handlers map[string]Handler
	logger   *slog.Logger
	newID    func() string
}

// GenerateResult is the outcome of one reading.
type GenerateResult struct {
	Created    []*Insight
	Superseded []*Insight
	// Conditions holds every condition the detectors reported, including
	// suppressed duplicates. Used for cross-source confirmation.
	Conditions map[string]bool
	Suppressed int
}

// NewGenerator returns a generator with no source-specific handlers.
func NewGenerator(cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "insights.generator"),
		newID:    uuid.NewString,
	}
}

// Register binds a handler to a source id, replacing the default detector
// for that source's payload kind.
func (g *Generator) Register(sourceID string, h Handler) {
	g.handlers[sourceID] = h
}

// Generate runs the handler for one reading against the active set. Older
// undelivered duplicates in active are marked superseded in place.
func (g *Generator) Generate(reading SourceReading, active []*Insight, now time.Time) GenerateResult {
	res := GenerateResult{Conditions: make(map[string]bool)}
	cfg := g.cfg.Source(reading.SourceID)

	var cands []Candidate
	if !reading.Available {
		cands = detectUnavailable(reading, cfg)
	} else {
		h := g.handlers[reading.SourceID]
		if h == nil && reading.Data != nil {
			h = defaultHandler(reading.Data.Kind())
		}
		if h == nil {
			return res
		}
		snapshot := make([]Insight, 0, len(active))
		for _, ins := range active {
			snapshot = append(snapshot, ins.Clone())
		}
		var err error
		cands, err = runHandler(h, reading, cfg, snapshot)
		if err != nil {
			g.logger.Warn("handler failed", "source", reading.SourceID, "error", err)
			return res
		}
	}

	pool := append([]*Insight(nil), active...)
	for _, c := range cands {
		if c.Condition != "" {
			res.Conditions[c.Condition] = true
		}
		key := PairKey{SourceID: reading.SourceID, Type: c.Type}
		prev := latestActive(pool, key)
		if prev != nil && now.Sub(prev.GeneratedAt) < g.cfg.DuplicateWindow && !materiallyDifferent(prev, c) {
			res.Suppressed++
			continue
		}

		ins := g.build(reading.SourceID, c, now)
		for _, old := range pool {
			if old.Key() != key || old.State.Terminal() || old.Delivered() {
				continue
			}
			old.State = StateSuperseded
			old.SupersededBy = ins.ID
			res.Superseded = append(res.Superseded, old)
		}
		pool = append(pool, ins)
		res.Created = append(res.Created, ins)
	}
	return res
}

func (g *Generator) build(sourceID string, c Candidate, now time.Time) *Insight {
	ins := &Insight{
		ID:          g.newID(),
		Type:        c.Type,
		SourceID:    sourceID,
		Title:       truncate(c.Title, MaxTitleLen),
		Body:        truncate(c.Body, MaxBodyLen),
		Urgency:     TierLow,
		Confidence:  clamp01(c.Confidence),
		Actionable:  c.Actionable,
		GeneratedAt: now,
		State:       StateGenerated,
		Condition:   c.Condition,
		Category:    c.Category,
		Impact:      clamp01(c.Impact),
		Keywords:    c.Keywords,
	}
	if c.ExpiresIn > 0 {
		exp := now.Add(c.ExpiresIn)
		ins.ExpiresAt = &exp
	}
	if c.Metric != nil {
		m := *c.Metric
		ins.Metric = &m
	}
	return ins
}

func runHandler(h Handler, r SourceReading, cfg SourceSettings, existing []Insight) (cands []Candidate, err error) {
	defer func() {
		if p := recover(); p != nil {
			cands = nil
			err = &HandlerError{SourceID: r.SourceID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	cands, err = h(r, cfg, existing)
	if err != nil {
		return nil, &HandlerError{SourceID: r.SourceID, Err: err}
	}
	return cands, nil
}

// latestActive returns the most recently generated non-terminal insight with key.
func latestActive(pool []*Insight, key PairKey) *Insight {
	var latest *Insight
	for _, ins := range pool {
		if ins.Key() != key || ins.State.Terminal() {
			continue
		}
		if latest == nil || ins.GeneratedAt.After(latest.GeneratedAt) {
			latest = ins
		}
	}
	return latest
}

func materiallyDifferent(prev *Insight, c Candidate) bool {
	if prev.Condition != c.Condition || prev.Category != c.Category {
		return true
	}
	switch {
	case prev.Metric == nil && c.Metric == nil:
		return false
	case prev.Metric == nil || c.Metric == nil:
		return true
	}
	old, cur := *prev.Metric, *c.Metric
	if old == 0 {
		return cur != 0
	}
	return math.Abs(cur-old)/math.Abs(old) >= materialDelta
}
