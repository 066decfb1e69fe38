package insights

import (
	"sort"
	"strings"
	"time"
)

// DefaultQueryLimit caps query results when Query.Limit is zero.
const DefaultQueryLimit = 10

// Status is the engine health reported with every query.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded" // store in memory-only mode; data still returned
	StatusDisabled Status = "disabled"
	StatusStopped  Status = "stopped"
)

// Query selects active insights. It never triggers a poll.
type Query struct {
	Text         string   `json:"text,omitempty"`
	Sources      []string `json:"sources,omitempty"`
	UrgencyMin   Tier     `json:"urgency_min,omitempty"`
	IncludeQueue bool     `json:"include_queue"`
	Limit        int      `json:"limit,omitempty"`
}

// QueryResult is the answer to a Query.
type QueryResult struct {
	Insights      []Insight  `json:"insights"`
	SourcesPolled int        `json:"sources_polled"`
	SourcesStale  []string   `json:"sources_stale"`
	Sources       []string   `json:"sources"` // ids behind SourcesPolled
	LastPoll      *time.Time `json:"last_poll,omitempty"`
	FocusSince    *time.Time `json:"focus_since,omitempty"`
	Status        Status     `json:"status"`
}

// snapshot is an immutable view published by the engine loop.
type snapshot struct {
	insights   []Insight
	batched    map[string]bool
	readings   map[string]SourceReading
	lastPoll   *time.Time
	focusSince *time.Time // nil unless focused
}

func emptyResult(status Status) QueryResult {
	return QueryResult{
		Insights:     []Insight{},
		SourcesStale: []string{},
		Sources:      []string{},
		Status:       status,
	}
}

func (s *snapshot) query(q Query, now time.Time, status Status) QueryResult {
	res := emptyResult(status)
	if s == nil {
		return res
	}

	for id, r := range s.readings {
		res.Sources = append(res.Sources, id)
		if !r.Fresh(now) {
			res.SourcesStale = append(res.SourcesStale, id)
		}
	}
	res.SourcesPolled = len(res.Sources)
	sort.Strings(res.Sources)
	sort.Strings(res.SourcesStale)
	if s.lastPoll != nil {
		t := *s.lastPoll
		res.LastPoll = &t
	}
	if s.focusSince != nil {
		t := *s.focusSince
		res.FocusSince = &t
	}

	var sources map[string]bool
	if len(q.Sources) > 0 {
		sources = make(map[string]bool, len(q.Sources))
		for _, id := range q.Sources {
			sources[id] = true
		}
	}
	minRank := 0
	if q.UrgencyMin != "" {
		minRank = q.UrgencyMin.Rank()
	}
	terms := strings.Fields(strings.ToLower(q.Text))

	for i := range s.insights {
		ins := &s.insights[i]
		if sources != nil && !sources[ins.SourceID] {
			continue
		}
		if ins.Urgency.Rank() < minRank {
			continue
		}
		if !q.IncludeQueue && s.batched[ins.ID] {
			continue
		}
		if len(terms) > 0 && !relevant(ins, terms) {
			continue
		}
		res.Insights = append(res.Insights, ins.Clone())
	}
	sortByScore(res.Insights)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(res.Insights) > limit {
		res.Insights = res.Insights[:limit]
	}
	return res
}

// relevant reports whether any term appears in the insight's text fields.
func relevant(ins *Insight, terms []string) bool {
	hay := strings.ToLower(strings.Join(append([]string{
		ins.Title, ins.Body, ins.SourceID, ins.Condition, ins.Category, string(ins.Type),
	}, ins.Keywords...), " "))
	for _, t := range terms {
		if containsWord(hay, t) {
			return true
		}
	}
	return false
}

func sortByScore(list []Insight) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UrgencyScore != list[j].UrgencyScore {
			return list[i].UrgencyScore > list[j].UrgencyScore
		}
		return list[i].GeneratedAt.Before(list[j].GeneratedAt)
	})
}
