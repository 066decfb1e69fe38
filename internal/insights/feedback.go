package insights

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

type feedbackWindow struct {
	insight   *Insight
	closesAt  time.Time
	cutShort  bool // closesAt was capped by expires_at
	replySeen bool
}

// Closed is one resolved feedback window.
type Closed struct {
	Insight  *Insight
	Feedback Feedback
	Rate     ActionRateRecord
	// Throttle is set the first time a pair drops below the low-value
	// threshold; the source's poll interval should double.
	Throttle bool
}

// FeedbackTracker watches delivered insights for a response and keeps the
// rolling action rate per (source, type) pair. Only the engine loop calls it.
type FeedbackTracker struct {
	cfg     Config
	ack     *regexp.Regexp
	windows map[string]*feedbackWindow
	rates   map[PairKey]*ActionRateRecord
	newID   func() string
	session string
}

// NewFeedbackTracker returns a tracker with an empty rate table.
func NewFeedbackTracker(cfg Config) *FeedbackTracker {
	return &FeedbackTracker{
		cfg:     cfg,
		ack:     ackPattern(cfg.Feedback.AckPhrases),
		windows: make(map[string]*feedbackWindow),
		rates:   make(map[PairKey]*ActionRateRecord),
		newID:   uuid.NewString,
	}
}

func ackPattern(phrases []string) *regexp.Regexp {
	if len(phrases) == 0 {
		phrases = DefaultAckPhrases
	}
	sorted := append([]string(nil), phrases...)
	// Longest first so "thank you" wins over "thanks" style prefixes.
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, 0, len(sorted))
	for _, p := range sorted {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// SetSession tags subsequent feedback with a session id.
func (t *FeedbackTracker) SetSession(id string) { t.session = id }

// LoadRates replaces the rate table, e.g. from the store at startup.
func (t *FeedbackTracker) LoadRates(records []ActionRateRecord) {
	for _, r := range records {
		rec := r
		t.rates[rec.Key()] = &rec
	}
}

// Rate returns the current record for a pair.
func (t *FeedbackTracker) Rate(key PairKey) (ActionRateRecord, bool) {
	r, ok := t.rates[key]
	if !ok {
		return ActionRateRecord{}, false
	}
	return *r, true
}

// Rates returns a copy of every record.
func (t *FeedbackTracker) Rates() []ActionRateRecord {
	out := make([]ActionRateRecord, 0, len(t.rates))
	for _, r := range t.rates {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// Open starts the action window for a delivered insight. The window runs from
// delivered_at and is capped by expires_at. Opening twice is a no-op.
func (t *FeedbackTracker) Open(ins *Insight) {
	if ins.DeliveredAt == nil || ins.State.Terminal() {
		return
	}
	if _, ok := t.windows[ins.ID]; ok {
		return
	}
	w := &feedbackWindow{insight: ins, closesAt: ins.DeliveredAt.Add(t.cfg.Feedback.Window)}
	if ins.ExpiresAt != nil && ins.ExpiresAt.Before(w.closesAt) {
		w.closesAt = *ins.ExpiresAt
		w.cutShort = true
	}
	t.windows[ins.ID] = w
}

// OpenWindows returns the number of windows awaiting a response.
func (t *FeedbackTracker) OpenWindows() int { return len(t.windows) }

// Reply scans an outgoing reply. Only the first reply after delivery counts
// as explicit feedback for a window.
func (t *FeedbackTracker) Reply(text string, now time.Time) []Closed {
	matched := t.ack.MatchString(text)
	var out []Closed
	for _, id := range t.sortedIDs() {
		w := t.windows[id]
		if w.replySeen || now.Before(*w.insight.DeliveredAt) || !now.Before(w.closesAt) {
			continue
		}
		w.replySeen = true
		if matched {
			out = append(out, t.close(w, true, ActionExplicit, now, now))
		}
	}
	return out
}

// Activity matches tool activity against the per-source keywords and the
// insight's own keywords.
func (t *FeedbackTracker) Activity(a Activity, now time.Time) []Closed {
	text := strings.ToLower(a.Tool + " " + a.Text)
	at := a.At
	if at.IsZero() {
		at = now
	}
	var out []Closed
	for _, id := range t.sortedIDs() {
		w := t.windows[id]
		// Anything at or past closesAt is left for Sweep.
		if at.Before(*w.insight.DeliveredAt) || !at.Before(w.closesAt) {
			continue
		}
		keywords := append(append([]string(nil), t.cfg.Source(w.insight.SourceID).Keywords...), w.insight.Keywords...)
		for _, kw := range keywords {
			if containsWord(text, strings.ToLower(kw)) {
				out = append(out, t.close(w, true, ActionImplicit, at, now))
				break
			}
		}
	}
	return out
}

// Sweep closes every window that has elapsed without a match.
func (t *FeedbackTracker) Sweep(now time.Time) []Closed {
	var out []Closed
	for _, id := range t.sortedIDs() {
		w := t.windows[id]
		if now.Before(w.closesAt) {
			continue
		}
		out = append(out, t.close(w, false, ActionIgnored, time.Time{}, now))
	}
	return out
}

// Forget drops a window without recording feedback.
func (t *FeedbackTracker) Forget(id string) { delete(t.windows, id) }

func (t *FeedbackTracker) close(w *feedbackWindow, acted bool, action ActionType, actedAt, now time.Time) Closed {
	delete(t.windows, w.insight.ID)
	ins := w.insight

	fb := Feedback{
		ID:                t.newID(),
		InsightID:         ins.ID,
		InsightType:       ins.Type,
		SourceID:          ins.SourceID,
		UrgencyAtDelivery: ins.Urgency,
		DeliveredAt:       *ins.DeliveredAt,
		ActedOn:           acted,
		ActionType:        action,
		SessionID:         t.session,
		CreatedAt:         now,
	}
	if ins.DeliveryChannel != nil {
		fb.Channel = *ins.DeliveryChannel
	}
	switch {
	case acted:
		ins.State = StateActedOn
		ms := actedAt.Sub(*ins.DeliveredAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		fb.LatencyMs = &ms
	case w.cutShort:
		ins.State = StateExpired
	default:
		ins.State = StateIgnored
	}

	rec, throttle := t.updateRate(ins.Key(), acted, now)
	return Closed{Insight: ins, Feedback: fb, Rate: rec, Throttle: throttle}
}

func (t *FeedbackTracker) updateRate(key PairKey, acted bool, now time.Time) (ActionRateRecord, bool) {
	rec, ok := t.rates[key]
	if !ok {
		rec = &ActionRateRecord{SourceID: key.SourceID, InsightType: key.Type}
		t.rates[key] = rec
	}
	if acted {
		rec.ActionRate = clamp01(rec.ActionRate + t.cfg.Feedback.DeltaAct)
	} else {
		rec.ActionRate = clamp01(rec.ActionRate - t.cfg.Feedback.DeltaIgnore)
	}
	rec.ObservationCount++
	rec.LastUpdated = now

	throttle := false
	if !rec.RateHalved && rec.ObservationCount >= t.cfg.Throttle.MinObservations &&
		rec.ActionRate < t.cfg.Throttle.LowValueThreshold {
		rec.RateHalved = true
		throttle = true
	}
	return *rec, throttle
}

func (t *FeedbackTracker) sortedIDs() []string {
	ids := make([]string, 0, len(t.windows))
	for id := range t.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// containsWord reports whether word occurs in text on word boundaries.
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
