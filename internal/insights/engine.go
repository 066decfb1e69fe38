package insights

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/heliosarchitect/openclaw-sub001/internal/focus"
)

// Adapter polls one external signal source.
type Adapter interface {
	SourceID() string
	// PollInterval of zero means on-demand: polled at start, on refresh
	// and at every session start.
	PollInterval() time.Duration
	FreshnessThreshold() time.Duration
	Poll(ctx context.Context) (SourceReading, error)
}

// timeoutAdapter is implemented by adapters needing a non-default poll timeout.
type timeoutAdapter interface {
	Timeout() time.Duration
}

// FocusDetector decides whether the user is in focused work.
type FocusDetector interface {
	Record(at time.Time)
	Update(now time.Time) (active, changed bool)
	// Since is when the current focus period began.
	Since() (time.Time, bool)
}

// Options are the engine's collaborators. Zero values get defaults: a real
// clock, slog.Default, an in-memory store and a sliding-window focus tracker.
type Options struct {
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Store    Store
	Channels map[ChannelKind]Channel
	Adapters []Adapter
	Handlers map[string]Handler
	Focus    FocusDetector
}

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Engine is the polling engine and the owner of all insight state. A single
// loop goroutine mutates that state; pollers hand it readings over a channel
// and input ports hand it closures. Queries read a published snapshot.
type Engine struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	store     *ResilientStore
	adapters  map[string]Adapter
	order     []string
	generator *Generator
	scorer    *Scorer
	router    *Router
	tracker   *FeedbackTracker
	learner   *Learner
	focus     FocusDetector

	pollLocks  map[string]*sync.Mutex
	intervalMu sync.Mutex
	intervals  map[string]time.Duration

	// Loop-owned.
	active     map[string]*Insight
	cache      map[string]SourceReading
	conditions map[string]map[string]bool
	learned    map[PairKey]float64
	throttled  map[string]bool
	focused    bool
	delegated  bool
	session    string
	lastPoll   *time.Time
	lastFlush  time.Time

	readings chan SourceReading
	ops      chan func(ctx context.Context)
	snap     atomic.Pointer[snapshot]
	state    atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds an engine. Invalid configuration fails fast with *ConfigError.
func New(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Focus == nil {
		opts.Focus = focus.NewTracker(cfg.Focus.Window, cfg.Focus.Threshold)
	}

	store, ok := opts.Store.(*ResilientStore)
	if !ok {
		store = NewResilientStore(opts.Store, cfg.Store, opts.Logger)
	}

	e := &Engine{
		cfg:        cfg,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "insights.engine"),
		store:      store,
		adapters:   make(map[string]Adapter),
		generator:  NewGenerator(cfg, opts.Logger),
		scorer:     NewScorer(cfg.Tiers),
		router:     NewRouter(cfg.Delivery, opts.Channels, opts.Logger),
		tracker:    NewFeedbackTracker(cfg),
		learner:    NewLearner(cfg.Learning, store, opts.Logger),
		focus:      opts.Focus,
		pollLocks:  make(map[string]*sync.Mutex),
		intervals:  make(map[string]time.Duration),
		active:     make(map[string]*Insight),
		cache:      make(map[string]SourceReading),
		conditions: make(map[string]map[string]bool),
		learned:    make(map[PairKey]float64),
		throttled:  make(map[string]bool),
		readings:   make(chan SourceReading, 16),
		ops:        make(chan func(ctx context.Context), 64),
	}

	for _, a := range opts.Adapters {
		id := a.SourceID()
		if id == "" {
			return nil, &ConfigError{Field: "adapters", Reason: "adapter with empty source id"}
		}
		if _, dup := e.adapters[id]; dup {
			return nil, &ConfigError{Field: "adapters", Reason: fmt.Sprintf("duplicate source id %q", id)}
		}
		e.adapters[id] = a
		e.order = append(e.order, id)
		e.pollLocks[id] = &sync.Mutex{}
		e.intervals[id] = a.PollInterval()
	}
	for id, h := range opts.Handlers {
		e.generator.Register(id, h)
	}
	return e, nil
}

// Start loads persisted state and launches the loop and the pollers. With
// the master switch off it launches nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled {
		e.logger.Info("insight engine disabled")
		return nil
	}
	if e.state.Load() != stateNew {
		return nil
	}

	now := e.clock.Now()
	e.restore(ctx)
	e.lastFlush = now
	e.publish()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state.Store(stateRunning)

	e.wg.Add(1)
	go e.loop(runCtx)

	for _, id := range e.order {
		a := e.adapters[id]
		e.wg.Add(1)
		if a.PollInterval() > 0 {
			go e.runPoller(runCtx, a)
		} else {
			go e.pollOnce(runCtx, a)
		}
	}

	e.logger.Info("insight engine started", "sources", len(e.order), "active", len(e.active))
	return nil
}

// restore reloads action rates, learned facts and non-terminal insights.
// Store failures are logged; the engine starts empty rather than failing.
func (e *Engine) restore(ctx context.Context) {
	rates, err := e.store.ActionRates(ctx)
	if err != nil {
		e.logger.Warn("load action rates failed", "error", &StoreError{Op: "load", Key: "action_rates", Err: err})
	}
	e.tracker.LoadRates(rates)
	for _, r := range rates {
		if r.RateHalved {
			e.throttle(r.SourceID)
		}
	}

	for _, id := range e.order {
		facts, err := e.store.FactsBySubject(ctx, id)
		if err != nil {
			e.logger.Warn("load facts failed", "source", id, "error", err)
			continue
		}
		for _, f := range facts {
			if f.Learned() {
				e.learned[PairKey{SourceID: f.SourceID, Type: f.InsightType}] = f.Confidence
			}
		}
	}

	active, err := e.store.LoadActive(ctx)
	if err != nil {
		e.logger.Warn("load active insights failed", "error", &StoreError{Op: "load", Key: "insights", Err: err})
	}
	for i := range active {
		ins := active[i].Clone()
		e.active[ins.ID] = &ins
		if ins.Delivered() {
			e.tracker.Open(&ins)
		} else {
			e.router.Enqueue(&ins)
		}
	}
}

// Stop cancels every timer and waits for the pollers and the loop. Readings
// still in flight are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Load() != stateRunning {
		return
	}
	e.state.Store(stateStopped)
	e.cancel()
	close(e.done)
	e.wg.Wait()
	e.logger.Info("insight engine stopped")
}

func (e *Engine) runPoller(ctx context.Context, a Adapter) {
	defer e.wg.Done()
	id := a.SourceID()
	for {
		e.poll(ctx, a)
		timer := e.clock.NewTimer(e.interval(id))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, a Adapter) {
	defer e.wg.Done()
	e.poll(ctx, a)
}

// poll runs one cycle for a source and hands the reading to the loop.
func (e *Engine) poll(ctx context.Context, a Adapter) {
	id := a.SourceID()
	lock := e.pollLocks[id]
	lock.Lock()
	defer lock.Unlock()

	if ctx.Err() != nil {
		return
	}
	reading := e.pollAdapter(ctx, a)
	if ctx.Err() != nil {
		return
	}
	select {
	case e.readings <- reading:
	case <-ctx.Done():
	}
}

func (e *Engine) pollAdapter(ctx context.Context, a Adapter) SourceReading {
	id := a.SourceID()
	timeout := e.cfg.PollTimeout
	if t, ok := a.(timeoutAdapter); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		reading SourceReading
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		r, err := a.Poll(pctx)
		ch <- result{reading: r, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-pctx.Done():
		res.err = pctx.Err()
	}

	now := e.clock.Now()
	if res.err != nil {
		err := &AdapterError{SourceID: id, Err: res.err}
		e.logger.Warn("poll failed", "source", id, "error", err)
		return SourceReading{
			SourceID:   id,
			CapturedAt: now,
			Freshness:  a.FreshnessThreshold(),
			Available:  false,
			Error:      res.err.Error(),
		}
	}

	r := res.reading
	r.SourceID = id
	if r.CapturedAt.IsZero() {
		r.CapturedAt = now
	}
	if r.Freshness <= 0 {
		r.Freshness = a.FreshnessThreshold()
	}
	return r
}

func (e *Engine) interval(id string) time.Duration {
	e.intervalMu.Lock()
	defer e.intervalMu.Unlock()
	return e.intervals[id]
}

// PollIntervalFor returns the current, possibly throttled, interval of a source.
func (e *Engine) PollIntervalFor(id string) time.Duration {
	return e.interval(id)
}

// throttle doubles a source's poll interval, once per process.
func (e *Engine) throttle(id string) {
	if e.throttled[id] {
		return
	}
	e.throttled[id] = true
	e.intervalMu.Lock()
	e.intervals[id] *= 2
	next := e.intervals[id]
	e.intervalMu.Unlock()
	e.logger.Info("source throttled, poll interval doubled", "source", id, "interval", next)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-e.readings:
			if ctx.Err() != nil {
				return
			}
			e.safely("reading", func() { e.handleReading(ctx, r) })
		case op := <-e.ops:
			e.safely("input", func() { op(ctx) })
		case <-ticker.Chan():
			e.safely("housekeeping", func() { e.housekeep(ctx) })
		}
		e.publish()
	}
}

// safely keeps one bad cycle from taking the loop down.
func (e *Engine) safely(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("recovered panic in engine loop", "stage", what, "panic", p)
		}
	}()
	fn()
}

func (e *Engine) handleReading(ctx context.Context, r SourceReading) {
	now := e.clock.Now()
	e.cache[r.SourceID] = r
	if e.lastPoll == nil || r.CapturedAt.After(*e.lastPoll) {
		t := r.CapturedAt
		e.lastPoll = &t
	}

	res := e.generator.Generate(r, e.activeList(), now)
	e.conditions[r.SourceID] = res.Conditions

	for _, old := range res.Superseded {
		e.router.Remove(old.ID)
		delete(e.active, old.ID)
		e.persist(ctx, old)
	}
	for _, ins := range res.Created {
		ins.SessionID = e.session
		e.active[ins.ID] = ins
		e.score(ins, now)
		e.router.Enqueue(ins)
		e.persist(ctx, ins)
		e.logger.Debug("insight generated", "insight", ins.ID, "source", ins.SourceID,
			"type", ins.Type, "condition", ins.Condition, "score", ins.UrgencyScore)
	}
	if len(res.Created) > 0 {
		e.dispatch(ctx, now)
	}
}

func (e *Engine) housekeep(ctx context.Context) {
	now := e.clock.Now()

	active, changed := e.focus.Update(now)
	e.focused = active
	if changed && !active {
		e.flush(ctx, now, "focus ended")
	}

	for _, ins := range e.activeList() {
		if ins.Delivered() || ins.ExpiresAt == nil || now.Before(*ins.ExpiresAt) {
			continue
		}
		ins.State = StateExpired
		e.router.Remove(ins.ID)
		delete(e.active, ins.ID)
		e.persist(ctx, ins)
	}

	for _, ins := range e.activeList() {
		e.score(ins, now)
	}
	e.dispatch(ctx, now)

	for _, c := range e.tracker.Sweep(now) {
		e.recordFeedback(ctx, c, now)
	}

	if now.Sub(e.lastFlush) >= e.cfg.Delivery.BatchWindow {
		e.flush(ctx, now, "batch window")
	}

	if e.store.PendingWrites() > 0 {
		if n, err := e.store.Replay(ctx); err != nil {
			e.logger.Warn("store replay incomplete", "replayed", n, "error", err)
		}
	}
}

// score rescores an undelivered insight; delivered ones are frozen.
func (e *Engine) score(ins *Insight, now time.Time) {
	e.scorer.Apply(ins, now, e.rateFor(ins.Key()), e.confirmation(ins, now))
}

// rateFor returns the in-memory rate, else a learned fact's confidence, else 0.
func (e *Engine) rateFor(key PairKey) float64 {
	if rec, ok := e.tracker.Rate(key); ok {
		return rec.ActionRate
	}
	if c, ok := e.learned[key]; ok {
		return c
	}
	return 0
}

// confirmation is the fraction of other fresh sources whose detectors report
// the same condition.
func (e *Engine) confirmation(ins *Insight, now time.Time) float64 {
	if ins.Condition == "" {
		return 0
	}
	others, same := 0, 0
	for id, r := range e.cache {
		if id == ins.SourceID || !r.Fresh(now) {
			continue
		}
		others++
		if e.conditions[id][ins.Condition] {
			same++
		}
	}
	if others == 0 {
		return 0
	}
	return float64(same) / float64(others)
}

func (e *Engine) dispatch(ctx context.Context, now time.Time) {
	for _, ins := range e.router.Dispatch(ctx, now, e.focused, e.delegated) {
		e.delivered(ctx, ins)
	}
}

func (e *Engine) flush(ctx context.Context, now time.Time, reason string) {
	e.lastFlush = now
	items, err := e.router.Flush(ctx, now)
	if err != nil {
		return
	}
	if len(items) > 0 {
		e.logger.Info("batch flushed", "reason", reason, "insights", len(items))
	}
	for _, ins := range items {
		e.delivered(ctx, ins)
	}
}

func (e *Engine) delivered(ctx context.Context, ins *Insight) {
	e.tracker.Open(ins)
	e.persist(ctx, ins)
	e.logger.Info("insight delivered", "insight", ins.ID, "source", ins.SourceID,
		"urgency", ins.Urgency, "channel", *ins.DeliveryChannel)
}

func (e *Engine) recordFeedback(ctx context.Context, c Closed, now time.Time) {
	delete(e.active, c.Insight.ID)
	e.persist(ctx, c.Insight)
	if err := e.store.AppendFeedback(ctx, c.Feedback); err != nil {
		e.logger.Warn("append feedback failed", "insight", c.Insight.ID, "error", err)
	}
	if err := e.store.UpsertActionRate(ctx, c.Rate); err != nil {
		e.logger.Warn("upsert action rate failed", "pair", c.Rate.Key().String(), "error", err)
	}
	e.logger.Info("feedback recorded", "insight", c.Insight.ID, "action", c.Feedback.ActionType,
		"state", c.Insight.State, "rate", c.Rate.ActionRate)

	if c.Throttle {
		e.throttle(c.Insight.SourceID)
	}
	if !c.Feedback.ActedOn {
		return
	}
	fact, err := e.learner.Observe(ctx, c.Rate.Key(), c.Rate.ActionRate, now)
	if err != nil {
		e.logger.Warn("pattern learning failed", "pair", c.Rate.Key().String(), "error", err)
		return
	}
	if fact != nil {
		e.learned[c.Rate.Key()] = fact.Confidence
	}
}

func (e *Engine) persist(ctx context.Context, ins *Insight) {
	if err := e.store.UpsertInsight(ctx, ins.Clone()); err != nil {
		e.logger.Warn("persist insight failed", "insight", ins.ID, "error", err)
	}
}

// activeList returns non-terminal insights in generation order.
func (e *Engine) activeList() []*Insight {
	out := make([]*Insight, 0, len(e.active))
	for _, ins := range e.active {
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.Before(out[j].GeneratedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) publish() {
	s := &snapshot{
		insights: make([]Insight, 0, len(e.active)),
		batched:  make(map[string]bool),
		readings: make(map[string]SourceReading, len(e.cache)),
	}
	for _, ins := range e.activeList() {
		s.insights = append(s.insights, ins.Clone())
		if e.router.Batched(ins.ID) {
			s.batched[ins.ID] = true
		}
	}
	for id, r := range e.cache {
		s.readings[id] = r
	}
	if e.lastPoll != nil {
		t := *e.lastPoll
		s.lastPoll = &t
	}
	if since, ok := e.focus.Since(); ok {
		s.focusSince = &since
	}
	e.snap.Store(s)
}

// Status reports engine health.
func (e *Engine) Status() Status {
	if !e.cfg.Enabled {
		return StatusDisabled
	}
	if e.state.Load() != stateRunning {
		return StatusStopped
	}
	if e.store.Degraded() {
		return StatusDegraded
	}
	return StatusOK
}

// QueryInsights answers a structured query from the latest snapshot.
func (e *Engine) QueryInsights(q Query) (res QueryResult) {
	status := e.Status()
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("recovered panic in query", "panic", p)
			res = emptyResult(status)
		}
	}()
	if status == StatusDisabled || status == StatusStopped {
		return emptyResult(status)
	}
	return e.snap.Load().query(q, e.clock.Now(), status)
}

// GetRelevantInsights returns active insights matching any keyword, most
// urgent first. It does no I/O and returns an empty slice when disabled.
func (e *Engine) GetRelevantInsights(keywords []string) (out []Insight) {
	out = []Insight{}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("recovered panic in relevance lookup", "panic", p)
			out = []Insight{}
		}
	}()
	if e.Status() == StatusDisabled || e.Status() == StatusStopped {
		return out
	}
	s := e.snap.Load()
	if s == nil {
		return out
	}
	var terms []string
	for _, k := range keywords {
		terms = append(terms, strings.Fields(strings.ToLower(k))...)
	}
	for i := range s.insights {
		ins := &s.insights[i]
		if len(terms) == 0 || relevant(ins, terms) {
			out = append(out, ins.Clone())
		}
	}
	sortByScore(out)
	return out
}

// submit hands an operation to the loop. It is a no-op unless running.
func (e *Engine) submit(op func(ctx context.Context)) bool {
	if e.state.Load() != stateRunning {
		return false
	}
	select {
	case e.ops <- op:
		return true
	case <-e.done:
		return false
	}
}

// RecordActivity feeds focus detection and implicit feedback.
func (e *Engine) RecordActivity(a Activity) {
	e.submit(func(ctx context.Context) {
		now := e.clock.Now()
		if a.At.IsZero() {
			a.At = now
		}
		e.focus.Record(a.At)
		if active, changed := e.focus.Update(now); changed {
			e.focused = active
			if !active {
				e.flush(ctx, now, "focus ended")
			}
		}
		for _, c := range e.tracker.Activity(a, now) {
			e.recordFeedback(ctx, c, now)
		}
	})
}

// RecordReply scans an outgoing reply for acknowledgment.
func (e *Engine) RecordReply(text string) {
	e.submit(func(ctx context.Context) {
		now := e.clock.Now()
		for _, c := range e.tracker.Reply(text, now) {
			e.recordFeedback(ctx, c, now)
		}
	})
}

// StartSession tags new insights and feedback with the session id, flushes
// the digest buffer and refreshes on-demand sources.
func (e *Engine) StartSession(id string) {
	e.submit(func(ctx context.Context) {
		now := e.clock.Now()
		e.session = id
		e.tracker.SetSession(id)
		e.flush(ctx, now, "session start")
		for _, sid := range e.order {
			a := e.adapters[sid]
			if a.PollInterval() == 0 {
				e.wg.Add(1)
				go e.pollOnce(ctx, a)
			}
		}
	})
}

// SetDelegated switches high-tier delivery to the relay channel while a
// delegated sub-context is active.
func (e *Engine) SetDelegated(active bool) {
	e.submit(func(context.Context) { e.delegated = active })
}

// FlushBatch requests an immediate digest flush.
func (e *Engine) FlushBatch() {
	e.submit(func(ctx context.Context) { e.flush(ctx, e.clock.Now(), "requested") })
}

// RefreshSource polls one source now, outside its schedule.
func (e *Engine) RefreshSource(id string) error {
	if !e.cfg.Enabled {
		return ErrDisabled
	}
	a, ok := e.adapters[id]
	if !ok {
		return fmt.Errorf("refresh %s: %w", id, ErrUnknownSource)
	}
	e.submit(func(ctx context.Context) {
		e.wg.Add(1)
		go e.pollOnce(ctx, a)
	})
	return nil
}

// Sources returns the registered source ids in registration order.
func (e *Engine) Sources() []string {
	return append([]string(nil), e.order...)
}
