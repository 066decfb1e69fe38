package insights

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Channel is a delivery sink.
type Channel interface {
	Deliver(ctx context.Context, msg Message) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, msg Message) error

func (f ChannelFunc) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Router holds scored insights until they can be delivered. It owns the
// priority queue, the digest buffer and the per-source critical limiters.
// Not safe for concurrent use; the engine loop is its only caller.
type Router struct {
	cfg       DeliveryConfig
	channels  map[ChannelKind]Channel
	logger    *slog.Logger
	queue     []*Insight
	batch     []*Insight
	heldSince map[string]time.Time
	limiters  map[string]*rate.Limiter
	window    time.Duration
}

// NewRouter returns a router. A rate limit window below RateLimitFloor is
// raised to the floor and logged.
func NewRouter(cfg DeliveryConfig, channels map[ChannelKind]Channel, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "insights.router")
	window := cfg.EffectiveRateLimit()
	if window != cfg.RateLimitWindow {
		logger.Warn("rate limit window below floor, clamped",
			"configured", cfg.RateLimitWindow, "effective", window)
	}
	return &Router{
		cfg:       cfg,
		channels:  channels,
		logger:    logger,
		heldSince: make(map[string]time.Time),
		limiters:  make(map[string]*rate.Limiter),
		window:    window,
	}
}

// RateLimitWindow is the effective per-source critical window.
func (r *Router) RateLimitWindow() time.Duration { return r.window }

// Enqueue adds a scored insight for delivery.
func (r *Router) Enqueue(ins *Insight) {
	if r.contains(ins.ID) {
		return
	}
	ins.State = StateQueued
	r.queue = append(r.queue, ins)
}

// Remove drops an insight from the queue and the buffer.
func (r *Router) Remove(id string) {
	r.queue = without(r.queue, id)
	r.batch = without(r.batch, id)
	delete(r.heldSince, id)
}

// Batched reports whether the insight sits in the digest buffer.
func (r *Router) Batched(id string) bool {
	for _, ins := range r.batch {
		if ins.ID == id {
			return true
		}
	}
	return false
}

// Pending returns the number of queued and buffered insights.
func (r *Router) Pending() (queued, batched int) {
	return len(r.queue), len(r.batch)
}

// Dispatch delivers everything in the queue that may go out now and returns
// the insights it delivered. Failed deliveries stay queued.
func (r *Router) Dispatch(ctx context.Context, now time.Time, focus, delegated bool) []*Insight {
	// Buffered insights that climbed to high or critical leave the buffer.
	kept := r.batch[:0]
	for _, ins := range r.batch {
		if ins.Urgency.Rank() >= TierHigh.Rank() {
			r.queue = append(r.queue, ins)
			continue
		}
		kept = append(kept, ins)
	}
	r.batch = kept

	sort.SliceStable(r.queue, func(i, j int) bool {
		a, b := r.queue[i], r.queue[j]
		if a.UrgencyScore != b.UrgencyScore {
			return a.UrgencyScore > b.UrgencyScore
		}
		return a.GeneratedAt.Before(b.GeneratedAt)
	})

	var (
		delivered []*Insight
		remaining []*Insight
	)
	for _, ins := range r.queue {
		switch r.route(ctx, ins, now, focus, delegated) {
		case routeDelivered:
			delivered = append(delivered, ins)
			delete(r.heldSince, ins.ID)
		case routeBatched:
			r.batch = append(r.batch, ins)
			delete(r.heldSince, ins.ID)
		default:
			remaining = append(remaining, ins)
		}
	}
	r.queue = remaining
	return delivered
}

type routeResult int

const (
	routeHeld routeResult = iota
	routeDelivered
	routeBatched
)

// route delivers one insight or decides where it waits.
func (r *Router) route(ctx context.Context, ins *Insight, now time.Time, focus, delegated bool) routeResult {
	tier := ins.Urgency
	if tier == TierCritical {
		res := r.limiter(ins.SourceID).ReserveN(now, 1)
		if res.OK() && res.DelayFrom(now) == 0 {
			if r.send(ctx, ins, ChannelUrgent, now) {
				return routeDelivered
			}
			res.CancelAt(now)
			return routeHeld
		}
		res.CancelAt(now)
		r.logger.Info("critical rate limited, downgrading to high", "insight", ins.ID, "source", ins.SourceID)
		tier = TierHigh
	}

	kind, batched := ChannelFor(tier, focus, delegated)
	if batched {
		return routeBatched
	}
	if tier == TierHigh && focus {
		since, ok := r.heldSince[ins.ID]
		if !ok {
			r.heldSince[ins.ID] = now
			return routeHeld
		}
		if now.Sub(since) < r.cfg.HighMaxDelay {
			return routeHeld
		}
	}
	if r.send(ctx, ins, kind, now) {
		return routeDelivered
	}
	return routeHeld
}

func (r *Router) send(ctx context.Context, ins *Insight, kind ChannelKind, now time.Time) bool {
	msg := Message{
		Kind:     kind,
		Title:    ins.Title,
		Body:     ins.Body,
		Urgency:  ins.Urgency,
		Insights: []Insight{ins.Clone()},
		SentAt:   now,
	}
	if err := r.deliver(ctx, msg); err != nil {
		r.logger.Warn("delivery failed", "insight", ins.ID, "channel", kind, "error", err)
		return false
	}
	markDelivered(ins, kind, now)
	return true
}

// Flush drains the digest buffer into one combined message. On failure the
// drained insights go back to the buffer.
func (r *Router) Flush(ctx context.Context, now time.Time) ([]*Insight, error) {
	if len(r.batch) == 0 {
		return nil, nil
	}
	drained := r.batch
	r.batch = nil

	sort.SliceStable(drained, func(i, j int) bool {
		return drained[i].UrgencyScore > drained[j].UrgencyScore
	})
	msg := FormatDigest(drained, now)
	if err := r.deliver(ctx, msg); err != nil {
		r.batch = append(drained, r.batch...)
		r.logger.Warn("digest flush failed", "insights", len(drained), "error", err)
		return nil, err
	}
	for _, ins := range drained {
		markDelivered(ins, ChannelDigest, now)
	}
	r.logger.Info("digest flushed", "insights", len(drained))
	return drained, nil
}

func (r *Router) deliver(ctx context.Context, msg Message) error {
	ch, ok := r.channels[msg.Kind]
	if !ok || ch == nil {
		return &DeliveryError{Channel: msg.Kind, Err: ErrChannelMissing}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errc <- fmt.Errorf("panic: %v", p)
			}
		}()
		errc <- ch.Deliver(ctx, msg)
	}()
	select {
	case err := <-errc:
		if err != nil {
			return &DeliveryError{Channel: msg.Kind, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &DeliveryError{Channel: msg.Kind, Err: ctx.Err()}
	}
}

func (r *Router) limiter(sourceID string) *rate.Limiter {
	l, ok := r.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(rate.Every(r.window), 1)
		r.limiters[sourceID] = l
	}
	return l
}

func (r *Router) contains(id string) bool {
	for _, ins := range r.queue {
		if ins.ID == id {
			return true
		}
	}
	return r.Batched(id)
}

// FormatDigest renders buffered insights as one message.
func FormatDigest(items []*Insight, now time.Time) Message {
	var sb strings.Builder
	top := TierLow
	out := make([]Insight, 0, len(items))
	for _, ins := range items {
		fmt.Fprintf(&sb, "- [%s] %s\n", ins.Urgency, ins.Title)
		if ins.Urgency.Rank() > top.Rank() {
			top = ins.Urgency
		}
		out = append(out, ins.Clone())
	}
	title := "1 insight"
	if len(items) != 1 {
		title = fmt.Sprintf("%d insights", len(items))
	}
	return Message{
		Kind:     ChannelDigest,
		Title:    title,
		Body:     strings.TrimRight(sb.String(), "\n"),
		Urgency:  top,
		Insights: out,
		SentAt:   now,
	}
}

func markDelivered(ins *Insight, kind ChannelKind, now time.Time) {
	at := now
	k := kind
	ins.State = StateDelivered
	ins.DeliveredAt = &at
	ins.DeliveryChannel = &k
}

func without(list []*Insight, id string) []*Insight {
	out := list[:0]
	for _, ins := range list {
		if ins.ID != id {
			out = append(out, ins)
		}
	}
	return out
}
