package insights

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v5"
)

type pendingWrite struct {
	key   string
	seq   uint64
	apply func(ctx context.Context, s Store) error
}

// ResilientStore wraps a Store with retries. After DegradeAfter consecutive
// failed writes it switches to memory-only mode: writes are kept in a bounded
// pending set, latest per key, and replayed by Replay until the store
// accepts them again. Reads go straight to the wrapped store.
type ResilientStore struct {
	Store

	cfg    StoreConfig
	logger *slog.Logger

	mu       sync.Mutex
	failures int
	degraded bool
	pending  []pendingWrite
	seq      uint64
}

// NewResilientStore wraps s.
func NewResilientStore(s Store, cfg StoreConfig, logger *slog.Logger) *ResilientStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientStore{
		Store:  s,
		cfg:    cfg,
		logger: logger.With("component", "insights.store"),
	}
}

// Degraded reports whether the store is in memory-only mode.
func (r *ResilientStore) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// PendingWrites returns the number of writes awaiting replay.
func (r *ResilientStore) PendingWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *ResilientStore) UpsertInsight(ctx context.Context, ins Insight) error {
	ins = ins.Clone()
	return r.write(ctx, "insight:"+ins.ID, func(ctx context.Context, s Store) error {
		return s.UpsertInsight(ctx, ins)
	})
}

func (r *ResilientStore) AppendFeedback(ctx context.Context, fb Feedback) error {
	return r.write(ctx, "feedback:"+fb.ID, func(ctx context.Context, s Store) error {
		return s.AppendFeedback(ctx, fb)
	})
}

func (r *ResilientStore) UpsertActionRate(ctx context.Context, rec ActionRateRecord) error {
	return r.write(ctx, "rate:"+rec.Key().String(), func(ctx context.Context, s Store) error {
		return s.UpsertActionRate(ctx, rec)
	})
}

func (r *ResilientStore) InsertFact(ctx context.Context, f Fact) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return r.write(ctx, "fact:"+f.ID, func(ctx context.Context, s Store) error {
		return s.InsertFact(ctx, f)
	})
}

func (r *ResilientStore) write(ctx context.Context, key string, apply func(context.Context, Store) error) error {
	r.mu.Lock()
	degraded := r.degraded
	r.mu.Unlock()
	if degraded {
		r.enqueue(key, apply)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, apply(ctx, r.Store)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.cfg.RetryMaxTries)))
	if err == nil {
		r.mu.Lock()
		r.failures = 0
		for i := range r.pending {
			if r.pending[i].key == key {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return nil
	}

	r.enqueue(key, apply)
	r.mu.Lock()
	r.failures++
	if !r.degraded && r.failures >= r.cfg.DegradeAfter {
		r.degraded = true
		r.logger.Warn("store unavailable, switching to memory-only mode", "failures", r.failures)
	}
	r.mu.Unlock()
	return &StoreError{Op: "write", Key: key, Err: err}
}

func (r *ResilientStore) enqueue(key string, apply func(context.Context, Store) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	for i := range r.pending {
		if r.pending[i].key == key {
			r.pending[i].apply = apply
			r.pending[i].seq = r.seq
			return
		}
	}
	if len(r.pending) >= r.cfg.MaxPending {
		r.logger.Warn("pending write set full, dropping oldest", "key", r.pending[0].key)
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, pendingWrite{key: key, seq: r.seq, apply: apply})
}

// Replay retries pending writes in order, stopping at the first failure.
// When the set drains the store leaves memory-only mode.
func (r *ResilientStore) Replay(ctx context.Context) (replayed int, err error) {
	r.mu.Lock()
	batch := append([]pendingWrite(nil), r.pending...)
	r.mu.Unlock()

	for _, w := range batch {
		if err := w.apply(ctx, r.Store); err != nil {
			return replayed, &StoreError{Op: "replay", Key: w.key, Err: err}
		}
		replayed++
		r.mu.Lock()
		r.dropApplied(w)
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		if r.degraded {
			r.logger.Info("store recovered, leaving memory-only mode", "replayed", replayed)
		}
		r.degraded = false
		r.failures = 0
	}
	return replayed, nil
}

// dropApplied removes w unless a newer write for the same key replaced it.
func (r *ResilientStore) dropApplied(w pendingWrite) {
	for i := range r.pending {
		if r.pending[i].key == w.key && r.pending[i].seq == w.seq {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

var _ Store = (*ResilientStore)(nil)
