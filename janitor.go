package cowverse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepResult reports one janitor pass.
type SweepResult struct {
	Evicted   int
	Remaining int
	// ArchiveRemoved counts archived snapshot encodings collected after
	// the sweep.
	ArchiveRemoved int
}

// Janitor periodically evicts universes older than the store's EvictAge.
// Eviction never recurses into children.
type Janitor struct {
	store    *Store
	log      *zap.Logger
	maxAge   time.Duration
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a janitor using the store's EvictAge and
// JanitorInterval.
func NewJanitor(store *Store) *Janitor {
	return &Janitor{
		store:    store,
		log:      store.opts.Logger.Named("janitor"),
		maxAge:   store.opts.EvictAge,
		interval: store.opts.JanitorInterval,
	}
}

// Sweep evicts every universe whose age exceeds the threshold.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	s := j.store

	s.mu.Lock()
	now := s.now()
	var expired []string
	for id, u := range s.universes {
		if now.Sub(u.meta.CreatedAt) > j.maxAge {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.evictLocked(id)
	}
	res := SweepResult{Evicted: len(expired), Remaining: len(s.universes)}
	s.mu.Unlock()

	if res.Evicted > 0 {
		removed, err := s.GCArchive(ctx)
		if err != nil {
			j.log.Warn("archive gc", zap.Error(err))
		}
		res.ArchiveRemoved = removed
	}

	d := time.Since(start)
	j.log.Info("sweep complete",
		zap.Int("evicted", res.Evicted),
		zap.Int("remaining", res.Remaining),
		zap.Int("archive_removed", res.ArchiveRemoved),
		zap.Duration("elapsed", d))

	s.ev.emit(Event{
		Kind:      OpSweep,
		IDs:       expired,
		Duration:  d,
		Evicted:   res.Evicted,
		Remaining: res.Remaining,
	})
	s.opts.Metrics.SetLive(s.Len())
	return res
}

// Start runs Sweep every interval until ctx is done or Stop is called.
// Calling Start on a running janitor is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Sweep(ctx)
			}
		}
	}(j.done)
}

// Stop halts the sweep loop and waits for an in-progress sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
