package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"conclave/internal/logging"
)

// =============================================================================
// SCHEDULER - PER-PROVIDER CONCURRENCY SLOTS
// =============================================================================
//
// Each provider gets its own slot semaphore so a burst against one backend
// never starves calls to another. A call holds its slot from dispatch until
// its terminal chunk.

// Scheduler bounds concurrent calls per provider.
type Scheduler struct {
	mu     sync.Mutex
	limits map[string]int
	def    int
	pools  map[string]*slotPool
	stopCh chan struct{}
	once   sync.Once
}

type slotPool struct {
	slots     chan struct{}
	calls     int64
	waitNs    int64
	waiting   int32
	executing int32
}

// SchedulerMetrics provides observability into one provider's slots.
type SchedulerMetrics struct {
	Provider       string
	MaxSlots       int
	ActiveSlots    int
	WaitingForSlot int
	TotalCalls     int64
	TotalWait      time.Duration
}

// String returns a human-readable summary.
func (m SchedulerMetrics) String() string {
	avg := time.Duration(0)
	if m.TotalCalls > 0 {
		avg = m.TotalWait / time.Duration(m.TotalCalls)
	}
	return fmt.Sprintf("%s: slots=%d/%d, waiting=%d, calls=%d, avg_wait=%v",
		m.Provider, m.ActiveSlots, m.MaxSlots, m.WaitingForSlot, m.TotalCalls, avg)
}

// NewScheduler creates a scheduler. limits maps provider id to max
// concurrent calls; providers without an entry get def (min 1).
func NewScheduler(limits map[string]int, def int) *Scheduler {
	if def < 1 {
		def = 1
	}
	l := make(map[string]int, len(limits))
	for k, v := range limits {
		l[k] = v
	}
	return &Scheduler{limits: l, def: def, pools: make(map[string]*slotPool), stopCh: make(chan struct{})}
}

func (s *Scheduler) pool(provider string) *slotPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[provider]
	if !ok {
		n := s.limits[provider]
		if n < 1 {
			n = s.def
		}
		p = &slotPool{slots: make(chan struct{}, n)}
		s.pools[provider] = p
	}
	return p
}

// Acquire blocks until a slot for provider is free.
func (s *Scheduler) Acquire(ctx context.Context, provider string) error {
	p := s.pool(provider)
	start := time.Now()

	atomic.AddInt32(&p.waiting, 1)
	defer atomic.AddInt32(&p.waiting, -1)

	select {
	case p.slots <- struct{}{}:
		wait := time.Since(start)
		atomic.AddInt64(&p.waitNs, int64(wait))
		atomic.AddInt32(&p.executing, 1)
		if wait > 100*time.Millisecond {
			logging.ProviderDebug("scheduler: %s acquired slot after %v", provider, wait)
		}
		return nil
	case <-ctx.Done():
		return Normalize(provider, "", ctx.Err())
	case <-s.stopCh:
		return &Error{Kind: ErrCancelled, Provider: provider, Err: fmt.Errorf("scheduler stopped")}
	}
}

// Release returns a slot acquired with Acquire.
func (s *Scheduler) Release(provider string) {
	p := s.pool(provider)
	select {
	case <-p.slots:
	default:
		logging.Get(logging.CategoryProvider).Error("scheduler: %s released a slot it did not hold", provider)
		return
	}
	atomic.AddInt32(&p.executing, -1)
	atomic.AddInt64(&p.calls, 1)
}

// Metrics returns per-provider metrics for every provider seen so far.
func (s *Scheduler) Metrics() []SchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SchedulerMetrics, 0, len(s.pools))
	for id, p := range s.pools {
		out = append(out, SchedulerMetrics{
			Provider:       id,
			MaxSlots:       cap(p.slots),
			ActiveSlots:    int(atomic.LoadInt32(&p.executing)),
			WaitingForSlot: int(atomic.LoadInt32(&p.waiting)),
			TotalCalls:     atomic.LoadInt64(&p.calls),
			TotalWait:      time.Duration(atomic.LoadInt64(&p.waitNs)),
		})
	}
	return out
}

// Stop fails every pending and future Acquire.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// Invoke acquires a slot for req.Provider, runs Invoke, and releases the slot
// after the terminal chunk. A slot wait that ends by cancellation yields a
// single error chunk.
func (s *Scheduler) Invoke(ctx context.Context, b Backend, req Request, opts ...InvokeOption) <-chan Chunk {
	provider := req.Provider
	if provider == "" {
		provider = b.Name()
	}
	if err := s.Acquire(ctx, provider); err != nil {
		out := make(chan Chunk, 1)
		out <- Chunk{Err: Normalize(provider, req.Model, err)}
		close(out)
		return out
	}

	in := Invoke(ctx, b, req, opts...)
	out := make(chan Chunk, cap(in))
	go func() {
		defer close(out)
		released := false
		for c := range in {
			if c.Terminal() && !released {
				s.Release(provider)
				released = true
			}
			out <- c
		}
		if !released {
			s.Release(provider)
		}
	}()
	return out
}
