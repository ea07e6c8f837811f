package stream

import (
	"context"
	"sync"
	"time"
)

// SubscriberStats counts what one subscriber received and lost.
type SubscriberStats struct {
	Delivered int
	Dropped   int // deltas folded into gap markers
	Overflow  int // events admitted past the queue bound
}

// Subscription is one consumer of a run's events. Events is closed after
// the terminal event, or when the subscription is closed.
type Subscription struct {
	RunID string
	sub   *subscriber
}

// Events returns the ordered event channel.
func (s *Subscription) Events() <-chan Event {
	return s.sub.out
}

// Close detaches the subscriber and waits for its pump to exit.
func (s *Subscription) Close() {
	s.sub.cancel()
	<-s.sub.exited
}

// Stats returns delivery counters.
func (s *Subscription) Stats() SubscriberStats {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.stats
}

// subscriber owns a bounded queue filled by the topic dispatcher and drained
// by its own pump goroutine.
type subscriber struct {
	topic *Topic
	after uint64 // events at or below this sequence came from replay

	mu       sync.Mutex
	queue    []Event
	limit    int
	finished bool // no more events will be enqueued
	stalled  bool // a backpressure wait expired and the pump has not moved since
	stats    SubscriberStats

	ready  chan struct{} // cap 1: queue gained an item or finished
	space  chan struct{} // cap 1: pump removed an item
	gone   chan struct{} // closed when the pump exits
	exited chan struct{}
	out    chan Event

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newSubscriber(ctx context.Context, t *Topic, limit int) *subscriber {
	ctx, cancel := context.WithCancel(ctx)
	return &subscriber{
		topic:  t,
		limit:  limit,
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		gone:   make(chan struct{}),
		exited: make(chan struct{}),
		out:    make(chan Event),
		ctx:    ctx,
		cancel: cancel,
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// enqueue is called by the dispatcher only. A full queue makes it wait up
// to timeout for the pump to make room, then fall back to the drop policy.
func (s *subscriber) enqueue(ev Event, timeout time.Duration) {
	var expire <-chan time.Time
	for {
		s.mu.Lock()
		if len(s.queue) < s.limit {
			s.queue = append(s.queue, ev)
			s.mu.Unlock()
			signal(s.ready)
			return
		}
		stalled := s.stalled
		s.mu.Unlock()

		if timeout <= 0 || stalled {
			break
		}
		if expire == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expire = timer.C
		}
		select {
		case <-s.space:
			continue
		case <-s.gone:
			return
		case <-s.topic.em.stop:
			return
		case <-expire:
		}
		break
	}

	s.mu.Lock()
	if timeout > 0 {
		s.stalled = true
	}
	s.admitLocked(ev)
	s.mu.Unlock()
	signal(s.ready)
}

// admitLocked applies the drop policy to a full queue. The oldest run of
// two or more deltas (gap markers included) is folded into a single gap
// marker. When no such run exists an incoming delta joins the trailing gap
// or delta, or becomes a new gap; a guaranteed event is admitted past the
// bound.
func (s *subscriber) admitLocked(ev Event) {
	if s.foldOldestLocked() {
		s.queue = append(s.queue, ev)
		return
	}

	if !ev.Type.Droppable() {
		s.stats.Overflow++
		s.queue = append(s.queue, ev)
		return
	}

	s.stats.Dropped++
	if n := len(s.queue); n > 0 {
		last := &s.queue[n-1]
		switch {
		case last.Type == DeltaGap:
			last.absorb(ev)
			return
		case last.Type.Droppable():
			s.stats.Dropped++
			gap := gapFor(*last)
			gap.absorb(ev)
			*last = gap
			return
		}
	}
	s.stats.Overflow++
	s.queue = append(s.queue, gapFor(ev))
}

// foldOldestLocked collapses the oldest run of at least two droppable or gap
// events into one gap marker. It reports whether the queue shrank.
func (s *subscriber) foldOldestLocked() bool {
	foldable := func(t Type) bool { return t.Droppable() || t == DeltaGap }

	for i := 0; i < len(s.queue); i++ {
		if !foldable(s.queue[i].Type) {
			continue
		}
		j := i
		for j+1 < len(s.queue) && foldable(s.queue[j+1].Type) {
			j++
		}
		if j == i {
			continue
		}

		gap := s.queue[i]
		if gap.Type != DeltaGap {
			s.stats.Dropped++
			gap = gapFor(gap)
		}
		for k := i + 1; k <= j; k++ {
			if s.queue[k].Type != DeltaGap {
				s.stats.Dropped++
			}
			gap.absorb(s.queue[k])
		}
		s.queue[i] = gap
		s.queue = append(s.queue[:i+1], s.queue[j+1:]...)
		return true
	}
	return false
}

// finish tells the pump no more events will arrive.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	signal(s.ready)
}

// pump delivers queued events to out until the terminal event, finish with
// an empty queue, cancellation, or emitter shutdown.
func (s *subscriber) pump() {
	defer func() {
		s.once.Do(func() { close(s.gone) })
		s.topic.detach(s)
		close(s.out)
		close(s.exited)
	}()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.ready:
				continue
			case <-s.ctx.Done():
				return
			case <-s.topic.em.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.stalled = false
		s.mu.Unlock()
		signal(s.space)

		select {
		case s.out <- ev:
		case <-s.ctx.Done():
			return
		case <-s.topic.em.stop:
			return
		}

		s.mu.Lock()
		s.stats.Delivered++
		s.mu.Unlock()

		if ev.Type.Terminal() {
			return
		}
	}
}
