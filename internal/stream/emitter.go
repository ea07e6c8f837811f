package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conclave/internal/logging"
)

var (
	// ErrUnknownRun is returned for a run id with no open or retained topic.
	ErrUnknownRun = errors.New("unknown run")
	// ErrTopicClosed is returned when publishing after the terminal event.
	ErrTopicClosed = errors.New("topic closed")
	// ErrEmitterClosed is returned after Emitter.Close.
	ErrEmitterClosed = errors.New("emitter closed")
)

// Options tunes an Emitter.
type Options struct {
	QueueSize           int           // per-subscriber queue bound
	BackpressureTimeout time.Duration // how long the dispatcher waits on a full queue
	ReplayLimit         int           // history kept for late subscribers; 0 = whole run
	Retention           time.Duration // how long a finished topic stays subscribable; 0 = until Close
}

// DefaultOptions returns the defaults used when a field is zero.
func DefaultOptions() Options {
	return Options{
		QueueSize:           256,
		BackpressureTimeout: 50 * time.Millisecond,
		Retention:           10 * time.Minute,
	}
}

// Emitter owns one Topic per run.
type Emitter struct {
	opts Options

	mu     sync.Mutex
	topics map[string]*Topic
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEmitter creates an Emitter.
func NewEmitter(opts Options) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.BackpressureTimeout < 0 {
		opts.BackpressureTimeout = 0
	}
	return &Emitter{
		opts:   opts,
		topics: make(map[string]*Topic),
		stop:   make(chan struct{}),
	}
}

// Topic is the ordered event log of one run. Publish is safe for concurrent
// use, but a run normally has a single publisher.
type Topic struct {
	runID string
	em    *Emitter

	// mu orders publishes: sequence assignment, history and the inbox send
	// happen under it.
	mu      sync.Mutex
	seq     uint64
	history []Event
	closed  bool
	inbox   chan Event

	subsMu     sync.Mutex
	subs       []*subscriber
	dispatched bool // dispatcher has drained the inbox

	finished chan struct{}
}

// Open creates the topic for runID.
func (e *Emitter) Open(runID string) (*Topic, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEmitterClosed
	}
	if _, ok := e.topics[runID]; ok {
		return nil, fmt.Errorf("topic %s already open", runID)
	}

	t := &Topic{
		runID:    runID,
		em:       e,
		inbox:    make(chan Event, e.opts.QueueSize),
		finished: make(chan struct{}),
	}
	e.topics[runID] = t

	e.wg.Add(1)
	go t.dispatch()

	logging.StreamDebug("topic %s opened", runID)
	return t, nil
}

// Lookup returns the topic for runID.
func (e *Emitter) Lookup(runID string) (*Topic, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.topics[runID]
	return t, ok
}

// Subscribe attaches a new subscriber to runID. With replay the buffered
// history is delivered first; either way no event is delivered twice or
// skipped between history and live delivery.
func (e *Emitter) Subscribe(ctx context.Context, runID string, replay bool) (*Subscription, error) {
	t, ok := e.Lookup(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return t.Subscribe(ctx, replay)
}

// Close stops every dispatcher and pump. Open topics are closed without a
// terminal event.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	topics := make([]*Topic, 0, len(e.topics))
	for _, t := range e.topics {
		topics = append(topics, t)
	}
	e.mu.Unlock()

	close(e.stop)
	for _, t := range topics {
		t.closeInbox()
	}
	e.wg.Wait()
}

func (e *Emitter) remove(runID string, t *Topic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.topics[runID]; ok && cur == t {
		delete(e.topics, runID)
		logging.StreamDebug("topic %s removed after retention", runID)
	}
}

// RunID returns the run this topic belongs to.
func (t *Topic) RunID() string { return t.runID }

// Publish stamps ev with the next sequence number, run id and timestamp and
// queues it for fan-out. It may block while the dispatcher is applying
// backpressure. After a terminal event every Publish fails.
func (t *Topic) Publish(ev Event) (Event, error) {
	if ev.Type == DeltaGap {
		return ev, errors.New("delta_gap is subscriber-local")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ev, ErrTopicClosed
	}

	t.seq++
	ev.Sequence = t.seq
	ev.RunID = t.runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	t.history = append(t.history, ev)
	if limit := t.em.opts.ReplayLimit; limit > 0 && len(t.history) > limit {
		t.history = append(t.history[:0:0], t.history[len(t.history)-limit:]...)
	}

	select {
	case t.inbox <- ev:
	case <-t.em.stop:
		return ev, ErrEmitterClosed
	}

	if ev.Type.Terminal() {
		t.closed = true
		close(t.inbox)
	}
	return ev, nil
}

// Sequence returns the last assigned sequence number.
func (t *Topic) Sequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Closed reports whether the terminal event has been published.
func (t *Topic) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// History returns a copy of the buffered events.
func (t *Topic) History() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.history...)
}

// Finished is closed once every event has been handed to every subscriber.
func (t *Topic) Finished() <-chan struct{} {
	return t.finished
}

// Subscribe attaches a subscriber to this topic.
func (t *Topic) Subscribe(ctx context.Context, replay bool) (*Subscription, error) {
	select {
	case <-t.em.stop:
		return nil, ErrEmitterClosed
	default:
	}

	s := newSubscriber(ctx, t, t.em.opts.QueueSize)

	t.mu.Lock()
	if replay {
		s.queue = append(s.queue, t.history...)
	}
	s.after = t.seq

	t.subsMu.Lock()
	if t.dispatched {
		s.finished = true
	} else {
		t.subs = append(t.subs, s)
	}
	t.subsMu.Unlock()
	t.mu.Unlock()

	go s.pump()
	return &Subscription{RunID: t.runID, sub: s}, nil
}

// Subscribers returns the number of attached subscribers.
func (t *Topic) Subscribers() int {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	return len(t.subs)
}

func (t *Topic) detach(s *subscriber) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for i, cur := range t.subs {
		if cur == s {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Topic) closeInbox() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
}

// dispatch is the topic's single fan-out goroutine.
func (t *Topic) dispatch() {
	defer t.em.wg.Done()

	for ev := range t.inbox {
		t.subsMu.Lock()
		subs := append([]*subscriber(nil), t.subs...)
		t.subsMu.Unlock()

		for _, s := range subs {
			if ev.Sequence <= s.after {
				continue
			}
			s.enqueue(ev, t.em.opts.BackpressureTimeout)
		}
	}

	t.subsMu.Lock()
	t.dispatched = true
	subs := t.subs
	t.subs = nil
	t.subsMu.Unlock()
	for _, s := range subs {
		s.finish()
	}
	close(t.finished)

	if r := t.em.opts.Retention; r > 0 {
		select {
		case <-t.em.stop:
		default:
			time.AfterFunc(r, func() { t.em.remove(t.runID, t) })
		}
	}
}
