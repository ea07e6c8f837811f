package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func collect(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("subscription %s never closed after %d events", sub.RunID, len(got))
		}
	}
}

func types(evs []Event) []Type {
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func publish(t *testing.T, tp *Topic, evs ...Event) {
	t.Helper()
	for _, ev := range evs {
		_, err := tp.Publish(ev)
		require.NoError(t, err)
	}
}

func deltas(typ Type, n int) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{Type: typ, Payload: Payload{Delta: fmt.Sprintf("t%d ", i)}}
	}
	return out
}

func requireContiguous(t *testing.T, evs []Event, first uint64) {
	t.Helper()
	for i, ev := range evs {
		require.Equal(t, first+uint64(i), ev.Sequence, "event %d (%s)", i, ev.Type)
	}
}

func TestPublish_OrderedContiguous(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	sub, err := em.Subscribe(context.Background(), "run-1", false)
	require.NoError(t, err)

	publish(t, tp, Event{Type: StageStart, Payload: Payload{StageID: "understand"}})
	publish(t, tp, deltas(PhaseDelta, 5)...)
	publish(t, tp,
		Event{Type: StageEnd, Payload: Payload{StageID: "understand", Status: "DONE"}},
		Event{Type: Done},
	)

	got := collect(t, sub)
	require.Len(t, got, 8)
	requireContiguous(t, got, 1)

	want := []Type{StageStart, PhaseDelta, PhaseDelta, PhaseDelta, PhaseDelta, PhaseDelta, StageEnd, Done}
	if diff := cmp.Diff(want, types(got)); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
	for _, ev := range got {
		assert.Equal(t, "run-1", ev.RunID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, 8, sub.Stats().Delivered)
}

func TestPublish_AfterTerminalFails(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	publish(t, tp, Event{Type: Error, Payload: Payload{Code: CodePipelineFatal}})

	_, err = tp.Publish(Event{Type: Done})
	assert.ErrorIs(t, err, ErrTopicClosed)
	assert.True(t, tp.Closed())
	assert.Equal(t, uint64(1), tp.Sequence())
}

func TestPublish_RejectsGapMarker(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	_, err = tp.Publish(Event{Type: DeltaGap})
	assert.Error(t, err)
	assert.Zero(t, tp.Sequence())
}

func TestOpen_Duplicate(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	_, err := em.Open("run-1")
	require.NoError(t, err)
	_, err = em.Open("run-1")
	assert.Error(t, err)
}

func TestSubscribe_UnknownRun(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	_, err := em.Subscribe(context.Background(), "nope", true)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	publish(t, tp, Event{Type: StageStart}, Event{Type: PhaseDelta}, Event{Type: StageEnd})

	sub, err := em.Subscribe(context.Background(), "run-1", true)
	require.NoError(t, err)
	publish(t, tp, Event{Type: StageStart}, Event{Type: StageEnd}, Event{Type: Done})

	got := collect(t, sub)
	require.Len(t, got, 6)
	requireContiguous(t, got, 1)
}

func TestSubscribe_NoReplayStartsAtLive(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	publish(t, tp, Event{Type: StageStart}, Event{Type: PhaseDelta}, Event{Type: StageEnd})

	sub, err := em.Subscribe(context.Background(), "run-1", false)
	require.NoError(t, err)
	publish(t, tp, Event{Type: FinalAnswerStart}, Event{Type: FinalAnswerEnd}, Event{Type: Done})

	got := collect(t, sub)
	require.Len(t, got, 3)
	requireContiguous(t, got, 4)
}

func TestSubscribe_ConcurrentWithPublish(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)

	const total = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total-1; i++ {
			_, _ = tp.Publish(Event{Type: StageStart})
		}
		_, _ = tp.Publish(Event{Type: Done})
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := tp.Subscribe(context.Background(), true)
			if !assert.NoError(t, err) {
				return
			}
			got := collect(t, sub)
			assert.Len(t, got, total)
			for j, ev := range got {
				assert.Equal(t, uint64(j+1), ev.Sequence)
			}
		}()
	}
	wg.Wait()
	<-done
}

func TestSubscribe_AfterFinish(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	publish(t, tp, Event{Type: StageStart}, Event{Type: StageEnd}, Event{Type: Done})

	select {
	case <-tp.Finished():
	case <-time.After(time.Second):
		t.Fatal("topic never finished")
	}

	sub, err := em.Subscribe(context.Background(), "run-1", true)
	require.NoError(t, err)
	got := collect(t, sub)
	if diff := cmp.Diff([]Type{StageStart, StageEnd, Done}, types(got)); diff != "" {
		t.Errorf("replay mismatch (-want +got):\n%s", diff)
	}

	// Without replay a finished topic has nothing to send.
	sub, err = em.Subscribe(context.Background(), "run-1", false)
	require.NoError(t, err)
	assert.Empty(t, collect(t, sub))
}

func TestReplayLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.ReplayLimit = 2
	em := NewEmitter(opts)
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	publish(t, tp, deltas(PhaseDelta, 5)...)
	require.Len(t, tp.History(), 2)

	sub, err := em.Subscribe(context.Background(), "run-1", true)
	require.NoError(t, err)
	publish(t, tp, Event{Type: Done})

	got := collect(t, sub)
	require.Len(t, got, 3)
	requireContiguous(t, got, 4)
}

func TestSlowSubscriber_GapsNeverGuaranteed(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueSize = 4
	opts.BackpressureTimeout = 50 * time.Millisecond
	em := NewEmitter(opts)
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)

	slow, err := em.Subscribe(context.Background(), "run-1", false)
	require.NoError(t, err)
	fast, err := em.Subscribe(context.Background(), "run-1", false)
	require.NoError(t, err)

	fastDone := make(chan []Event)
	go func() { fastDone <- collect(t, fast) }()

	const n = 60
	start := time.Now()
	publish(t, tp, Event{Type: StageStart, Payload: Payload{StageID: "draft"}})
	publish(t, tp, deltas(PhaseDelta, n)...)
	publish(t, tp,
		Event{Type: StageEnd, Payload: Payload{StageID: "draft"}},
		Event{Type: FinalAnswerStart},
	)
	publish(t, tp, deltas(FinalAnswerDelta, n)...)
	publish(t, tp, Event{Type: FinalAnswerEnd}, Event{Type: Done})
	assert.Less(t, time.Since(start), 2*time.Second, "slow subscriber stalled the publisher")

	// The fast subscriber is unaffected by the slow one.
	fastEvents := <-fastDone
	require.Len(t, fastEvents, 2*n+5)
	requireContiguous(t, fastEvents, 1)

	slowEvents := collect(t, slow)
	var guaranteed []Type
	var gaps, received, dropped int
	var last uint64
	for _, ev := range slowEvents {
		require.Greater(t, ev.Sequence, last, "sequence went backwards")
		last = ev.Sequence
		switch {
		case ev.Type == DeltaGap:
			gaps++
			dropped += ev.Dropped
			assert.LessOrEqual(t, ev.GapFrom, ev.GapTo)
			last = ev.GapTo
		case ev.Type.Droppable():
			received++
		default:
			guaranteed = append(guaranteed, ev.Type)
		}
	}

	want := []Type{StageStart, StageEnd, FinalAnswerStart, FinalAnswerEnd, Done}
	if diff := cmp.Diff(want, guaranteed); diff != "" {
		t.Errorf("guaranteed events mismatch (-want +got):\n%s", diff)
	}
	assert.Positive(t, gaps, "expected gap markers for the slow subscriber")
	assert.Equal(t, 2*n, received+dropped, "every delta is either delivered or counted in a gap")
	assert.Equal(t, dropped, slow.Stats().Dropped)
}

func TestAdmit_FoldsOldestRun(t *testing.T) {
	s := &subscriber{limit: 3}
	s.queue = []Event{
		{Sequence: 1, Type: StageStart},
		{Sequence: 2, Type: PhaseDelta},
		{Sequence: 3, Type: PhaseDelta},
	}
	s.admitLocked(Event{Sequence: 4, Type: PhaseDelta})

	require.Len(t, s.queue, 3)
	gap := s.queue[1]
	assert.Equal(t, DeltaGap, gap.Type)
	assert.Equal(t, 2, gap.Dropped)
	assert.Equal(t, uint64(2), gap.GapFrom)
	assert.Equal(t, uint64(3), gap.GapTo)
	assert.Equal(t, uint64(4), s.queue[2].Sequence)
	assert.Equal(t, 2, s.stats.Dropped)
}

func TestAdmit_DeltaBecomesGapWhenNothingFolds(t *testing.T) {
	s := &subscriber{limit: 3}
	s.queue = []Event{
		{Sequence: 1, Type: StageStart},
		{Sequence: 2, Type: PhaseDelta},
		{Sequence: 3, Type: StageEnd},
	}
	s.admitLocked(Event{Sequence: 4, Type: FinalAnswerDelta})
	require.Len(t, s.queue, 4)
	assert.Equal(t, DeltaGap, s.queue[3].Type)

	// The next delta joins the trailing gap instead of growing the queue.
	s.admitLocked(Event{Sequence: 5, Type: FinalAnswerDelta})
	require.Len(t, s.queue, 4)
}

func TestAdmit_GuaranteedOverflows(t *testing.T) {
	s := &subscriber{limit: 2}
	s.queue = []Event{
		{Sequence: 1, Type: StageStart},
		{Sequence: 2, Type: StageEnd},
	}
	s.admitLocked(Event{Sequence: 3, Type: Done})
	require.Len(t, s.queue, 3)
	assert.Equal(t, Done, s.queue[2].Type)
	assert.Equal(t, 1, s.stats.Overflow)
	assert.Zero(t, s.stats.Dropped)
}

func TestSubscriptionClose_Detaches(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	sub, err := em.Subscribe(context.Background(), "run-1", false)
	require.NoError(t, err)
	require.Equal(t, 1, tp.Subscribers())

	sub.Close()
	assert.Equal(t, 0, tp.Subscribers())
	_, ok := <-sub.Events()
	assert.False(t, ok)

	publish(t, tp, Event{Type: Done})
}

func TestSubscriberContextCancel(t *testing.T) {
	em := NewEmitter(DefaultOptions())
	defer em.Close()

	_, err := em.Open("run-1")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := em.Subscribe(ctx, "run-1", false)
	require.NoError(t, err)

	cancel()
	assert.Empty(t, collect(t, sub))
}

func TestEmitterClose_StopsEverything(t *testing.T) {
	em := NewEmitter(DefaultOptions())

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	sub, err := em.Subscribe(context.Background(), "run-1", false)
	require.NoError(t, err)

	em.Close()
	collect(t, sub)

	_, err = tp.Publish(Event{Type: StageStart})
	assert.Error(t, err)
	_, err = em.Open("run-2")
	assert.ErrorIs(t, err, ErrEmitterClosed)
	em.Close()
}

func TestRetention_RemovesFinishedTopic(t *testing.T) {
	opts := DefaultOptions()
	opts.Retention = 20 * time.Millisecond
	em := NewEmitter(opts)
	defer em.Close()

	tp, err := em.Open("run-1")
	require.NoError(t, err)
	publish(t, tp, Event{Type: Done})

	assert.Eventually(t, func() bool {
		_, ok := em.Lookup("run-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestEvent_WireShape(t *testing.T) {
	ev := Event{
		RunID:     "run-1",
		Sequence:  7,
		Type:      StageEnd,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:   Payload{StageID: "draft", Status: "DONE", Attempts: 1},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "run-1", m["run_id"])
	assert.Equal(t, float64(7), m["sequence_number"])
	assert.Equal(t, "stage_end", m["type"])
	assert.Equal(t, "draft", m["stage_id"])
	assert.NotContains(t, m, "delta")
	assert.NotContains(t, m, "awaiting_resume")
}
