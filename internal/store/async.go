package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"conclave/internal/logging"
	"conclave/internal/pipeline"
)

// AsyncRecorder queues records for a single writer goroutine so a slow disk
// never stalls a run. When the queue is full the record is dropped and
// logged.
type AsyncRecorder struct {
	next    pipeline.Recorder
	queue   chan job
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

type job struct {
	stage *pipeline.StageRecord
	run   *pipeline.RunRecord
}

var _ pipeline.Recorder = (*AsyncRecorder)(nil)

// NewAsyncRecorder starts the writer. queueSize <= 0 uses 128.
func NewAsyncRecorder(next pipeline.Recorder, queueSize int) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = 128
	}
	a := &AsyncRecorder{
		next:    next,
		queue:   make(chan job, queueSize),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// RecordStage enqueues rec. It never blocks.
func (a *AsyncRecorder) RecordStage(_ context.Context, rec pipeline.StageRecord) error {
	a.enqueue(job{stage: &rec}, rec.RunID)
	return nil
}

// RecordRunComplete enqueues rec. It never blocks.
func (a *AsyncRecorder) RecordRunComplete(_ context.Context, rec pipeline.RunRecord) error {
	a.enqueue(job{run: &rec}, rec.RunID)
	return nil
}

func (a *AsyncRecorder) enqueue(j job, runID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- j:
	default:
		a.dropped.Add(1)
		logging.Get(logging.CategoryStore).Warn("Record queue full, dropped record for run %s", runID)
	}
}

func (a *AsyncRecorder) loop() {
	defer close(a.done)
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		var err error
		if j.stage != nil {
			err = a.next.RecordStage(ctx, *j.stage)
		} else {
			err = a.next.RecordRunComplete(ctx, *j.run)
		}
		cancel()
		if err != nil {
			a.failed.Add(1)
			logging.Get(logging.CategoryStore).Error("Failed to persist record: %v", err)
		}
	}
}

// Dropped counts records discarded because the queue was full or closed.
func (a *AsyncRecorder) Dropped() int64 { return a.dropped.Load() }

// Failed counts records the underlying recorder rejected.
func (a *AsyncRecorder) Failed() int64 { return a.failed.Load() }

// Close stops accepting records and waits for the queue to drain.
func (a *AsyncRecorder) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
