package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conclave/internal/logging"
	"conclave/internal/stream"

	"golang.org/x/sync/errgroup"
)

// reviewSet holds one text per reviewer, empty when skipped, and the count
// of reviewers whose stage ended DONE.
type reviewSet struct {
	texts     []string
	succeeded int
}

// review fans the internal synthesis out to every reviewer and joins with
// partial success: it returns when all reviewers are done or the join
// timeout elapses. Reviewers that failed or are still running are SKIPPED.
func (r *run) review(pauseAfter bool) (reviewSet, error) {
	agg := StagePolicy{ID: ReviewStageID, Role: RoleExternalReviewer}
	reviewers := r.policy.Reviewers

	if err := r.beginReview(agg, len(reviewers)); err != nil {
		return reviewSet{}, err
	}
	for _, sp := range reviewers {
		if err := r.beginStage(sp); err != nil {
			r.skipReviewers(reviewers, "cancelled")
			return reviewSet{}, err
		}
	}

	start := time.Now()
	results := make([]string, len(reviewers))
	ended := make([]bool, len(reviewers))
	succeeded := make([]bool, len(reviewers))
	var mu sync.Mutex // guards results, ended, succeeded and joined
	joined := false

	rctx, rcancel := context.WithCancel(r.ctx)
	g, gctx := errgroup.WithContext(rctx)
	msgs := buildMessages(RoleExternalReviewer, r.req, r.outputs)

	for i, sp := range reviewers {
		// Reviewers never return an error: one failure must not cancel the rest.
		g.Go(func() error {
			final, err := r.attempts(gctx, sp, msgs, func(delta string) {
				mu.Lock()
				defer mu.Unlock()
				if !joined {
					r.publish(stream.Event{Type: stream.PhaseDelta, Payload: stream.Payload{StageID: sp.ID, Role: sp.Role, Delta: delta}})
				}
			}, nil)

			mu.Lock()
			defer mu.Unlock()
			if joined {
				return nil
			}
			ended[i] = true
			if err != nil {
				r.endStage(sp, StageSkipped, "", errorText(err), false)
				return nil
			}
			results[i] = final.Text
			succeeded[i] = true
			r.endStage(sp, StageDone, final.Text, "", false)
			return nil
		})
	}

	all := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(all)
	}()
	r.reviewDone = all

	var expire <-chan time.Time
	if r.policy.JoinTimeout > 0 {
		timer := time.NewTimer(r.policy.JoinTimeout)
		defer timer.Stop()
		expire = timer.C
	}

	reason := ""
	select {
	case <-all:
	case <-expire:
		reason = "join timeout"
	case <-r.ctx.Done():
		reason = "cancelled"
	}

	mu.Lock()
	joined = true
	late := 0
	for i, sp := range reviewers {
		if !ended[i] {
			late++
			r.endStage(sp, StageSkipped, "", reason, false)
		}
	}
	out := reviewSet{texts: append([]string(nil), results...)}
	for _, done := range succeeded {
		if done {
			out.succeeded++
		}
	}
	mu.Unlock()
	rcancel()

	if late > 0 {
		logging.Get(logging.CategoryPipeline).Warn("run %s: %d reviewer(s) still running after %v, skipped",
			r.id, late, time.Since(start).Round(time.Millisecond))
	}

	if r.ctx.Err() != nil {
		r.endReview(agg, StageError, "cancelled", false)
		return reviewSet{}, ErrStageAborted
	}
	r.endReview(agg, StageDone, fmt.Sprintf("%d/%d reviewers responded", out.succeeded, len(reviewers)), pauseAfter)
	return out, nil
}

// beginReview publishes the stage_start of the aggregate review stage.
func (r *run) beginReview(agg StagePolicy, n int) error {
	r.gate.Lock()
	defer r.gate.Unlock()
	if r.stopped || r.ctx.Err() != nil {
		return ErrStageAborted
	}
	r.publish(stream.Event{Type: stream.StageStart, Payload: stream.Payload{
		StageID: agg.ID,
		Role:    agg.Role,
		Status:  string(StageRunning),
		Message: fmt.Sprintf("%d reviewers", n),
	}})
	return nil
}

func (r *run) endReview(agg StagePolicy, status StageStatus, msg string, pauseAfter bool) {
	if pauseAfter {
		r.mu.Lock()
		r.awaiting = true
		r.state.AwaitingResume = true
		r.mu.Unlock()
	}
	r.publish(stream.Event{Type: stream.StageEnd, Payload: stream.Payload{
		StageID:        agg.ID,
		Role:           agg.Role,
		Status:         string(status),
		Message:        msg,
		AwaitingResume: pauseAfter,
	}})
}

// skipReviewers ends every started reviewer when the fan-out could not begin.
func (r *run) skipReviewers(reviewers []StagePolicy, reason string) {
	for _, sp := range reviewers {
		if r.stageSnapshot(sp.ID).Status == StageRunning {
			r.endStage(sp, StageSkipped, "", reason, false)
		}
	}
	r.endReview(StagePolicy{ID: ReviewStageID, Role: RoleExternalReviewer}, StageError, reason, false)
}
