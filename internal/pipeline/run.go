package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"conclave/internal/logging"
	"conclave/internal/provider"
	"conclave/internal/stream"
)

// run is the state of one execution. Everything except the snapshot fields
// guarded by mu is owned by the run goroutine.
type run struct {
	id     string
	c      *Controller
	policy Policy
	req    Request
	topic  *stream.Topic
	ctx    context.Context
	cancel context.CancelFunc

	// gate orders stage starts against CancelRun.
	gate    sync.Mutex
	stopped bool

	mu       sync.Mutex
	state    Run
	index    map[string]int
	awaiting bool
	finished bool

	resume     chan struct{}
	outputs    map[string]string
	reviewDone <-chan struct{}
}

func newRun(c *Controller, id string, req Request, p Policy, topic *stream.Topic, ctx context.Context, cancel context.CancelFunc) *run {
	r := &run{
		id:      id,
		c:       c,
		policy:  p,
		req:     req,
		topic:   topic,
		ctx:     ctx,
		cancel:  cancel,
		index:   make(map[string]int),
		resume:  make(chan struct{}, 1),
		outputs: make(map[string]string),
	}
	r.state = Run{
		ID:             id,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Mode:           req.Mode,
		Status:         RunCreated,
		StartedAt:      time.Now().UTC(),
	}

	add := func(sp StagePolicy) {
		r.index[sp.ID] = len(r.state.Stages)
		r.state.Stages = append(r.state.Stages, Stage{
			ID:       sp.ID,
			Role:     sp.Role,
			Provider: sp.Targets[0].Provider,
			Model:    sp.Targets[0].Model,
			Status:   StagePending,
			Optional: sp.Optional,
		})
	}
	for _, sp := range p.Stages {
		add(sp)
	}
	for _, sp := range p.Reviewers {
		add(sp)
	}
	add(p.Director)
	return r
}

// execute drives the run to a terminal state.
func (r *run) execute() (Result, error) {
	r.setStatus(RunRunning)
	staged := r.req.Mode == ModeStaged

	for _, sp := range r.policy.Stages {
		out, err := r.runStage(sp, staged)
		if err != nil {
			return r.fail(err)
		}
		r.outputs[sp.ID] = out
		if staged {
			if err := r.waitResume(sp.ID); err != nil {
				return r.fail(err)
			}
		}
	}

	reviews, err := r.review(staged)
	if err != nil {
		return r.fail(err)
	}
	r.outputs[ReviewStageID] = joinReviews(reviews.texts)
	if staged {
		if err := r.waitResume(ReviewStageID); err != nil {
			return r.fail(err)
		}
	}

	res, err := r.direct(reviews)
	if err != nil {
		return r.fail(err)
	}
	return res, nil
}

// runStage executes one required sequential stage.
func (r *run) runStage(sp StagePolicy, pauseAfter bool) (string, error) {
	if err := r.beginStage(sp); err != nil {
		return "", err
	}

	msgs := buildMessages(sp.Role, r.req, r.outputs)
	final, err := r.attempts(r.ctx, sp, msgs, func(delta string) {
		r.publish(stream.Event{Type: stream.PhaseDelta, Payload: stream.Payload{StageID: sp.ID, Role: sp.Role, Delta: delta}})
	}, nil)

	if err != nil {
		r.endStage(sp, StageError, "", errorText(err), false)
		if r.ctx.Err() != nil {
			return "", ErrStageAborted
		}
		return "", fmt.Errorf("%w: stage %s exhausted its targets: %v", ErrPipelineFatal, sp.ID, err)
	}

	r.endStage(sp, StageDone, final.Text, "", pauseAfter)
	return final.Text, nil
}

// beginStage moves a stage to RUNNING and publishes stage_start, unless the
// run has been cancelled.
func (r *run) beginStage(sp StagePolicy) error {
	r.gate.Lock()
	defer r.gate.Unlock()
	if r.stopped || r.ctx.Err() != nil {
		return ErrStageAborted
	}

	st := r.updateStage(sp.ID, func(st *Stage) {
		st.Status = StageRunning
		st.StartedAt = time.Now().UTC()
	})
	r.publish(stream.Event{Type: stream.StageStart, Payload: stream.Payload{
		StageID:  sp.ID,
		Role:     sp.Role,
		Status:   string(StageRunning),
		Provider: st.Provider,
		Model:    st.Model,
	}})
	logging.PipelineDebug("run %s: stage %s started on %s/%s", r.id, sp.ID, st.Provider, st.Model)
	return nil
}

// endStage moves a stage to its terminal status, publishes stage_end and
// records it. It must be called exactly once per started stage.
func (r *run) endStage(sp StagePolicy, status StageStatus, output, errMsg string, pauseAfter bool) {
	r.mu.Lock()
	st := &r.state.Stages[r.index[sp.ID]]
	st.Status = status
	st.FinishedAt = time.Now().UTC()
	st.Output = output
	st.Error = errMsg
	snap := *st
	if pauseAfter {
		r.awaiting = true
		r.state.AwaitingResume = true
	}
	r.mu.Unlock()

	usage := snap.Usage
	r.publish(stream.Event{Type: stream.StageEnd, Payload: stream.Payload{
		StageID:        sp.ID,
		Role:           sp.Role,
		Status:         string(status),
		Provider:       snap.Provider,
		Model:          snap.Model,
		Attempts:       snap.Attempts,
		Retries:        snap.Retries,
		Usage:          &usage,
		Message:        errMsg,
		AwaitingResume: pauseAfter,
	}})
	r.recordStage(snap)

	logging.Pipeline("run %s: stage %s %s (attempts=%d, retries=%d, %s/%s)",
		r.id, sp.ID, status, snap.Attempts, snap.Retries, snap.Provider, snap.Model)
}

// attempts walks the stage's fallback chain. Attempt i uses target i, or the
// last target once the chain is exhausted; staying on the same target is
// only worth it for transient failures. more, when set, can veto further
// attempts.
func (r *run) attempts(ctx context.Context, sp StagePolicy, msgs []provider.Message, onDelta func(string), more func() bool) (provider.Final, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		t := sp.target(attempt)
		retry := 0
		if attempt > 0 {
			if more != nil && !more() {
				break
			}
			if t == sp.target(attempt-1) {
				if !provider.Transient(lastErr) {
					break
				}
				if err := sleepCtx(ctx, r.policy.RetryBackoff); err != nil {
					break
				}
			}
			retry = 1
		}

		r.updateStage(sp.ID, func(st *Stage) {
			st.Provider, st.Model = t.Provider, t.Model
			st.Attempts++
			st.Retries += retry
		})

		final, err := r.c.call(ctx, sp, t, msgs, r.policy.CancelGrace, onDelta)
		if err == nil {
			r.addUsage(sp, t, final.Usage)
			return final, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logging.Get(logging.CategoryPipeline).Warn("run %s: stage %s attempt %d on %s failed: %v",
			r.id, sp.ID, attempt+1, t, err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return provider.Final{}, lastErr
}

// direct runs the director stage and streams the final answer. The director
// may fall back only until its first answer delta is out.
func (r *run) direct(reviews reviewSet) (Result, error) {
	sp := r.policy.Director
	if err := r.beginStage(sp); err != nil {
		return Result{}, err
	}
	r.setStatus(RunSynthesizing)

	var answer strings.Builder
	started := false
	begin := func() {
		started = true
		r.setStatus(RunStreamingAnswer)
		st := r.stageSnapshot(sp.ID)
		r.publish(stream.Event{Type: stream.FinalAnswerStart, Payload: stream.Payload{
			StageID: sp.ID, Role: sp.Role, Provider: st.Provider, Model: st.Model,
		}})
	}
	onDelta := func(delta string) {
		if !started {
			begin()
		}
		answer.WriteString(delta)
		r.publish(stream.Event{Type: stream.FinalAnswerDelta, Payload: stream.Payload{StageID: sp.ID, Delta: delta}})
	}

	msgs := buildMessages(sp.Role, r.req, r.outputs)
	final, err := r.attempts(r.ctx, sp, msgs, onDelta, func() bool { return !started })
	if err != nil {
		r.endStage(sp, StageError, "", errorText(err), false)
		if r.ctx.Err() != nil {
			return Result{}, ErrStageAborted
		}
		return Result{}, fmt.Errorf("%w: director failed: %v", ErrPipelineFatal, err)
	}

	// A backend that returned its text without streaming still goes out as
	// one delta so the deltas always add up to the full response.
	if answer.Len() == 0 && final.Text != "" {
		onDelta(final.Text)
	}
	if !started {
		begin()
	}
	full := answer.String()
	r.endStage(sp, StageDone, full, "", false)

	ok, total := reviews.succeeded, len(reviews.texts)
	confidence := r.policy.Confidence(true, ok, total)

	r.mu.Lock()
	usage := r.state.Usage
	r.mu.Unlock()

	r.publish(stream.Event{Type: stream.FinalAnswerEnd, Payload: stream.Payload{
		StageID:      sp.ID,
		FullResponse: full,
		Confidence:   confidence,
		Usage:        &usage,
	}})

	r.finish(RunComplete, func(s *Run) {
		s.Answer = full
		s.Confidence = confidence
	})
	r.publish(stream.Event{Type: stream.Done})
	r.wrapUp()

	logging.Pipeline("run %s complete (confidence=%s, reviewers=%d/%d, tokens=%d)",
		r.id, confidence, ok, total, usage.Total())
	return Result{RunID: r.id, Status: RunComplete, Answer: full, Confidence: confidence, Usage: usage}, nil
}

// fail ends the run with a single error event. Provider details stay in
// the logs and the stage records.
func (r *run) fail(err error) (Result, error) {
	status, code, msg := RunError, stream.CodePipelineFatal, "the request could not be completed"
	if errors.Is(err, ErrStageAborted) || r.ctx.Err() != nil {
		status, code, msg = RunCancelled, stream.CodeCancelled, "run cancelled"
		err = fmt.Errorf("%w: run %s", ErrStageAborted, r.id)
	}

	r.finish(status, func(s *Run) { s.Error = err.Error() })
	r.publish(stream.Event{Type: stream.Error, Payload: stream.Payload{Code: code, Message: msg}})
	r.wrapUp()

	if status == RunCancelled {
		logging.Pipeline("run %s cancelled", r.id)
	} else {
		logging.Get(logging.CategoryPipeline).Error("run %s failed: %v", r.id, err)
	}

	r.mu.Lock()
	usage := r.state.Usage
	r.mu.Unlock()
	return Result{RunID: r.id, Status: status, Usage: usage}, err
}

// finish sets the terminal run status, skips stages that never started, and
// records the run.
func (r *run) finish(status RunStatus, fn func(*Run)) {
	r.mu.Lock()
	r.state.Status = status
	r.state.FinishedAt = time.Now().UTC()
	r.state.AwaitingResume = false
	r.awaiting = false
	r.finished = true
	for i := range r.state.Stages {
		if r.state.Stages[i].Status == StagePending {
			r.state.Stages[i].Status = StageSkipped
		}
	}
	if fn != nil {
		fn(&r.state)
	}
	snap := r.copyLocked()
	r.mu.Unlock()

	rec := RunRecord{
		RunID:          snap.ID,
		ConversationID: snap.ConversationID,
		Message:        snap.Message,
		Mode:           snap.Mode,
		Status:         snap.Status,
		Answer:         snap.Answer,
		Confidence:     snap.Confidence,
		Error:          snap.Error,
		StartedAt:      snap.StartedAt,
		FinishedAt:     snap.FinishedAt,
		Usage:          snap.Usage,
		Stages:         snap.Stages,
	}
	if err := r.c.recorder.RecordRunComplete(context.Background(), rec); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("run %s: record run failed: %v", r.id, err)
	}
}

// wrapUp waits for abandoned reviewers so no goroutine outlives the run.
func (r *run) wrapUp() {
	if r.reviewDone != nil {
		<-r.reviewDone
	}
}

func (r *run) recordStage(st Stage) {
	rec := StageRecord{RunID: r.id, ConversationID: r.req.ConversationID, Stage: st}
	if err := r.c.recorder.RecordStage(context.Background(), rec); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("run %s: record stage %s failed: %v", r.id, st.ID, err)
	}
}

// addUsage counts u toward the stage and the run. Usage reported after the
// stage has ended (a reviewer that outlived the join) is dropped.
func (r *run) addUsage(sp StagePolicy, t Target, u provider.Usage) {
	r.mu.Lock()
	st := &r.state.Stages[r.index[sp.ID]]
	if st.Status.Terminal() || r.finished {
		r.mu.Unlock()
		return
	}
	r.state.Usage.Add(u)
	st.Usage.Add(u)
	r.mu.Unlock()

	if r.c.usage != nil {
		r.c.usage.Track(UsageEntry{
			Provider:       t.Provider,
			Model:          t.Model,
			Role:           sp.Role,
			ConversationID: r.req.ConversationID,
			Usage:          u,
		})
	}
}

// waitResume blocks a staged run until ResumeRun or cancellation.
func (r *run) waitResume(stageID string) error {
	logging.PipelineDebug("run %s: paused after %s", r.id, stageID)
	select {
	case <-r.resume:
	case <-r.ctx.Done():
		return ErrStageAborted
	}
	r.mu.Lock()
	r.awaiting = false
	r.state.AwaitingResume = false
	r.mu.Unlock()
	return nil
}

func (r *run) resumeNext() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrRunFinished
	}
	if !r.awaiting {
		return ErrNotAwaiting
	}
	select {
	case r.resume <- struct{}{}:
	default:
	}
	return nil
}

// stop marks the run cancelled. It reports false when the run already ended.
func (r *run) stop() bool {
	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	if finished {
		return false
	}

	r.gate.Lock()
	r.stopped = true
	r.gate.Unlock()
	r.cancel()
	return true
}

func (r *run) publish(ev stream.Event) {
	if _, err := r.topic.Publish(ev); err != nil {
		logging.PipelineDebug("run %s: %s not published: %v", r.id, ev.Type, err)
	}
}

func (r *run) setStatus(s RunStatus) {
	r.mu.Lock()
	r.state.Status = s
	r.mu.Unlock()
}

// updateStage applies fn unless the stage has already ended.
func (r *run) updateStage(id string, fn func(*Stage)) Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &r.state.Stages[r.index[id]]
	if !st.Status.Terminal() {
		fn(st)
	}
	return *st
}

func (r *run) stageSnapshot(id string) Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Stages[r.index[id]]
}

func (r *run) snapshot() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *run) copyLocked() Run {
	s := r.state
	s.Stages = append([]Stage(nil), r.state.Stages...)
	return s
}

func errorText(err error) string {
	switch kind := provider.KindOf(err); {
	case kind != nil:
		return kind.Error()
	case err != nil:
		return err.Error()
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
