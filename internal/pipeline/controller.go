package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"conclave/internal/coalesce"
	"conclave/internal/logging"
	"conclave/internal/provider"
	"conclave/internal/stream"

	"github.com/google/uuid"
)

// Options wires a Controller.
type Options struct {
	Registry  *provider.Registry  // required
	Scheduler *provider.Scheduler // optional per-provider concurrency bound
	Policy    Policy
	Stream    stream.Options
	Recorder  Recorder  // optional
	Usage     UsageSink // optional

	// Coalesce enables duplicate request suppression.
	Coalesce    bool
	NegativeTTL time.Duration

	// Retention keeps finished runs visible to Snapshot. 0 keeps them until Close.
	Retention time.Duration

	// NewRunID overrides run id generation (uuid by default).
	NewRunID func() string
}

// Controller owns every run. Runs execute on their own goroutine, detached
// from the caller that started them, and end on completion, fatal error,
// CancelRun or Close.
type Controller struct {
	reg       *provider.Registry
	sched     *provider.Scheduler
	emitter   *stream.Emitter
	recorder  Recorder
	usage     UsageSink
	group     *coalesce.Group[Result]
	newID     func() string
	retention time.Duration

	policy atomic.Pointer[Policy]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		reg:       opts.Registry,
		sched:     opts.Scheduler,
		emitter:   stream.NewEmitter(opts.Stream),
		recorder:  opts.Recorder,
		usage:     opts.Usage,
		newID:     opts.NewRunID,
		retention: opts.Retention,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
	}
	if c.recorder == nil {
		c.recorder = NopRecorder{}
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.New().String() }
	}
	if opts.Coalesce {
		c.group = coalesce.New[Result](coalesce.Options{
			NegativeTTL: opts.NegativeTTL,
			NoCache:     noCache,
		})
	}

	p := opts.Policy
	c.policy.Store(&p)
	return c, nil
}

// noCache keeps cancellations and shutdowns out of the negative cache: they
// say nothing about whether the same request would fail again.
func noCache(err error) bool {
	return errors.Is(err, ErrStageAborted) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled)
}

// Policy returns the policy new runs will use.
func (c *Controller) Policy() Policy {
	return *c.policy.Load()
}

// SetPolicy replaces the policy for runs started from now on.
func (c *Controller) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.policy.Store(&p)
	logging.Pipeline("policy updated: %d stages, %d reviewers, max_attempts=%d, join_timeout=%v",
		len(p.Stages), len(p.Reviewers), p.MaxAttempts, p.JoinTimeout)
	return nil
}

// Emitter exposes the event emitter for transports.
func (c *Controller) Emitter() *stream.Emitter {
	return c.emitter
}

// CoalesceStats returns the coalescing table counters. Zero when disabled.
func (c *Controller) CoalesceStats() coalesce.Stats {
	if c.group == nil {
		return coalesce.Stats{}
	}
	return c.group.Stats()
}

// StartRun submits req. The caller becomes the leader of a new run, or a
// follower of an identical in-flight run, in which case the handle's RunID
// is the leader's. ctx only bounds admission; the run itself outlives it.
func (c *Controller) StartRun(ctx context.Context, req Request) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Message == "" {
		return nil, errors.New("pipeline: empty message")
	}

	p := c.Policy()
	if req.Mode == "" {
		req.Mode = p.Mode
	}
	if _, err := ParseMode(string(req.Mode)); err != nil {
		return nil, err
	}

	runID := c.newID()
	if c.group == nil {
		h := newHandle(coalesce.Leader, runID)
		if err := c.launch(runID, req, p, h.resolve); err != nil {
			return nil, err
		}
		return h, nil
	}

	director := p.Director.Targets[0]
	key := coalesce.Key(req.ConversationID, director.Provider, director.Model, requestMessages(req))
	tk := c.group.AcquireOrJoin(key, runID)

	if tk.Role == coalesce.Leader {
		h := newHandle(coalesce.Leader, runID)
		err := c.launch(runID, req, p, func(res Result, err error) {
			tk.Token.Resolve(res, err)
			h.resolve(res, err)
		})
		if err != nil {
			tk.Token.Resolve(Result{}, err)
			return nil, err
		}
		return h, nil
	}

	logging.Pipeline("conversation %s: joined in-flight run %s", req.ConversationID, tk.Tag)
	h := newHandle(coalesce.Follower, tk.Tag)
	if !c.track() {
		return nil, ErrClosed
	}
	go c.follow(tk.Future, h, req, p)
	return h, nil
}

// follow waits for the leader's outcome. A leader that does not resolve in
// time is abandoned and the request runs on its own.
func (c *Controller) follow(f *coalesce.Future[Result], h *Handle, req Request, p Policy) {
	defer c.wg.Done()

	res, err := f.Wait(c.ctx, p.CoalesceWait)
	switch {
	case errors.Is(err, coalesce.ErrWaitTimeout):
		runID := c.newID()
		logging.Get(logging.CategoryPipeline).Warn("run %s did not resolve within %v, running %s independently",
			h.RunID(), p.CoalesceWait, runID)
		h.setRunID(runID)
		if err := c.launch(runID, req, p, h.resolve); err != nil {
			h.resolve(Result{RunID: runID}, err)
		}
		return
	case err != nil && c.ctx.Err() != nil:
		err = ErrClosed
	}
	h.resolve(res, err)
}

// track registers one goroutine with the controller unless it is closed.
func (c *Controller) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Controller) launch(runID string, req Request, p Policy, onDone func(Result, error)) error {
	if !c.track() {
		return ErrClosed
	}
	topic, err := c.emitter.Open(runID)
	if err != nil {
		c.wg.Done()
		return fmt.Errorf("open run topic: %w", err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	r := newRun(c, runID, req, p, topic, ctx, cancel)

	c.mu.Lock()
	c.runs[runID] = r
	c.mu.Unlock()

	logging.Pipeline("run %s started (conversation=%s, mode=%s)", runID, req.ConversationID, req.Mode)
	go func() {
		defer c.wg.Done()
		defer cancel()
		res, err := r.execute()
		onDone(res, err)
		c.retire(r)
	}()
	return nil
}

func (c *Controller) retire(r *run) {
	if c.retention <= 0 {
		return
	}
	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.runs[r.id]; ok && cur == r {
			delete(c.runs, r.id)
		}
	})
}

func (c *Controller) lookup(runID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return r, nil
}

// CancelRun cancels a running run. No stage starts after CancelRun returns,
// and the run publishes its cancelled error event once in-flight calls have
// been abandoned.
func (c *Controller) CancelRun(runID string) error {
	r, err := c.lookup(runID)
	if err != nil {
		return err
	}
	if !r.stop() {
		return ErrRunFinished
	}
	logging.Pipeline("run %s cancellation requested", runID)
	return nil
}

// ResumeRun releases a staged run paused after a stage.
func (c *Controller) ResumeRun(runID string) error {
	r, err := c.lookup(runID)
	if err != nil {
		return err
	}
	return r.resumeNext()
}

// Subscribe attaches to a run's event stream.
func (c *Controller) Subscribe(ctx context.Context, runID string, replay bool) (*stream.Subscription, error) {
	sub, err := c.emitter.Subscribe(ctx, runID, replay)
	if errors.Is(err, stream.ErrUnknownRun) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return sub, err
}

// Snapshot returns a copy of the run's current state.
func (c *Controller) Snapshot(runID string) (Run, error) {
	r, err := c.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	return r.snapshot(), nil
}

// Close cancels every run, waits for them to publish their terminal event,
// and shuts the emitter down.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.emitter.Close()
	logging.Pipeline("controller closed")
}

// call performs one provider attempt for a stage.
func (c *Controller) call(ctx context.Context, sp StagePolicy, t Target, msgs []provider.Message, grace time.Duration, onDelta func(string)) (provider.Final, error) {
	b, err := c.reg.Get(t.Provider)
	if err != nil {
		return provider.Final{}, &provider.Error{Kind: provider.ErrAuthFailed, Provider: t.Provider, Model: t.Model, Err: err}
	}

	req := provider.Request{Provider: t.Provider, Model: t.Model, Messages: msgs, Timeout: sp.Timeout}
	var ch <-chan provider.Chunk
	if c.sched != nil {
		ch = c.sched.Invoke(ctx, b, req, provider.WithCancelGrace(grace))
	} else {
		ch = provider.Invoke(ctx, b, req, provider.WithCancelGrace(grace))
	}
	return provider.Collect(ch, onDelta)
}

// Handle is a caller's view of a submitted request.
type Handle struct {
	role coalesce.Role
	done chan struct{}

	mu    sync.Mutex
	runID string
	res   Result
	err   error
	once  sync.Once
}

func newHandle(role coalesce.Role, runID string) *Handle {
	return &Handle{role: role, runID: runID, done: make(chan struct{})}
}

// Role reports whether the caller leads the run or follows another one.
func (h *Handle) Role() coalesce.Role { return h.role }

// RunID returns the id of the run serving this request. It changes at most
// once, when a follower gives up on its leader and runs on its own.
func (h *Handle) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

func (h *Handle) setRunID(id string) {
	h.mu.Lock()
	h.runID = id
	h.mu.Unlock()
}

// Done is closed when the outcome is known.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks for the outcome.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) resolve(res Result, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.res, h.err = res, err
		h.mu.Unlock()
		close(h.done)
	})
}
