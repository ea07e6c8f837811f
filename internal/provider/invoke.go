package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"conclave/internal/logging"
)

// DefaultCancelGrace bounds how long Invoke waits for a backend to return
// after the call context is done.
const DefaultCancelGrace = 100 * time.Millisecond

type invokeOptions struct {
	grace  time.Duration
	buffer int
}

// InvokeOption tunes Invoke.
type InvokeOption func(*invokeOptions)

// WithCancelGrace sets the grace period after cancellation.
func WithCancelGrace(d time.Duration) InvokeOption {
	return func(o *invokeOptions) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithBuffer sets the capacity of the returned channel.
func WithBuffer(n int) InvokeOption {
	return func(o *invokeOptions) {
		if n >= 0 {
			o.buffer = n
		}
	}
}

// Invoke runs one call against b and returns its chunks: any number of
// deltas, then exactly one terminal chunk, then the channel is closed.
//
// When ctx is done (or req.Timeout elapses) the backend is asked to stop; if
// it has not returned within the grace period the call is abandoned and a
// cancellation or timeout error is emitted anyway. The caller must drain the
// channel until it is closed.
func Invoke(ctx context.Context, b Backend, req Request, opts ...InvokeOption) <-chan Chunk {
	o := invokeOptions{grace: DefaultCancelGrace, buffer: 64}
	for _, opt := range opts {
		opt(&o)
	}

	name := req.Provider
	if name == "" {
		name = b.Name()
	}

	var callCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	out := make(chan Chunk, o.buffer)
	items := make(chan Chunk)
	abandon := make(chan struct{})

	// Backend goroutine: the only caller of b.Stream. Sends block until the
	// writer takes them or the call is abandoned.
	go func() {
		var acc strings.Builder
		send := func(c Chunk) {
			select {
			case items <- c:
			case <-abandon:
			}
		}

		final, err := b.Stream(callCtx, req.Model, req.Messages, func(delta string) {
			if delta == "" {
				return
			}
			acc.WriteString(delta)
			send(Chunk{Delta: delta})
		})

		if err != nil {
			send(Chunk{Err: callError(ctx, callCtx, name, req.Model, err)})
			return
		}
		if final.Text == "" {
			final.Text = acc.String()
		}
		send(Chunk{Final: &final})
	}()

	// Writer goroutine: the only sender on out.
	go func() {
		defer close(out)
		defer cancel()

		start := time.Now()
		done := callCtx.Done()
		var grace <-chan time.Time

		for {
			select {
			case c := <-items:
				out <- c
				if c.Terminal() {
					if c.Err != nil {
						logging.Get(logging.CategoryProvider).Debug("%s/%s failed after %v: %v", name, req.Model, time.Since(start), c.Err)
					} else {
						logging.ProviderDebug("%s/%s completed in %v (tokens=%d)", name, req.Model, time.Since(start), c.Final.Usage.Total())
					}
					return
				}

			case <-done:
				done = nil
				timer := time.NewTimer(o.grace)
				defer timer.Stop()
				grace = timer.C

			case <-grace:
				close(abandon)
				err := callError(ctx, callCtx, name, req.Model, callCtx.Err())
				logging.Get(logging.CategoryProvider).Warn("%s/%s abandoned after %v grace: %v", name, req.Model, o.grace, err)
				out <- Chunk{Err: err}
				return
			}
		}
	}()

	return out
}

// callError normalizes err, preferring the context's own verdict: a cancelled
// parent is a cancellation, an expired call budget is a timeout.
func callError(parent, call context.Context, provider, model string, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &Error{Kind: ErrCancelled, Provider: provider, Model: model, Err: parent.Err()}
	case call.Err() != nil:
		return &Error{Kind: ErrTimeout, Provider: provider, Model: model, Err: call.Err()}
	}
	return Normalize(provider, model, err)
}

// Collect drains an Invoke channel, forwarding deltas to onDelta, and
// returns the terminal outcome.
func Collect(ch <-chan Chunk, onDelta func(string)) (Final, error) {
	var final Final
	var err error
	for c := range ch {
		switch {
		case c.Err != nil:
			err = c.Err
		case c.Final != nil:
			final = *c.Final
		default:
			if onDelta != nil {
				onDelta(c.Delta)
			}
		}
	}
	return final, err
}
