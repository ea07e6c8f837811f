// Package coalesce deduplicates concurrent identical requests. The first
// caller for a key becomes the leader and does the work; callers that arrive
// before the leader resolves become followers and receive the same outcome.
package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"conclave/internal/logging"
)

// ErrWaitTimeout is returned by Future.Wait when the leader does not resolve
// within the follower's bound.
var ErrWaitTimeout = errors.New("coalesce wait timeout")

// Role of a caller for one key.
type Role int

const (
	Leader Role = iota
	Follower
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// Options tunes a Group.
type Options struct {
	// NegativeTTL keeps a failed result joinable for this long. 0 disables.
	NegativeTTL time.Duration
	// NoCache reports errors that must never be kept, such as cancellation.
	NoCache func(error) bool
}

// Stats is a point-in-time view of a Group.
type Stats struct {
	Entries      int
	Leaders      int64
	Followers    int64
	NegativeHits int64
}

// Group is a table of in-flight keys. The table lock is held only to insert,
// look up or remove an entry, never while the leader works.
type Group[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	opts    Options

	leaders      atomic.Int64
	followers    atomic.Int64
	negativeHits atomic.Int64
}

type entry[T any] struct {
	key  string
	tag  string
	done chan struct{}

	// written once before done is closed
	mu  sync.Mutex
	val T
	err error

	expiresAt atomic.Int64 // unix nanos; 0 while in flight or when not cached
	followers atomic.Int32
}

func (e *entry[T]) expired(now time.Time) bool {
	exp := e.expiresAt.Load()
	return exp != 0 && now.UnixNano() >= exp
}

func (e *entry[T]) result() (T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.val, e.err
}

// Ticket is the outcome of AcquireOrJoin. Exactly one of Token and Future is set.
type Ticket[T any] struct {
	Role   Role
	Key    string
	Tag    string // the leader's tag
	Token  *Token[T]
	Future *Future[T]
}

// Token is the leader's handle. Resolve must be called exactly once.
type Token[T any] struct {
	g    *Group[T]
	e    *entry[T]
	once sync.Once
}

// Future is a follower's handle on the leader's outcome.
type Future[T any] struct {
	e *entry[T]
}

// New creates a Group.
func New[T any](opts Options) *Group[T] {
	return &Group[T]{entries: make(map[string]*entry[T]), opts: opts}
}

// AcquireOrJoin makes the caller the leader for key, or a follower of the
// current leader. tag identifies the leader's work (a run id) and is handed
// to every follower.
func (g *Group[T]) AcquireOrJoin(key, tag string) Ticket[T] {
	now := time.Now()

	g.mu.Lock()
	e, ok := g.entries[key]
	if ok && e.expired(now) {
		delete(g.entries, key)
		ok = false
	}
	if !ok {
		e = &entry[T]{key: key, tag: tag, done: make(chan struct{})}
		g.entries[key] = e
		g.mu.Unlock()

		g.leaders.Add(1)
		logging.CoalesceDebug("leader for %s (tag=%s)", short(key), tag)
		t := &Token[T]{g: g, e: e}
		return Ticket[T]{Role: Leader, Key: key, Tag: tag, Token: t}
	}
	g.mu.Unlock()

	e.followers.Add(1)
	g.followers.Add(1)
	if e.expiresAt.Load() != 0 {
		g.negativeHits.Add(1)
	}
	logging.CoalesceDebug("follower %d for %s (leader=%s)", e.followers.Load(), short(key), e.tag)
	return Ticket[T]{Role: Follower, Key: key, Tag: e.tag, Future: &Future[T]{e: e}}
}

// Resolve publishes the leader's outcome to every follower. A success is
// evicted immediately; a cacheable failure stays for NegativeTTL.
func (t *Token[T]) Resolve(v T, err error) {
	t.once.Do(func() {
		g, e := t.g, t.e

		e.mu.Lock()
		e.val, e.err = v, err
		e.mu.Unlock()

		keep := err != nil && g.opts.NegativeTTL > 0 && (g.opts.NoCache == nil || !g.opts.NoCache(err))
		if keep {
			e.expiresAt.Store(time.Now().Add(g.opts.NegativeTTL).UnixNano())
		}
		close(e.done)

		if !keep {
			g.remove(e)
			return
		}
		logging.CoalesceDebug("caching failure for %s for %v: %v", short(e.key), g.opts.NegativeTTL, err)
		time.AfterFunc(g.opts.NegativeTTL, func() { g.remove(e) })
	})
}

// Followers returns how many callers joined this leader so far.
func (t *Token[T]) Followers() int {
	return int(t.e.followers.Load())
}

// remove deletes e if it is still the entry for its key.
func (g *Group[T]) remove(e *entry[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.entries[e.key]; ok && cur == e {
		delete(g.entries, e.key)
	}
}

// Wait blocks until the leader resolves, ctx is done, or timeout elapses
// (timeout <= 0 waits on ctx alone).
func (f *Future[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-f.e.done:
		return f.e.result()
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-expire:
		return zero, ErrWaitTimeout
	}
}

// Done is closed once the leader resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.e.done
}

// Stats returns counters and the current table size.
func (g *Group[T]) Stats() Stats {
	g.mu.Lock()
	n := len(g.entries)
	g.mu.Unlock()
	return Stats{
		Entries:      n,
		Leaders:      g.leaders.Load(),
		Followers:    g.followers.Load(),
		NegativeHits: g.negativeHits.Load(),
	}
}

// Len returns the number of live entries.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
