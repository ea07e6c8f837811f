package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Script describes how the scripted backend answers one model.
type Script struct {
	Chunks    []string      // deltas to emit; empty = echo the last user message
	Delay     time.Duration // pause before each delta
	Fail      error         // kind sentinel returned after FailAfter deltas
	FailAfter int
	Usage     Usage
	Block     bool // ignore cancellation until Release is called
}

// ScriptedBackend is a deterministic offline backend keyed by model name.
type ScriptedBackend struct {
	mu      sync.Mutex
	scripts map[string]Script
	calls   map[string]int
	release chan struct{}
}

var _ Backend = (*ScriptedBackend)(nil)

// NewScripted creates an empty scripted backend.
func NewScripted() *ScriptedBackend {
	return &ScriptedBackend{
		scripts: make(map[string]Script),
		calls:   make(map[string]int),
		release: make(chan struct{}),
	}
}

func (b *ScriptedBackend) Name() string { return Scripted }

// Set installs the script for model.
func (b *ScriptedBackend) Set(model string, s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[model] = s
}

// Calls returns how many times model has been invoked.
func (b *ScriptedBackend) Calls(model string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[model]
}

// TotalCalls returns the number of invocations across all models.
func (b *ScriptedBackend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// Release unblocks every call stuck on a Block script.
func (b *ScriptedBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.release:
	default:
		close(b.release)
	}
}

// Stream plays the script for model.
func (b *ScriptedBackend) Stream(ctx context.Context, model string, messages []Message, onDelta func(string)) (Final, error) {
	b.mu.Lock()
	s, ok := b.scripts[model]
	b.calls[model]++
	release := b.release
	b.mu.Unlock()

	if s.Block {
		<-release
		return Final{}, &Error{Kind: ErrTimeout, Provider: Scripted, Model: model, Err: fmt.Errorf("released")}
	}

	chunks := s.Chunks
	if !ok || len(chunks) == 0 {
		chunks = echo(model, messages)
	}

	for i, c := range chunks {
		if s.Fail != nil && i == s.FailAfter {
			return Final{}, &Error{Kind: s.Fail, Provider: Scripted, Model: model, Err: fmt.Errorf("scripted failure")}
		}
		if s.Delay > 0 {
			t := time.NewTimer(s.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return Final{}, Normalize(Scripted, model, ctx.Err())
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return Final{}, Normalize(Scripted, model, err)
		}
		onDelta(c)
	}
	if s.Fail != nil {
		return Final{}, &Error{Kind: s.Fail, Provider: Scripted, Model: model, Err: fmt.Errorf("scripted failure")}
	}

	usage := s.Usage
	if usage == (Usage{}) {
		usage = Usage{PromptTokens: countWords(messages), CompletionTokens: len(chunks)}
	}
	return Final{Usage: usage}, nil
}

func echo(model string, messages []Message) []string {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	words := strings.Fields(fmt.Sprintf("[%s] %s", model, firstLine(last)))
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func countWords(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
