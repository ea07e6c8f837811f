// Package provider is the uniform contract for calling one external inference
// backend. Every backend streams text deltas through a callback and returns one
// Final; Invoke turns that into an ordered chunk channel with exactly one
// terminal chunk and a bounded cancellation window.
package provider

import (
	"context"
	"time"
)

// Provider ids.
const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	Gemini     = "gemini"
	XAI        = "xai"
	OpenRouter = "openrouter"
	ZAI        = "zai"
	Scripted   = "scripted"
)

// Message is one entry of the ordered conversation sent to a backend.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage counts tokens for one call. Zero when the backend does not report.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Final is the terminal result of a successful call.
type Final struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Request describes one provider call.
type Request struct {
	Provider string
	Model    string
	Messages []Message
	Timeout  time.Duration // 0 = bounded only by ctx
}

// Chunk is one item on an Invoke channel: a delta, or the single terminal
// Final or Err.
type Chunk struct {
	Delta string
	Final *Final
	Err   error
}

// Terminal reports whether c ends the stream.
func (c Chunk) Terminal() bool {
	return c.Final != nil || c.Err != nil
}

// Backend is implemented by every provider variant.
//
// Stream must call onDelta sequentially from the calling goroutine and return
// once the response is complete or ctx is done. The returned Final.Text may be
// empty, in which case the concatenated deltas are used.
type Backend interface {
	Name() string
	Stream(ctx context.Context, model string, messages []Message, onDelta func(string)) (Final, error)
}

// splitSystem separates system messages from the conversation turns, which
// is how Anthropic and Gemini take them.
func splitSystem(messages []Message) (system string, turns []Message) {
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
