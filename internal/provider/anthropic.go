package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"conclave/internal/logging"
)

// AnthropicBaseURL is the default Messages API root.
const AnthropicBaseURL = "https://api.anthropic.com/v1"

const anthropicVersion = "2023-06-01"

// AnthropicBackend streams the Anthropic Messages API.
type AnthropicBackend struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	maxTokens  int
	httpClient *http.Client
}

var _ Backend = (*AnthropicBackend)(nil)

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(apiKey, baseURL string, timeout time.Duration) *AnthropicBackend {
	return &AnthropicBackend{
		apiKey:     apiKey,
		baseURL:    orDefault(baseURL, AnthropicBaseURL),
		timeout:    timeout,
		maxTokens:  8192,
		httpClient: &http.Client{},
	}
}

func (b *AnthropicBackend) Name() string { return Anthropic }

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends the request with stream=true and forwards text deltas.
func (b *AnthropicBackend) Stream(ctx context.Context, model string, messages []Message, onDelta func(string)) (Final, error) {
	if b.apiKey == "" {
		return Final{}, &Error{Kind: ErrAuthFailed, Provider: Anthropic, Model: model, Err: fmt.Errorf("API key not configured")}
	}
	if b.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
	}

	system, turns := splitSystem(messages)
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: b.maxTokens,
		System:    system,
		Messages:  turns,
		Stream:    true,
	})
	if err != nil {
		return Final{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Final{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	logging.APIDebug("[anthropic] POST messages model=%s messages=%d", model, len(turns))

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Final{}, Normalize(Anthropic, model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Final{}, StatusError(Anthropic, model, resp.StatusCode, string(raw))
	}

	var final Final
	var stopped bool
	err = readSSE(ctx, resp.Body, func(ev sseEvent) (bool, error) {
		var evt anthropicEvent
		if err := json.Unmarshal([]byte(ev.Data), &evt); err != nil {
			return false, malformed(Anthropic, model, "bad stream event: %v", err)
		}
		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				final.Usage.PromptTokens = evt.Message.Usage.InputTokens
				final.Usage.CompletionTokens = evt.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if evt.Delta != nil && evt.Delta.Text != "" {
				onDelta(evt.Delta.Text)
			}
		case "message_delta":
			if evt.Usage != nil {
				final.Usage.CompletionTokens = evt.Usage.OutputTokens
			}
		case "message_stop":
			stopped = true
			return true, nil
		case "error":
			if evt.Error != nil && evt.Error.Type == "overloaded_error" {
				return false, &Error{Kind: ErrRateLimited, Provider: Anthropic, Model: model, Err: fmt.Errorf("%s", evt.Error.Message)}
			}
			msg := "unknown error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			return false, malformed(Anthropic, model, "API error: %s", msg)
		}
		return false, nil
	})
	if err != nil {
		return Final{}, Normalize(Anthropic, model, err)
	}
	if !stopped {
		return Final{}, malformed(Anthropic, model, "stream ended without message_stop")
	}

	logging.API("[anthropic] model=%s completed in %v (prompt=%d completion=%d)",
		model, time.Since(start), final.Usage.PromptTokens, final.Usage.CompletionTokens)
	return final, nil
}
