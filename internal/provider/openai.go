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

// OpenAIConfig holds configuration for an OpenAI-compatible backend.
type OpenAIConfig struct {
	Name    string // provider id reported by Name()
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string // extra request headers
}

// Default base URLs for the OpenAI-compatible family.
const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	XAIBaseURL        = "https://api.x.ai/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	ZAIBaseURL        = "https://api.z.ai/api/coding/paas/v4"
)

// OpenAIBackend streams /chat/completions from any OpenAI-compatible API.
type OpenAIBackend struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

var _ Backend = (*OpenAIBackend)(nil)

// NewOpenAI creates a backend for api.openai.com.
func NewOpenAI(apiKey, baseURL string, timeout time.Duration) *OpenAIBackend {
	return NewOpenAICompatible(OpenAIConfig{Name: OpenAI, APIKey: apiKey, BaseURL: orDefault(baseURL, OpenAIBaseURL), Timeout: timeout})
}

// NewXAI creates a backend for xAI Grok.
func NewXAI(apiKey, baseURL string, timeout time.Duration) *OpenAIBackend {
	return NewOpenAICompatible(OpenAIConfig{Name: XAI, APIKey: apiKey, BaseURL: orDefault(baseURL, XAIBaseURL), Timeout: timeout})
}

// NewOpenRouter creates a backend for OpenRouter.
func NewOpenRouter(apiKey, baseURL string, timeout time.Duration) *OpenAIBackend {
	return NewOpenAICompatible(OpenAIConfig{
		Name:    OpenRouter,
		APIKey:  apiKey,
		BaseURL: orDefault(baseURL, OpenRouterBaseURL),
		Timeout: timeout,
		Headers: map[string]string{
			"HTTP-Referer": "https://github.com/conclave",
			"X-Title":      "conclave",
		},
	})
}

// NewZAI creates a backend for Z.AI GLM.
func NewZAI(apiKey, baseURL string, timeout time.Duration) *OpenAIBackend {
	return NewOpenAICompatible(OpenAIConfig{Name: ZAI, APIKey: apiKey, BaseURL: orDefault(baseURL, ZAIBaseURL), Timeout: timeout})
}

// NewOpenAICompatible creates a backend from an explicit config.
func NewOpenAICompatible(cfg OpenAIConfig) *OpenAIBackend {
	if cfg.Name == "" {
		cfg.Name = OpenAI
	}
	// Streaming bodies are bounded by the call context, not the client.
	return &OpenAIBackend{cfg: cfg, httpClient: &http.Client{}}
}

func (b *OpenAIBackend) Name() string { return b.cfg.Name }

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream sends the request with stream=true and forwards content deltas.
func (b *OpenAIBackend) Stream(ctx context.Context, model string, messages []Message, onDelta func(string)) (Final, error) {
	if b.cfg.APIKey == "" {
		return Final{}, &Error{Kind: ErrAuthFailed, Provider: b.cfg.Name, Model: model, Err: fmt.Errorf("API key not configured")}
	}
	if b.cfg.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
			defer cancel()
		}
	}

	body, err := json.Marshal(openAIRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return Final{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Final{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	logging.APIDebug("[%s] POST chat/completions model=%s messages=%d", b.cfg.Name, model, len(messages))

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Final{}, Normalize(b.cfg.Name, model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Final{}, StatusError(b.cfg.Name, model, resp.StatusCode, string(raw))
	}

	var final Final
	var sawChoice, completed bool
	err = readSSE(ctx, resp.Body, func(ev sseEvent) (bool, error) {
		if ev.Data == "[DONE]" {
			completed = true
			return true, nil
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return false, malformed(b.cfg.Name, model, "bad stream chunk: %v", err)
		}
		if chunk.Error != nil {
			return false, malformed(b.cfg.Name, model, "API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			final.Usage = Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) > 0 {
			sawChoice = true
			if d := chunk.Choices[0].Delta; d != nil && d.Content != "" {
				onDelta(d.Content)
			}
			if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
				completed = true
			}
		}
		return false, nil
	})
	if err != nil {
		return Final{}, Normalize(b.cfg.Name, model, err)
	}
	if !sawChoice {
		return Final{}, malformed(b.cfg.Name, model, "no choices in stream")
	}
	if !completed {
		return Final{}, malformed(b.cfg.Name, model, "stream ended before [DONE] or finish_reason")
	}

	logging.API("[%s] model=%s completed in %v (prompt=%d completion=%d)",
		b.cfg.Name, model, time.Since(start), final.Usage.PromptTokens, final.Usage.CompletionTokens)
	return final, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
