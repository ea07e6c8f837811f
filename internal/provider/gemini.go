package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conclave/internal/logging"

	"google.golang.org/genai"
)

// GeminiBackend streams generateContent through the genai SDK.
type GeminiBackend struct {
	apiKey  string
	baseURL string
	timeout time.Duration

	once   sync.Once
	client *genai.Client
	err    error
}

var _ Backend = (*GeminiBackend)(nil)

// NewGemini creates a Gemini backend. The SDK client is built on first use.
func NewGemini(apiKey, baseURL string, timeout time.Duration) *GeminiBackend {
	return &GeminiBackend{apiKey: apiKey, baseURL: baseURL, timeout: timeout}
}

func (b *GeminiBackend) Name() string { return Gemini }

func (b *GeminiBackend) getClient(ctx context.Context) (*genai.Client, error) {
	b.once.Do(func() {
		if b.apiKey == "" {
			b.err = fmt.Errorf("API key not configured")
			return
		}
		cfg := &genai.ClientConfig{APIKey: b.apiKey, Backend: genai.BackendGeminiAPI}
		if b.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: b.baseURL}
		}
		b.client, b.err = genai.NewClient(ctx, cfg)
	})
	return b.client, b.err
}

// Stream runs GenerateContentStream and forwards each response's text.
func (b *GeminiBackend) Stream(ctx context.Context, model string, messages []Message, onDelta func(string)) (Final, error) {
	client, err := b.getClient(ctx)
	if err != nil {
		return Final{}, &Error{Kind: ErrAuthFailed, Provider: Gemini, Model: model, Err: err}
	}
	if b.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
	}

	system, turns := splitSystem(messages)
	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}

	var gcfg *genai.GenerateContentConfig
	if system != "" {
		gcfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	start := time.Now()
	logging.APIDebug("[gemini] generateContentStream model=%s contents=%d", model, len(contents))

	var final Final
	var got bool
	for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, gcfg) {
		if err != nil {
			return Final{}, geminiError(model, err)
		}
		if resp == nil {
			continue
		}
		got = true
		if text := resp.Text(); text != "" {
			onDelta(text)
		}
		if u := resp.UsageMetadata; u != nil {
			final.Usage = Usage{PromptTokens: int(u.PromptTokenCount), CompletionTokens: int(u.CandidatesTokenCount)}
		}
	}
	if err := ctx.Err(); err != nil {
		return Final{}, Normalize(Gemini, model, err)
	}
	if !got {
		return Final{}, malformed(Gemini, model, "empty stream")
	}

	logging.API("[gemini] model=%s completed in %v (prompt=%d completion=%d)",
		model, time.Since(start), final.Usage.PromptTokens, final.Usage.CompletionTokens)
	return final, nil
}

func geminiError(model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindForStatus(apiErr.Code), Provider: Gemini, Model: model, Status: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &Error{Kind: KindForStatus(apiErrPtr.Code), Provider: Gemini, Model: model, Status: apiErrPtr.Code, Err: err}
	}
	return Normalize(Gemini, model, err)
}
