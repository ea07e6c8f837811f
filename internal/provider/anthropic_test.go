package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropic_StreamsTextDeltas(t *testing.T) {
	var got anthropicRequest
	srv := sseServer(t, func(r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}, http.StatusOK,
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":25,\"output_tokens\":1}}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0}\n\n",
		"event: ping\ndata: {\"type\":\"ping\"}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi \"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"there\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":15}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)

	b := NewAnthropic("test-key", srv.URL, 0)
	final, err := Collect(Invoke(context.Background(), b, Request{Model: "claude", Messages: userMsg("hello")}), nil)
	require.NoError(t, err)

	assert.Equal(t, "Hi there", final.Text)
	assert.Equal(t, Usage{PromptTokens: 25, CompletionTokens: 15}, final.Usage)
	assert.Equal(t, "be brief", got.System, "system messages move to the system field")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.True(t, got.Stream)
}

func TestAnthropic_OverloadedIsRateLimited(t *testing.T) {
	srv := sseServer(t, nil, http.StatusOK,
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
	)
	_, err := NewAnthropic("k", srv.URL, 0).Stream(context.Background(), "claude", userMsg("x"), func(string) {})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAnthropic_TruncatedStreamIsMalformed(t *testing.T) {
	srv := sseServer(t, nil, http.StatusOK,
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"cut\"}}\n\n",
	)
	_, err := NewAnthropic("k", srv.URL, 0).Stream(context.Background(), "claude", userMsg("x"), func(string) {})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAnthropic_AuthFailure(t *testing.T) {
	srv := sseServer(t, nil, http.StatusUnauthorized)
	_, err := NewAnthropic("bad", srv.URL, 0).Stream(context.Background(), "claude", userMsg("x"), func(string) {})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestGemini_MissingKeyIsAuthFailure(t *testing.T) {
	_, err := NewGemini("", "", 0).Stream(context.Background(), "gemini-2.5-flash", userMsg("x"), func(string) {})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestSplitSystem(t *testing.T) {
	system, turns := splitSystem([]Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "q"},
		{Role: "system", Content: "b"},
		{Role: "assistant", Content: "r"},
	})
	assert.Equal(t, "a\n\nb", system)
	assert.Equal(t, []Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "r"}}, turns)
}
