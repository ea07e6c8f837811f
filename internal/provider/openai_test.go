package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, check func(*http.Request), status int, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_StreamsDeltasAndUsage(t *testing.T) {
	var got openAIRequest
	srv := sseServer(t, func(r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}, http.StatusOK,
		": keep-alive\n\n",
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n",
		`data: {"choices":[{"delta":{"content":", world"}}]}`+"\n\n",
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`+"\n\n",
		"data: [DONE]\n\n",
	)

	b := NewOpenAI("test-key", srv.URL, time.Minute)
	var deltas []string
	final, err := b.Stream(context.Background(), "gpt-4o", userMsg("hi"), func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", ", world"}, deltas)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3}, final.Usage)
	assert.True(t, got.Stream)
	require.NotNil(t, got.StreamOptions)
	assert.True(t, got.StreamOptions.IncludeUsage)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Len(t, got.Messages, 2)
}

func TestOpenAI_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrAuthFailed},
		{http.StatusBadGateway, ErrTimeout},
		{http.StatusBadRequest, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := sseServer(t, nil, tt.status)
			_, err := NewXAI("k", srv.URL, 0).Stream(context.Background(), "grok", userMsg("x"), func(string) {})
			assert.ErrorIs(t, err, tt.want)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, XAI, pe.Provider)
			assert.Equal(t, tt.status, pe.Status)
		})
	}
}

func TestOpenAI_MalformedChunk(t *testing.T) {
	srv := sseServer(t, nil, http.StatusOK, "data: {not json\n\n")
	_, err := NewOpenAI("k", srv.URL, 0).Stream(context.Background(), "gpt", userMsg("x"), func(string) {})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOpenAI_EmptyStreamIsMalformed(t *testing.T) {
	srv := sseServer(t, nil, http.StatusOK, "data: [DONE]\n\n")
	_, err := NewZAI("k", srv.URL, 0).Stream(context.Background(), "glm-4.7", userMsg("x"), func(string) {})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOpenAI_TruncatedStreamIsMalformed(t *testing.T) {
	srv := sseServer(t, nil, http.StatusOK, `data: {"choices":[{"delta":{"content":"cut"}}]}`+"\n\n")
	var got []string
	_, err := NewOpenAI("k", srv.URL, 0).Stream(context.Background(), "gpt", userMsg("x"), func(d string) { got = append(got, d) })
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, []string{"cut"}, got)
}

func TestOpenAI_FinishReasonWithoutDone(t *testing.T) {
	srv := sseServer(t, nil, http.StatusOK,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`+"\n\n",
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n",
	)
	_, err := NewXAI("k", srv.URL, 0).Stream(context.Background(), "grok", userMsg("x"), func(string) {})
	require.NoError(t, err)
}

func TestOpenAI_MissingKey(t *testing.T) {
	_, err := NewOpenAI("", "http://unused", 0).Stream(context.Background(), "gpt", nil, func(string) {})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenRouter_Headers(t *testing.T) {
	srv := sseServer(t, func(r *http.Request) {
		assert.Equal(t, "conclave", r.Header.Get("X-Title"))
		assert.NotEmpty(t, r.Header.Get("HTTP-Referer"))
	}, http.StatusOK, `data: {"choices":[{"delta":{"content":"ok"}}]}`+"\n\n", "data: [DONE]\n\n")

	b := NewOpenRouter("k", srv.URL, 0)
	assert.Equal(t, OpenRouter, b.Name())
	_, err := b.Stream(context.Background(), "meta-llama/llama-3.1-70b-instruct", userMsg("x"), func(string) {})
	require.NoError(t, err)
}

func TestOpenAI_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	b := NewOpenAI("k", srv.URL, 0)

	ch := Invoke(ctx, b, Request{Model: "gpt", Messages: userMsg("x")})
	first := <-ch
	assert.Equal(t, "partial", first.Delta)

	start := time.Now()
	cancel()
	_, err := Collect(ch, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
