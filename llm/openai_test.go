package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadeem4/nl2sql-sub001/core"
)

func chatCompletionHandler(t *testing.T, capture *chatRequest, content string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(capture))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": capture.Model,
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}
}

func TestOpenAIClientGenerateResponse(t *testing.T) {
	var got chatRequest
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		chatCompletionHandler(t, &got, `{"intent":"read"}`)(w, r)
	}))
	defer srv.Close()

	seed := 7
	client, err := NewOpenAIClient(AgentConfig{
		Name:         "semantic",
		Provider:     "openai-compatible",
		BaseURL:      srv.URL + "/v1",
		Model:        "llama3",
		APIKey:       "sk-test",
		Temperature:  0.2,
		MaxTokens:    512,
		Seed:         &seed,
		SystemPrompt: "You translate questions.",
	})
	require.NoError(t, err)

	resp, err := client.GenerateResponse(context.Background(), "how many orders", nil)
	require.NoError(t, err)

	assert.Equal(t, `{"intent":"read"}`, resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer sk-test", authHeader)

	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, float32(0.2), got.Temperature)
	assert.Equal(t, 512, got.MaxTokens)
	require.NotNil(t, got.Seed)
	assert.Equal(t, 7, *got.Seed)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "how many orders", got.Messages[1].Content)
}

// TestOpenAIClientOptionsOverride verifies per-call options win over the
// agent config.
func TestOpenAIClientOptionsOverride(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(chatCompletionHandler(t, &got, "ok"))
	defer srv.Close()

	client, err := NewOpenAIClient(AgentConfig{
		Name: "a", BaseURL: srv.URL + "/v1", Model: "base-model", Temperature: 0.9,
	})
	require.NoError(t, err)

	_, err = client.GenerateResponse(context.Background(), "p", &core.LLMOptions{
		Model:        "override-model",
		Temperature:  0.1,
		MaxTokens:    64,
		SystemPrompt: "strict json only",
	})
	require.NoError(t, err)

	assert.Equal(t, "override-model", got.Model)
	assert.Equal(t, float32(0.1), got.Temperature)
	assert.Equal(t, 64, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "strict json only", got.Messages[0].Content)
}

func TestOpenAIClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "rate limit exceeded", "type": "rate_limit"},
		})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(AgentConfig{Name: "a", BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	_, err = client.GenerateResponse(context.Background(), "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestOpenAIClientNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"model": "m", "choices": []interface{}{}})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(AgentConfig{Name: "a", BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	_, err = client.GenerateResponse(context.Background(), "p", nil)
	assert.Error(t, err)
}

func TestOpenAIClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(AgentConfig{Name: "a", BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.GenerateResponse(ctx, "p", nil)
	assert.Error(t, err)
}
