package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(&config.LLMConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewProvider(&config.LLMConfig{Provider: "gemini"})
	assert.Error(t, err)

	_, err = NewProvider(&config.LLMConfig{Provider: "openai"})
	assert.Error(t, err, "missing key")

	p, err = NewProvider(&config.LLMConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestOpenAIProvider_CompleteWithImages(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"confidence\":8}"}}]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(&config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	out, err := p.CompleteWithImages(context.Background(), "judge", "compare", [][]byte{pngMagic}, DefaultCompletionOptions())
	require.NoError(t, err)
	assert.Equal(t, `{"confidence":8}`, out)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)
	parts := user["content"].([]any)
	require.Len(t, parts, 2)
	image := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.True(t, strings.HasPrefix(image["url"].(string), "data:image/png;base64,"))
}

func TestAnthropicProvider_CompleteWithImages(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"looks fixed"}]}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(&config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := p.CompleteWithImages(context.Background(), "judge", "compare", [][]byte{pngMagic, pngMagic}, CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "looks fixed", out)

	assert.Equal(t, "claude-3-haiku-20240307", got.Model)
	assert.Equal(t, "judge", got.System)
	require.Len(t, got.Messages, 1)
	content := got.Messages[0].Content
	require.Len(t, content, 3)
	assert.Equal(t, "image", content[0].Type)
	assert.Equal(t, "image/png", content[0].Source.MediaType)
	assert.Equal(t, "text", content[2].Type)
	assert.Equal(t, "compare", content[2].Text)
}

func TestAnthropicProvider_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad image"}}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(&config.LLMConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.CompleteWithSystem(context.Background(), "", "hi", CompletionOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad image")
}
