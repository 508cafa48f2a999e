package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "world"}}]}`)
	}))
	defer server.Close()

	c := NewClient(Options{Endpoint: server.URL + "/v1/chat/completions", Model: "gpt-4o-mini", APIKey: "sk-test", Timeout: time.Second}, testLogger())
	out, err := c.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "world", out)
}

func TestClient_Generate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"api error", http.StatusTooManyRequests, `{"error": {"message": "quota exceeded"}}`, "quota exceeded"},
		{"plain error", http.StatusBadGateway, `upstream down`, "502"},
		{"no choices", http.StatusOK, `{"choices": []}`, ErrEmptyResponse.Error()},
		{"blank content", http.StatusOK, `{"choices": [{"message": {"content": "  "}}]}`, ErrEmptyResponse.Error()},
		{"not json", http.StatusOK, `<html>`, "completion request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.body != "" && (tt.body[0] == '{' || tt.body[0] == '[') {
					w.Header().Set("Content-Type", "application/json")
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			c := NewClient(Options{Endpoint: server.URL, Timeout: time.Second}, testLogger())
			_, err := c.Generate(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_Generate_NoAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer server.Close()

	c := NewClient(Options{Endpoint: server.URL, Timeout: time.Second}, testLogger())
	out, err := c.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestClient_Generate_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(Options{Endpoint: server.URL, Timeout: 20 * time.Millisecond}, testLogger())
	_, err := c.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEmptyResponse))
}

func TestClient_Generate_NoEndpoint(t *testing.T) {
	c := NewClient(Options{}, testLogger())
	_, err := c.Generate(context.Background(), "p")
	assert.Error(t, err)
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"https://api.openai.com/v1/chat/completions":  "https://api.openai.com/v1",
		"https://api.openai.com/v1/chat/completions/": "https://api.openai.com/v1",
		"http://localhost:11434/v1":                   "http://localhost:11434/v1",
	}
	for in, want := range tests {
		assert.Equal(t, want, baseURL(in), in)
	}
}
