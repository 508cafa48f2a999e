// Package ai sends prompts to an OpenAI-compatible chat completions endpoint.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// ErrEmptyResponse is returned when the service answers without any text.
var ErrEmptyResponse = errors.New("empty completion")

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options configures a Client.
type Options struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// Client is a Generator backed by a chat completions API.
type Client struct {
	api    *openai.Client
	model  string
	logger logrus.FieldLogger
}

// NewClient returns a Client. Endpoint is either the API base URL or the
// full chat completions URL. The API key, when set, is sent as a bearer token.
func NewClient(opts Options, logger logrus.FieldLogger) *Client {
	c := &Client{model: opts.Model, logger: logger}
	if opts.Endpoint == "" {
		return c
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = baseURL(opts.Endpoint)
	cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	c.api = openai.NewClientWithConfig(cfg)
	return c
}

func baseURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	return strings.TrimSuffix(endpoint, "/chat/completions")
}

// Generate sends prompt as a single user message and returns the first choice.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.api == nil {
		return "", errors.New("no text generation endpoint configured")
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}

	content := resp.Choices[0].Message.Content
	c.logger.WithFields(logrus.Fields{
		"model":    c.model,
		"duration": time.Since(start).Round(time.Millisecond).String(),
		"chars":    len(content),
		"tokens":   resp.Usage.TotalTokens,
	}).Debug("Completion received")
	return content, nil
}
