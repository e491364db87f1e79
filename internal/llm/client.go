// Package llm wraps an OpenAI-compatible chat-completions API with tool
// calling and rate-limit retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"

	openRouterBaseURL = "https://openrouter.ai/api/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"
	defaultModel      = "gpt-4o-mini"
	maxRetries        = 3
	initialBackoff    = 500 * time.Millisecond
)

// ErrNoChoices is returned when the provider answers without any choice.
var ErrNoChoices = errors.New("no choices returned from the model")

// Completer produces the next assistant message for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error)
}

// Config configures a Client.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// Client is a Completer backed by go-openai.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	backoff     time.Duration
}

// RequiresKey reports whether provider needs an API key. A local Ollama
// server does not.
func RequiresKey(provider string) bool {
	return !strings.EqualFold(provider, ProviderOllama)
}

// NewClient creates a Client. Unknown providers are rejected.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" && RequiresKey(cfg.Provider) {
		return nil, errors.New("llm api key is required")
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
	case ProviderOpenRouter:
		oc.BaseURL = openRouterBaseURL
	case ProviderOllama:
		oc.BaseURL = ollamaBaseURL
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		temperature: float32(cfg.Temperature),
		backoff:     initialBackoff,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends the conversation and returns the first choice's message.
// HTTP 429 responses are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		Tools:       tools,
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return openai.ChatCompletionMessage{}, ErrNoChoices
			}
			return resp.Choices[0].Message, nil
		}

		if !isRateLimit(err) {
			return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion: %w", err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return openai.ChatCompletionMessage{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return openai.ChatCompletionMessage{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
