// Package providers defines the completion provider interface and an
// OpenAI-compatible HTTP implementation.
package providers

import (
	"context"
	"errors"
	"strings"
)

// ErrNoContent is returned by Complete when the model answered with nothing.
var ErrNoContent = errors.New("providers: empty completion")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest holds all parameters for a chat completion call.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// LLMResponse is the standardized response from any LLM provider.
type LLMResponse struct {
	Content      string         `json:"content"`
	FinishReason string         `json:"finish_reason"`
	Usage        map[string]int `json:"usage,omitempty"`
}

// LLMProvider is the interface for all LLM backends.
type LLMProvider interface {
	// Chat sends a chat completion request. Transport and API failures are errors.
	Chat(ctx context.Context, req ChatRequest) (*LLMResponse, error)

	// DefaultModel returns the default model identifier.
	DefaultModel() string
}

// Complete sends a single user prompt and returns the trimmed answer.
func Complete(ctx context.Context, p LLMProvider, prompt string, maxTokens int) (string, error) {
	resp, err := p.Chat(ctx, ChatRequest{
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}
