// Package llm provides the completion clients behind artifact generation.
// Two providers are supported: a local OpenAI-compatible server (llama.cpp,
// vLLM, ollama) and Google Gemini. Both implement CompletionClient.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulsus/internal/config"
	"pulsus/internal/logging"
)

// CompletionClient defines the interface for completion providers.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, c Constraints) (string, error)
}

// Constraints bound a single completion request.
type Constraints struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// NewClient builds the provider named in the model config.
func NewClient(cfg config.ModelConfig, timeout time.Duration) (CompletionClient, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocalClient(cfg, timeout), nil
	case "gemini":
		return NewGeminiClient(cfg, timeout)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// LocalClient talks to an OpenAI-compatible chat completions endpoint.
type LocalClient struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

// NewLocalClient creates a client for a local OpenAI-compatible server.
func NewLocalClient(cfg config.ModelConfig, timeout time.Duration) *LocalClient {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "http://localhost:8080/v1"
	}
	return &LocalClient{
		endpoint: endpoint,
		model:    cfg.Name,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 3,
	}
}

// chatRequest is the OpenAI-style request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the OpenAI-style response body.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends a system+user prompt pair and returns the trimmed completion.
// Transient failures (429, 5xx, transport errors) are retried with exponential
// backoff; anything else fails immediately.
func (c *LocalClient) Complete(ctx context.Context, systemPrompt, userPrompt string, cons Constraints) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   cons.MaxTokens,
		Temperature: cons.Temperature,
		Stop:        cons.Stop,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s.
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
			logging.Get(logging.CategoryLLM).Debug("retrying completion (attempt %d): %v", i+1, lastErr)
		}

		text, retryable, err := c.doRequest(ctx, jsonData)
		if err == nil {
			return text, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *LocalClient) doRequest(ctx context.Context, jsonData []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("completion request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return "", false, fmt.Errorf("failed to parse response: %w", err)
	}
	if chat.Error != nil {
		return "", false, fmt.Errorf("completion error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return "", false, fmt.Errorf("no completion returned")
	}

	logging.Get(logging.CategoryLLM).Debug("completion ok: model=%s prompt_tokens=%d completion_tokens=%d",
		chat.Model, chat.Usage.PromptTokens, chat.Usage.CompletionTokens)
	return strings.TrimSpace(chat.Choices[0].Message.Content), false, nil
}

func truncateBody(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
