// Package litellm implements the completion port against a LiteLLM proxy
// (or any OpenAI-compatible endpoint). Each agent role gets its own client
// so models, keys, and circuit breakers stay independent.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/magnetar-ai/magnetar/internal/config"
	"github.com/magnetar-ai/magnetar/internal/port/completion"
	"github.com/magnetar-ai/magnetar/internal/resilience"
)

// errTransient marks HTTP failures worth retrying.
var errTransient = errors.New("transient completion error")

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a completion client from a per-role config block.
func NewClient(cfg config.Client) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the conversation and returns the model's reply. Transient
// failures (5xx, network errors) are retried with backoff up to the
// configured maximum; 4xx responses fail immediately.
func (c *Client) Complete(ctx context.Context, msgs []completion.Message) (*completion.Result, error) {
	req := chatRequest{Model: c.model, Messages: make([]chatMessage, 0, len(msgs))}
	for _, m := range msgs {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		data, err := c.doRequest(ctx, body)
		if err != nil {
			lastErr = err
			if errors.Is(err, errTransient) {
				continue
			}
			return nil, err
		}

		var resp chatResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal completion response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("completion response has no choices")
		}

		return &completion.Result{
			Text:     resp.Choices[0].Message.Content,
			ToolCall: []byte(resp.Choices[0].Message.ToolCalls),
		}, nil
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w: %w", errTransient, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w: %w", errTransient, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("completion API error %d: %s: %w", resp.StatusCode, string(data), errTransient)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("completion API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

// Health probes the endpoint's health route.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// backoff returns the wait before retry attempt n (1-based).
func backoff(n int) time.Duration {
	return time.Duration(n*n) * 250 * time.Millisecond
}
