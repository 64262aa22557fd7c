package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ollamaDefaultTimeout = 60 * time.Second
	ollamaDefaultModel   = "qwen3:0.6b"
)

// ChatOptions configures the low-level Ollama chat client.
type ChatOptions struct {
	BaseURL     string
	Model       string
	HTTPClient  *http.Client
	MaxAttempts int
}

// ChatClient is a minimal Ollama /api/chat client with structured JSON
// output. Transient failures (network errors, 429, 5xx) are retried up to
// MaxAttempts with a short linear delay.
type ChatClient struct {
	baseURL     string
	model       string
	client      *http.Client
	maxAttempts int
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   map[string]any `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// NewChatClient constructs a chat client, filling unset options with
// defaults.
func NewChatClient(opts ChatOptions) *ChatClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = ollamaDefaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: ollamaDefaultTimeout}
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	return &ChatClient{baseURL: baseURL, model: model, client: client, maxAttempts: attempts}
}

// Chat sends a system+user exchange and returns the raw assistant content.
// The format schema constrains the model to JSON output.
func (c *ChatClient) Chat(ctx context.Context, system, user string, format map[string]any, temperature float64) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:  false,
		Format:  format,
		Options: map[string]any{"temperature": temperature},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ollama: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		content, retryable, err := c.chatOnce(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("ollama: exhausted %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *ChatClient) chatOnce(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", false, err
		}
		return "", true, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("ollama: decode response: %w", err)
	}
	content := strings.TrimSpace(out.Message.Content)
	if content == "" {
		return "", false, errors.New("ollama: empty response content")
	}
	return content, false, nil
}
