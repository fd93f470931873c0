// Package llm talks to an OpenAI-compatible chat completions API on behalf
// of the memory and chat packages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

const (
	defaultBase        = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 60 * time.Second
	defaultMaxTokens   = 500
	defaultTemperature = 0.3

	// MaxTemperature is the highest temperature the API accepts.
	MaxTemperature = 2.0
)

// Config configures the OpenAI-compatible completer.
type Config struct {
	APIKey string
	// BaseURL overrides the endpoint for local models or proxies. Defaults
	// to https://api.openai.com/v1.
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	// Retry controls retries on rate limits and server errors. The zero
	// value means retry.DefaultConfig.
	Retry retry.Config
}

// Client implements memory.Completer. It is safe for concurrent use; the
// temperature can be changed at runtime.
type Client struct {
	cfg         Config
	client      *http.Client
	temperature atomic.Uint64
}

// New returns a Client with defaults filled in. Temperature is validated.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	c := &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	if err := c.SetTemperature(cfg.Temperature); err != nil {
		return nil, err
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Temperature returns the current sampling temperature.
func (c *Client) Temperature() float64 {
	return math.Float64frombits(c.temperature.Load())
}

// SetTemperature changes the default temperature for later requests.
func (c *Client) SetTemperature(t float64) error {
	if err := ValidateTemperature(t); err != nil {
		return err
	}
	c.temperature.Store(math.Float64bits(t))
	return nil
}

// ValidateTemperature rejects values outside [0, MaxTemperature].
func ValidateTemperature(t float64) error {
	if math.IsNaN(t) || t < 0 || t > MaxTemperature {
		return &memory.ValidationError{Field: "temperature", Reason: fmt.Sprintf("must be between 0 and %.0f, got %v", MaxTemperature, t)}
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Complete sends the request as a chat completion and returns the reply.
func (c *Client) Complete(ctx context.Context, req memory.CompletionRequest) (string, error) {
	temp := c.Temperature()
	if req.Temperature != nil {
		if err := ValidateTemperature(*req.Temperature); err != nil {
			return "", err
		}
		temp = *req.Temperature
	}

	data, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    buildMessages(req),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: temp,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	var reply string
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		r, err := c.post(ctx, data)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response body: %w", err)
	}

	var chatResp chatResponse
	decodeErr := json.Unmarshal(respBody, &chatResp)

	if resp.StatusCode >= 400 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && chatResp.Error != nil {
			msg = chatResp.Error.Message
		}
		return "", fmt.Errorf("llm: %w", &retry.StatusError{StatusCode: resp.StatusCode, Message: msg})
	}
	if decodeErr != nil {
		return "", fmt.Errorf("llm: decode response: %w", decodeErr)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("llm: API error (%s): %s", chatResp.Error.Type, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices returned")
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

var _ memory.Completer = (*Client)(nil)
