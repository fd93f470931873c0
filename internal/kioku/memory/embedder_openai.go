package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdobrica/Kioku/common/retry"
)

const (
	defaultEmbeddingBase    = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultEmbeddingDims    = 1536
	defaultEmbeddingTimeout = 30 * time.Second
)

// OpenAIEmbedderConfig configures the OpenAI embedding provider.
type OpenAIEmbedderConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for compatible servers. Defaults
	// to https://api.openai.com/v1.
	BaseURL string
	// Model defaults to text-embedding-3-small.
	Model string
	// Dimensions requests a shortened vector from models that support it.
	// Defaults to 1536.
	Dimensions int
	Timeout    time.Duration
	// Retry controls retries on rate limits and server errors. The zero
	// value means retry.DefaultConfig.
	Retry retry.Config
}

// OpenAIEmbedder implements Embedder using the OpenAI embeddings API.
// It is safe for concurrent use.
type OpenAIEmbedder struct {
	cfg    OpenAIEmbedderConfig
	client *http.Client
}

// NewOpenAIEmbedder fills in defaults and returns an embedder.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbeddingBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultEmbeddingDims
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultEmbeddingTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Dimensions returns the configured vector length.
func (e *OpenAIEmbedder) Dimensions() int { return e.cfg.Dimensions }

type embeddingRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed calls the embeddings endpoint, retrying transient failures.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embedder openai: empty input")
	}
	data, err := json.Marshal(embeddingRequest{
		Input:      text,
		Model:      e.cfg.Model,
		Dimensions: e.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder openai: marshal request: %w", err)
	}

	var vec []float32
	err = retry.Do(ctx, e.cfg.Retry, func() error {
		v, err := e.post(ctx, data)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *OpenAIEmbedder) post(ctx context.Context, body []byte) ([]float32, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder openai: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: read response body: %w", err)
	}

	var embResp embeddingResponse
	decodeErr := json.Unmarshal(respBody, &embResp)

	if resp.StatusCode >= 400 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && embResp.Error != nil {
			msg = embResp.Error.Message
		}
		return nil, fmt.Errorf("embedder openai: %w", &retry.StatusError{StatusCode: resp.StatusCode, Message: msg})
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("embedder openai: decode response: %w", decodeErr)
	}
	if embResp.Error != nil {
		return nil, fmt.Errorf("embedder openai: API error (%s): %s", embResp.Error.Type, embResp.Error.Message)
	}
	if len(embResp.Data) == 0 || len(embResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedder openai: no embedding data returned")
	}
	return embResp.Data[0].Embedding, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
