package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// OpenAIConfig configures an OpenAI-compatible /v1/embeddings client.
type OpenAIConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
	Retries  int
}

// OpenAI calls an OpenAI-compatible embeddings endpoint.
type OpenAI struct {
	model  string
	apiKey string
	client *resty.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = 2
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	return &OpenAI{model: cfg.Model, apiKey: cfg.APIKey, client: client}
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float64, error) {
	request := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"model": e.model, "input": text})

	if e.apiKey != "" {
		request.SetAuthToken(e.apiKey)
	}

	response, err := request.Post("/v1/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}

	var result embeddingResponse
	if err := json.Unmarshal(response.Body(), &result); err != nil && response.IsSuccess() {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}

	if response.IsError() {
		if result.Error != nil && result.Error.Message != "" {
			return nil, fmt.Errorf("embeddings endpoint returned %s: %s", response.Status(), result.Error.Message)
		}
		return nil, fmt.Errorf("embeddings endpoint returned %s", response.Status())
	}

	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, errors.New("embeddings response has no vectors")
	}

	return result.Data[0].Embedding, nil
}

var _ Embedder = (*OpenAI)(nil)
