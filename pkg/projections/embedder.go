package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Embedder turns receipt header text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// HTTPEmbedder calls an external embedding endpoint. The circuit breaker
// keeps a flapping embedding service from stalling the projection loop:
// while open, Embed fails fast and stale rows are retried on a later pass.
type HTTPEmbedder struct {
	endpoint string
	model    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewHTTPEmbedder(endpoint, model string, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEmbedder{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedder",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (e *HTTPEmbedder) Model() string { return e.model }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	out, err := e.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("embedder: status %d: %s", resp.StatusCode, payload)
		}
		var er embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return nil, fmt.Errorf("embedder: decode response: %w", err)
		}
		if len(er.Embedding) == 0 {
			return nil, fmt.Errorf("embedder: empty embedding")
		}
		return er.Embedding, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]float64), nil
}
