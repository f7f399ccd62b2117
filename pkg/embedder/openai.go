package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
)

const (
	openAIDefaultEndpoint = "https://api.openai.com/v1"
	openAIDefaultModel    = "text-embedding-3-small"
	openAIBatchCap        = 2048
)

// OpenAIProvider embeds via any OpenAI-compatible embeddings endpoint.
// The API has no query/passage distinction, so the task is ignored.
type OpenAIProvider struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	envelope   *httpEnvelope
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewOpenAIProvider(cfg *config.EmbeddingConfig, log *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires EMBEDDING_API_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = openAIDefaultEndpoint
	}
	endpoint = strings.TrimSuffix(endpoint, "/") + "/embeddings"

	model := cfg.Model
	if model == "" {
		model = openAIDefaultModel
	}

	return &OpenAIProvider{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		envelope:   newHTTPEnvelope("openai", cfg.Timeout, cfg.MaxRetries, cfg.RetryBaseWait, log),
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.model }
func (p *OpenAIProvider) Dimensions() int   { return p.dimensions }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, _ Task) ([][]float32, error) {
	return embedInBatches(ctx, texts, openAIBatchCap, p.embedBatch)
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(openAIRequest{
		Model: p.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	body, err := p.envelope.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperror.ErrAPI.WithMessage("openai: malformed response").WithInternal(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperror.ErrAPI.WithMessagef("openai: %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, apperror.ErrAPI.WithMessagef("openai: embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
