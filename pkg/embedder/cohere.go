package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
)

const (
	cohereDefaultEndpoint = "https://api.cohere.com/v2/embed"
	cohereDefaultModel    = "embed-english-v3.0"
	cohereBatchCap        = 96
)

// CohereProvider embeds via the Cohere v2 embed API.
type CohereProvider struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	envelope   *httpEnvelope
}

type cohereRequest struct {
	Model          string   `json:"model"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
	Texts          []string `json:"texts"`
}

type cohereResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

func NewCohereProvider(cfg *config.EmbeddingConfig, log *slog.Logger) (*CohereProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere provider requires EMBEDDING_API_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = cohereDefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = cohereDefaultModel
	}

	return &CohereProvider{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		envelope:   newHTTPEnvelope("cohere", cfg.Timeout, cfg.MaxRetries, cfg.RetryBaseWait, log),
	}, nil
}

func (p *CohereProvider) ModelName() string { return p.model }
func (p *CohereProvider) Dimensions() int   { return p.dimensions }

func (p *CohereProvider) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	return embedInBatches(ctx, texts, cohereBatchCap, func(ctx context.Context, batch []string) ([][]float32, error) {
		return p.embedBatch(ctx, batch, task)
	})
}

func (p *CohereProvider) embedBatch(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	payload, err := json.Marshal(cohereRequest{
		Model:          p.model,
		InputType:      cohereInputType(task),
		EmbeddingTypes: []string{"float"},
		Texts:          texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cohere request: %w", err)
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

	var resp cohereResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperror.ErrAPI.WithMessage("cohere: malformed response").WithInternal(err)
	}
	if len(resp.Embeddings.Float) != len(texts) {
		return nil, apperror.ErrAPI.WithMessagef("cohere: %d embeddings for %d inputs", len(resp.Embeddings.Float), len(texts))
	}

	return resp.Embeddings.Float, nil
}

func cohereInputType(task Task) string {
	if task == TaskQuery {
		return "search_query"
	}
	return "search_document"
}
