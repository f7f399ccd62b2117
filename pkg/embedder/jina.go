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
	jinaDefaultEndpoint = "https://api.jina.ai/v1/embeddings"
	jinaDefaultModel    = "jina-embeddings-v3"
	jinaBatchCap        = 2048
)

// JinaProvider embeds via the Jina AI embeddings API.
type JinaProvider struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	envelope   *httpEnvelope
}

type jinaRequest struct {
	Model      string   `json:"model"`
	Task       string   `json:"task"`
	Dimensions int      `json:"dimensions,omitempty"`
	Input      []string `json:"input"`
}

type jinaResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewJinaProvider(cfg *config.EmbeddingConfig, log *slog.Logger) (*JinaProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("jina provider requires EMBEDDING_API_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = jinaDefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = jinaDefaultModel
	}

	return &JinaProvider{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		envelope:   newHTTPEnvelope("jina", cfg.Timeout, cfg.MaxRetries, cfg.RetryBaseWait, log),
	}, nil
}

func (p *JinaProvider) ModelName() string { return p.model }
func (p *JinaProvider) Dimensions() int   { return p.dimensions }

func (p *JinaProvider) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	return embedInBatches(ctx, texts, jinaBatchCap, func(ctx context.Context, batch []string) ([][]float32, error) {
		return p.embedBatch(ctx, batch, task)
	})
}

func (p *JinaProvider) embedBatch(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	payload, err := json.Marshal(jinaRequest{
		Model:      p.model,
		Task:       jinaTask(task),
		Dimensions: p.dimensions,
		Input:      texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal jina request: %w", err)
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

	var resp jinaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperror.ErrAPI.WithMessage("jina: malformed response").WithInternal(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperror.ErrAPI.WithMessagef("jina: %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, apperror.ErrAPI.WithMessagef("jina: embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func jinaTask(task Task) string {
	if task == TaskQuery {
		return "retrieval.query"
	}
	return "retrieval.passage"
}
