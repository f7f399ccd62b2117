package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cenkalti/backoff/v4"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/logger"
)

const bedrockDefaultModel = "amazon.titan-embed-text-v2:0"

// BedrockProvider embeds via Amazon Bedrock's InvokeModel using Titan text
// embeddings. Titan accepts a single text per invocation, so batches are
// processed sequentially.
type BedrockProvider struct {
	client     *bedrockruntime.Client
	model      string
	dimensions int
	maxRetries int
	baseWait   time.Duration
	log        *slog.Logger
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewBedrockProvider(cfg *config.EmbeddingConfig, log *slog.Logger) (*BedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = bedrockDefaultModel
	}

	return &BedrockProvider{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		model:      model,
		dimensions: cfg.Dimensions,
		maxRetries: cfg.MaxRetries,
		baseWait:   cfg.RetryBaseWait,
		log:        log.With(logger.Scope("embedder.bedrock")),
	}, nil
}

func (p *BedrockProvider) ModelName() string { return p.model }
func (p *BedrockProvider) Dimensions() int   { return p.dimensions }

func (p *BedrockProvider) Embed(ctx context.Context, texts []string, _ Task) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (p *BedrockProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(titanRequest{
		InputText:  text,
		Dimensions: p.dimensions,
		Normalize:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal titan request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.baseWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(p.model),
			ContentType: aws.String("application/json"),
			Body:        payload,
		})
		if err == nil {
			var resp titanResponse
			if err := json.Unmarshal(out.Body, &resp); err != nil {
				return nil, apperror.ErrAPI.WithMessage("bedrock: malformed response").WithInternal(err)
			}
			if len(resp.Embedding) == 0 {
				return nil, apperror.ErrAPI.WithMessage("bedrock: empty embedding")
			}
			return resp.Embedding, nil
		}

		appErr := classifyAWSError(err)
		switch {
		case errors.Is(appErr, apperror.ErrRateLimited):
			p.log.Warn("bedrock throttled, pausing",
				slog.Duration("retry_after", defaultRetryAfter),
			)
			if err := sleepCtx(ctx, defaultRetryAfter); err != nil {
				return nil, err
			}
			bo.Reset()

		case errors.Is(appErr, apperror.ErrTransient):
			attempts++
			if attempts > p.maxRetries {
				return nil, apperror.ErrAPI.WithMessagef("bedrock: retries exhausted after %d attempts", attempts).WithInternal(appErr)
			}
			wait := bo.NextBackOff()
			p.log.Warn("bedrock transient failure, retrying",
				slog.Int("attempt", attempts),
				slog.Duration("backoff", wait),
				logger.Error(appErr),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		default:
			return nil, appErr
		}
	}
}

// classifyAWSError maps SDK errors onto the pipeline taxonomy.
func classifyAWSError(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return apperror.FromStatus(re.HTTPStatusCode(), err.Error()).WithInternal(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperror.ErrCancelled.WithInternal(err)
	}
	// Connection-level failures with no HTTP response
	return apperror.ErrTransient.WithMessage("bedrock request failed").WithInternal(err)
}
