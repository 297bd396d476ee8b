package embedding

import (
	"context"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/apierr"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

var _ Client = (*GeminiClient)(nil)

// GeminiClient 通过 Google Generative AI 的 BatchEmbedContents 接口向量化文本。
type GeminiClient struct {
	cfg     config.EmbeddingConfig
	client  *genai.Client
	model   *genai.EmbeddingModel
	limiter *rate.Limiter
}

// NewGeminiClient 创建 Gemini embedding 客户端，需要在退出时调用 Close。
func NewGeminiClient(ctx context.Context, cfg config.EmbeddingConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, apierr.MissingKey("gemini embedding")
	}
	if cfg.Model == "" || cfg.Model == "text-embedding-ada-002" {
		cfg.Model = defaultGeminiEmbeddingModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create gemini client: %w", model.ErrProviderConfiguration, err)
	}
	em := client.EmbeddingModel(cfg.Model)
	em.TaskType = genai.TaskTypeRetrievalDocument
	return &GeminiClient{
		cfg:     cfg,
		client:  client,
		model:   em,
		limiter: newLimiter(cfg.RequestsPerSecond),
	}, nil
}

func (c *GeminiClient) Model() string {
	return c.cfg.Model
}

func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, c.cfg.BatchSize, c.cfg.Concurrency, c.request)
}

func (c *GeminiClient) request(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}
	batch := c.model.NewBatch()
	for _, text := range inputs {
		batch.AddContent(genai.Text(text))
	}
	res, err := c.model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, apierr.FromGoogle(fmt.Errorf("gemini embedding request failed: %w", err), model.ErrRetryableEmbedding)
	}
	if res == nil || len(res.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%w: gemini returned an unexpected number of embeddings", model.ErrMalformedModelOutput)
	}
	vectors := make([][]float32, len(inputs))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty gemini embedding at index %d", model.ErrMalformedModelOutput, i)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

// Close 关闭底层 genai 客户端。
func (c *GeminiClient) Close() error {
	return c.client.Close()
}
