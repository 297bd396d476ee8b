// Package embedding provides clients for embedding models.
package embedding

import (
	"bytes"
	"context"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/apierr"
	"docqa-go/pkg/log"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client defines the interface for an embedding client.
type Client interface {
	// Embed 将单段文本映射为向量。
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch 批量向量化，结果与输入一一对应且顺序一致。
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Model 返回模型名，写入持久化记录的 model_version。
	Model() string
}

// NewClient creates an embedding client for the provider named in the config.
func NewClient(ctx context.Context, cfg config.EmbeddingConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg, nil), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", model.ErrProviderConfiguration, cfg.Provider)
	}
}

var _ Client = (*openAICompatibleClient)(nil)

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIClient 创建 OpenAI 兼容的 /embeddings 客户端。httpClient 为 nil 时按配置的超时新建。
func NewOpenAIClient(cfg config.EmbeddingConfig, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  httpClient,
		limiter: newLimiter(cfg.RequestsPerSecond),
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *openAICompatibleClient) Model() string {
	return c.cfg.Model
}

// Embed 对单段文本调用一次 Embedding API。
func (c *openAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 按 batch_size 切分后并发调用 Embedding API。
func (c *openAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, c.cfg.BatchSize, c.cfg.Concurrency, c.request)
}

// request 发送一次 /embeddings 请求，按响应中的 index 字段还原输入顺序。
func (c *openAICompatibleClient) request(ctx context.Context, inputs []string) ([][]float32, error) {
	if c.cfg.APIKey == "" {
		return nil, apierr.MissingKey("embedding")
	}
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}

	log.Debugf("[EmbeddingClient] 开始调用 Embedding API, model: %s, inputs: %d", c.cfg.Model, len(inputs))
	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      inputs,
		Dimensions: c.dimensionsParam(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, apierr.FromTransport(err, model.ErrRetryableEmbedding)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		return nil, apierr.FromStatus(resp.StatusCode, string(body), model.ErrRetryableEmbedding)
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode embedding response: %w", model.ErrMalformedModelOutput, err)
	}
	if len(embeddingResp.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", model.ErrMalformedModelOutput, len(inputs), len(embeddingResp.Data))
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range embeddingResp.Data {
		if d.Index < 0 || d.Index >= len(inputs) || vectors[d.Index] != nil {
			return nil, fmt.Errorf("%w: invalid embedding index %d", model.ErrMalformedModelOutput, d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", model.ErrMalformedModelOutput, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	log.Debugf("[EmbeddingClient] 成功获取 %d 个向量, 维度: %d", len(vectors), len(vectors[0]))
	return vectors, nil
}

// dimensionsParam 只有 text-embedding-3 系列支持 dimensions 参数。
func (c *openAICompatibleClient) dimensionsParam() int {
	switch c.cfg.Model {
	case "text-embedding-3-small", "text-embedding-3-large":
		return c.cfg.Dimensions
	default:
		return 0
	}
}
