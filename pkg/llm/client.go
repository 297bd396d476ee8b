// Package llm provides clients for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/apierr"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// MessageWriter defines an interface for writing streamed chunks.
// Both a websocket.Conn and an interceptor around it satisfy it.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// Complete 发送一组消息并返回完整的回答文本；opts.Schema 非空时请求结构化输出。
	Complete(ctx context.Context, messages []Message, opts *CompletionOptions) (string, error)
	// StreamChatMessages 以流式方式调用聊天接口，并将每个增量写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// CompletionOptions 是一次补全请求的可选参数。
type CompletionOptions struct {
	Generation *GenerationParams
	Schema     *Schema
}

// NewClient creates an LLM client for the provider named in the config.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg, nil), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", model.ErrProviderConfiguration, cfg.Provider)
	}
}

var _ Client = (*openAIClient)(nil)

type openAIClient struct {
	cfg     config.LLMConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIClient 创建 OpenAI 兼容的 /chat/completions 客户端。
func NewOpenAIClient(cfg config.LLMConfig, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(math.Ceil(cfg.RequestsPerSecond)))
	}
	return &openAIClient{cfg: cfg, client: httpClient, limiter: limiter}
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Strict      bool                   `json:"strict"`
	Schema      map[string]interface{} `json:"schema"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete 调用 /chat/completions（非流式）。
func (c *openAIClient) Complete(ctx context.Context, messages []Message, opts *CompletionOptions) (string, error) {
	reqBody := c.newRequest(messages, false, nil)
	if opts != nil {
		c.applyGeneration(&reqBody, opts.Generation)
		if opts.Schema != nil {
			reqBody.ResponseFormat = &responseFormat{
				Type: "json_schema",
				JSONSchema: &jsonSchemaSpec{
					Name:        opts.Schema.Name,
					Description: opts.Schema.Description,
					Strict:      true,
					Schema:      opts.Schema.Root.JSONSchema(),
				},
			}
		}
	}

	resp, err := c.do(ctx, reqBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: failed to decode chat response: %w", model.ErrMalformedModelOutput, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: chat response has no choices", model.ErrMalformedModelOutput)
	}
	choice := chatResp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("%w: model refused: %s", model.ErrMalformedModelOutput, choice.Message.Refusal)
	}
	return choice.Message.Content, nil
}

// StreamChatMessages 以 SSE 流式读取回答并逐块写入 writer。
func (c *openAIClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	resp, err := c.do(ctx, c.newRequest(messages, true, gen))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return apierr.FromTransport(fmt.Errorf("failed to read from stream: %w", err), model.ErrRetryableGeneration)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}
		var chunk chatStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := writer.WriteMessage(websocket.TextMessage, []byte(chunk.Choices[0].Delta.Content)); err != nil {
				return fmt.Errorf("failed to write streamed chunk: %w", err)
			}
		}
	}
	return nil
}

func (c *openAIClient) newRequest(messages []Message, stream bool, gen *GenerationParams) chatRequest {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	c.applyGeneration(&reqBody, gen)
	return reqBody
}

// applyGeneration 传参优先，其次使用配置中的非零值。
func (c *openAIClient) applyGeneration(reqBody *chatRequest, gen *GenerationParams) {
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
		return
	}
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}
}

// do 发送请求并对非 200 响应做错误归类，调用方负责关闭 Body。
func (c *openAIClient) do(ctx context.Context, reqBody chatRequest) (*http.Response, error) {
	if c.cfg.APIKey == "" {
		return nil, apierr.MissingKey("llm")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if reqBody.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apierr.FromTransport(fmt.Errorf("failed to call chat api: %w", err), model.ErrRetryableGeneration)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, apierr.FromStatus(resp.StatusCode, string(bodyBytes), model.ErrRetryableGeneration)
	}
	return resp, nil
}
