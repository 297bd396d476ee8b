package llm

import (
	"context"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/apierr"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/gorilla/websocket"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultGeminiChatModel = "gemini-1.5-flash-latest"

var _ Client = (*GeminiClient)(nil)

// GeminiClient 通过 Google Generative AI 调用 Gemini 模型。
type GeminiClient struct {
	cfg    config.LLMConfig
	client *genai.Client
}

// NewGeminiClient 创建 Gemini 客户端，需要在退出时调用 Close。
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, apierr.MissingKey("gemini")
	}
	if cfg.Model == "" || strings.HasPrefix(cfg.Model, "gpt-") {
		cfg.Model = defaultGeminiChatModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create gemini client: %w", model.ErrProviderConfiguration, err)
	}
	return &GeminiClient{cfg: cfg, client: client}, nil
}

// Complete 将 system 消息转为 SystemInstruction，其余消息作为对话历史。
func (c *GeminiClient) Complete(ctx context.Context, messages []Message, opts *CompletionOptions) (string, error) {
	var gen *GenerationParams
	var schema *Schema
	if opts != nil {
		gen, schema = opts.Generation, opts.Schema
	}
	m := c.model(messages, gen)
	if schema != nil {
		m.ResponseMIMEType = "application/json"
		m.ResponseSchema = toGenaiSchema(schema.Root)
	}

	cs, last, err := startChat(m, messages)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", apierr.FromGoogle(fmt.Errorf("gemini generate failed: %w", err), model.ErrRetryableGeneration)
	}
	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("%w: gemini returned an empty response", model.ErrMalformedModelOutput)
	}
	return text, nil
}

// StreamChatMessages 使用 GenerateContentStream 逐块写出回答。
func (c *GeminiClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	m := c.model(messages, gen)
	cs, last, err := startChat(m, messages)
	if err != nil {
		return err
	}
	iter := cs.SendMessageStream(ctx, genai.Text(last))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return apierr.FromGoogle(fmt.Errorf("gemini stream failed: %w", err), model.ErrRetryableGeneration)
		}
		if text := responseText(resp); text != "" {
			if err := writer.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return fmt.Errorf("failed to write streamed chunk: %w", err)
			}
		}
	}
}

// Close 关闭底层 genai 客户端。
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) model(messages []Message, gen *GenerationParams) *genai.GenerativeModel {
	m := c.client.GenerativeModel(c.cfg.Model)
	var system []string
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
		}
	}
	if len(system) > 0 {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}

	temperature, topP, maxTokens := c.cfg.Generation.Temperature, c.cfg.Generation.TopP, c.cfg.Generation.MaxTokens
	if gen != nil {
		temperature, topP, maxTokens = 0, 0, 0
		if gen.Temperature != nil {
			temperature = *gen.Temperature
		}
		if gen.TopP != nil {
			topP = *gen.TopP
		}
		if gen.MaxTokens != nil {
			maxTokens = *gen.MaxTokens
		}
	}
	if temperature != 0 {
		m.SetTemperature(float32(temperature))
	}
	if topP != 0 {
		m.SetTopP(float32(topP))
	}
	if maxTokens != 0 {
		m.SetMaxOutputTokens(int32(maxTokens))
	}
	return m
}

// startChat 把除最后一条 user 消息外的非 system 消息放入历史。
func startChat(m *genai.GenerativeModel, messages []Message) (*genai.ChatSession, string, error) {
	var turns []Message
	for _, msg := range messages {
		if msg.Role != "system" {
			turns = append(turns, msg)
		}
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != "user" {
		return nil, "", errors.New("last message must come from the user")
	}
	cs := m.StartChat()
	for _, msg := range turns[:len(turns)-1] {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return cs, turns[len(turns)-1].Content, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func toGenaiSchema(p *Property) *genai.Schema {
	if p == nil {
		return nil
	}
	s := &genai.Schema{Description: p.Description}
	switch p.Type {
	case "object":
		s.Type = genai.TypeObject
		s.Properties = make(map[string]*genai.Schema, len(p.Properties))
		for name, child := range p.Properties {
			s.Properties[name] = toGenaiSchema(child)
		}
		s.Required = p.Required
	case "array":
		s.Type = genai.TypeArray
		s.Items = toGenaiSchema(p.Items)
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}
	return s
}
