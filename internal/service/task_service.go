// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/tmc/langchaingo/prompts"
)

// Retriever 是任务层对检索协调器的依赖。
type Retriever interface {
	Ingest(ctx context.Context, doc model.Document) (int, error)
	IsIndexed(documentID string) bool
	RetrieveTop(ctx context.Context, documentID, query string, k int) ([]string, error)
}

// TaskService 定义了面向文档的三类任务：摘要、实体抽取与问答。
type TaskService interface {
	Summarize(ctx context.Context, doc model.Document) (*model.Summary, error)
	ExtractEntities(ctx context.Context, doc model.Document) (*model.Entities, error)
	Answer(ctx context.Context, doc model.Document, query string, k int) (string, error)
	AnswerStream(ctx context.Context, doc model.Document, query string, k int, writer llm.MessageWriter) error
}

// TaskOption 配置可选的缓存与历史记录。
type TaskOption func(*taskService)

// WithResultCache 为摘要与实体抽取结果启用缓存。
func WithResultCache(cache repository.ResultCache) TaskOption {
	return func(s *taskService) { s.cache = cache }
}

// WithQAHistory 记录每次问答。
func WithQAHistory(history repository.QAHistoryRepository) TaskOption {
	return func(s *taskService) { s.history = history }
}

type taskService struct {
	retriever Retriever
	llmClient llm.Client
	validate  *validator.Validate
	topK      int
	cache     repository.ResultCache
	history   repository.QAHistoryRepository
}

// NewTaskService 创建一个新的 TaskService 实例。defaultK 用于调用方未指定 k 的问答。
func NewTaskService(retriever Retriever, llmClient llm.Client, defaultK int, opts ...TaskOption) TaskService {
	if defaultK <= 0 {
		defaultK = 1
	}
	s := &taskService{
		retriever: retriever,
		llmClient: llmClient,
		validate:  validator.New(),
		topK:      defaultK,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *taskService) ensureIndexed(ctx context.Context, doc model.Document) error {
	if s.retriever.IsIndexed(doc.ID) {
		return nil
	}
	log.Infof("[TaskService] 文档 %s 尚未入库, 先执行入库", doc.ID)
	_, err := s.retriever.Ingest(ctx, doc)
	return err
}

// Summarize 对全文生成 问题/并发症/建议 三段式摘要。
func (s *taskService) Summarize(ctx context.Context, doc model.Document) (*model.Summary, error) {
	if err := s.ensureIndexed(ctx, doc); err != nil {
		return nil, err
	}
	var summary model.Summary
	if s.cachedResult(ctx, doc.ID, repository.ResultKindSummary, &summary) {
		return &summary, nil
	}
	err := s.completeStructured(ctx, summaryPrompt, map[string]any{"text": doc.Text}, summarySchema, &summary, s.checkSummaryKeys)
	if err != nil {
		return nil, err
	}
	s.storeResult(ctx, doc.ID, repository.ResultKindSummary, summary)
	return &summary, nil
}

// ExtractEntities 从全文中抽取固定的临床字段。
func (s *taskService) ExtractEntities(ctx context.Context, doc model.Document) (*model.Entities, error) {
	if err := s.ensureIndexed(ctx, doc); err != nil {
		return nil, err
	}
	var entities model.Entities
	if s.cachedResult(ctx, doc.ID, repository.ResultKindEntities, &entities) {
		return &entities, nil
	}
	err := s.completeStructured(ctx, entitiesPrompt, map[string]any{"text": doc.Text}, entitiesSchema, &entities, nil)
	if err != nil {
		return nil, err
	}
	if entities.Medications == nil {
		entities.Medications = []string{}
	}
	if entities.Procedures == nil {
		entities.Procedures = []string{}
	}
	s.storeResult(ctx, doc.ID, repository.ResultKindEntities, entities)
	return &entities, nil
}

// Answer 检索最相关的分块并基于它们回答问题。
func (s *taskService) Answer(ctx context.Context, doc model.Document, query string, k int) (string, error) {
	messages, err := s.answerMessages(ctx, doc, query, k)
	if err != nil {
		return "", err
	}
	answer, err := s.llmClient.Complete(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}
	s.recordExchange(doc.ID, query, answer)
	return answer, nil
}

// AnswerStream 与 Answer 相同，但将回答逐段写入 writer，结束时发送完成通知。
func (s *taskService) AnswerStream(ctx context.Context, doc model.Document, query string, k int, writer llm.MessageWriter) error {
	messages, err := s.answerMessages(ctx, doc, query, k)
	if err != nil {
		return err
	}

	// 拦截 writer 以捕获完整答案，并包装为 JSON 分块
	answerBuilder := &strings.Builder{}
	interceptor := &chunkWriterInterceptor{conn: writer, writer: answerBuilder}
	if err := s.llmClient.StreamChatMessages(ctx, messages, nil, interceptor); err != nil {
		return fmt.Errorf("streaming answer: %w", err)
	}

	sendCompletion(writer)
	if answerBuilder.Len() > 0 {
		s.recordExchange(doc.ID, query, answerBuilder.String())
	}
	return nil
}

func (s *taskService) answerMessages(ctx context.Context, doc model.Document, query string, k int) ([]llm.Message, error) {
	if k == 0 {
		k = s.topK
	}
	if err := s.ensureIndexed(ctx, doc); err != nil {
		return nil, err
	}
	chunks, err := s.retriever.RetrieveTop(ctx, doc.ID, query, k)
	if err != nil {
		return nil, err
	}
	log.Infof("[TaskService] 文档 %s 检索到 %d 个相关分块", doc.ID, len(chunks))

	prompt, err := answerPrompt.Format(map[string]any{
		"context":  strings.Join(chunks, "\n\n"),
		"question": query,
	})
	if err != nil {
		return nil, fmt.Errorf("formatting answer prompt: %w", err)
	}
	return []llm.Message{{Role: "user", Content: prompt}}, nil
}

// completeStructured 格式化模板、请求结构化输出并解析到 dest。
// 解析或校验失败时追加澄清指令重试一次。
func (s *taskService) completeStructured(
	ctx context.Context,
	tmpl prompts.PromptTemplate,
	vars map[string]any,
	schema *llm.Schema,
	dest interface{},
	check func(text string) error,
) error {
	prompt, err := tmpl.Format(vars)
	if err != nil {
		return fmt.Errorf("formatting %s prompt: %w", schema.Name, err)
	}
	messages := []llm.Message{{Role: "user", Content: prompt}}
	opts := &llm.CompletionOptions{Schema: schema}

	var lastProblem error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := s.llmClient.Complete(ctx, messages, opts)
		if err != nil && !errors.Is(err, model.ErrMalformedModelOutput) {
			return fmt.Errorf("generating %s: %w", schema.Name, err)
		}
		if err == nil {
			err = decodeStrict(raw, dest)
			if err == nil && check != nil {
				err = check(stripFences(raw))
			}
			if err == nil {
				return nil
			}
		}
		lastProblem = err
		log.Warnf("[TaskService] 第 %d 次 %s 输出无法解析: %v", attempt+1, schema.Name, err)

		clarify, fmtErr := clarifyInstruction.Format(map[string]any{
			"problem": err.Error(),
			"keys":    strings.Join(schema.Root.Required, ", "),
		})
		if fmtErr != nil {
			return fmt.Errorf("formatting clarification: %w", fmtErr)
		}
		if raw != "" {
			messages = append(messages, llm.Message{Role: "assistant", Content: raw})
		}
		messages = append(messages, llm.Message{Role: "user", Content: clarify})
	}
	if errors.Is(lastProblem, model.ErrMalformedModelOutput) {
		return lastProblem
	}
	return fmt.Errorf("%w: %s: %v", model.ErrMalformedModelOutput, schema.Name, lastProblem)
}

// summaryKeys 只校验摘要的三个键都存在，值允许为空字符串。
type summaryKeys struct {
	Problem         *string `json:"problem" validate:"required"`
	Complications   *string `json:"complications" validate:"required"`
	Recommendations *string `json:"recommendations" validate:"required"`
}

func (s *taskService) checkSummaryKeys(text string) error {
	var keys summaryKeys
	if err := json.Unmarshal([]byte(text), &keys); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.validate.Struct(keys)
}

// stripFences 去掉 markdown 代码块包裹。
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	return text
}

// decodeStrict 解析模型输出的 JSON，容忍 markdown 代码块包裹。
func decodeStrict(raw string, dest interface{}) error {
	text := stripFences(raw)
	if text == "" {
		return errors.New("empty output")
	}
	// 清空上一次尝试留下的字段
	v := reflect.ValueOf(dest).Elem()
	v.Set(reflect.Zero(v.Type()))
	if err := json.Unmarshal([]byte(text), dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *taskService) cachedResult(ctx context.Context, documentID, kind string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, documentID, kind, dest)
	if err != nil {
		log.Warnf("[TaskService] 读取 %s 缓存失败: %v", kind, err)
		return false
	}
	return hit
}

func (s *taskService) storeResult(ctx context.Context, documentID, kind string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, documentID, kind, value); err != nil {
		log.Warnf("[TaskService] 写入 %s 缓存失败: %v", kind, err)
	}
}

func (s *taskService) recordExchange(documentID, question, answer string) {
	if s.history == nil {
		return
	}
	// 使用后台上下文，即使原始请求被取消也保存已生成的答案
	err := s.history.Append(context.Background(), documentID, model.QAExchange{
		Question:  question,
		Answer:    answer,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Errorf("[TaskService] 保存问答历史失败: %v", err)
	}
}

// chunkWriterInterceptor 包装下游 writer，捕获写入的增量并以 {"chunk": ...} 下发。
type chunkWriterInterceptor struct {
	conn   llm.MessageWriter
	writer *strings.Builder
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *chunkWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	w.writer.Write(data)
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(w llm.MessageWriter) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"timestamp": time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(notif)
	_ = w.WriteMessage(websocket.TextMessage, b)
}
