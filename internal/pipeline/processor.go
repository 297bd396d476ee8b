// Package pipeline 定义了文档入库与检索的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// TextExtractor 从非纯文本文件中提取文本，由 Tika 客户端实现。
type TextExtractor interface {
	ExtractText(ctx context.Context, fileReader io.Reader, fileName string) (string, error)
}

// StatusRecorder 记录文档的入库状态。
type StatusRecorder interface {
	MarkIndexed(ctx context.Context, documentID string, chunkCount int) error
	MarkFailed(ctx context.Context, documentID string, cause error) error
}

// CacheInvalidator 在文档内容变化后清除缓存的任务结果。
type CacheInvalidator interface {
	Invalidate(ctx context.Context, documentID string) error
}

// Processor 封装了入库任务的所有依赖和逻辑。
type Processor struct {
	store       storage.ObjectStore
	extractor   TextExtractor
	coordinator *Coordinator
	status      StatusRecorder
	cache       CacheInvalidator
}

// NewProcessor 创建一个新的 Processor 实例。extractor 与 cache 可以为 nil。
func NewProcessor(
	store storage.ObjectStore,
	extractor TextExtractor,
	coordinator *Coordinator,
	status StatusRecorder,
	cache CacheInvalidator,
) *Processor {
	return &Processor{
		store:       store,
		extractor:   extractor,
		coordinator: coordinator,
		status:      status,
		cache:       cache,
	}
}

// IsPlainText 判断文件是否按纯文本直接读取。
func IsPlainText(fileName string) bool {
	return strings.EqualFold(filepath.Ext(fileName), ".txt")
}

// Supports 判断该文件类型能否被提取为文本。
func (p *Processor) Supports(fileName string) bool {
	return IsPlainText(fileName) || p.extractor != nil
}

// ExtractText 将原始文件内容转换为文本：.txt 直接解码，其他类型交给 Tika。
func (p *Processor) ExtractText(ctx context.Context, fileName string, data []byte) (string, error) {
	if IsPlainText(fileName) {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %s is not valid UTF-8 text", model.ErrUnsupportedFileType, fileName)
		}
		return string(data), nil
	}
	if p.extractor == nil {
		return "", fmt.Errorf("%w: %s", model.ErrUnsupportedFileType, filepath.Ext(fileName))
	}
	text, err := p.extractor.ExtractText(ctx, bytes.NewReader(data), fileName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrUnsupportedFileType, err)
	}
	return text, nil
}

// Process 是入库任务的主函数。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	log.Infof("[Processor] 开始处理文档, DocumentID: %s, FileName: %s", task.DocumentID, task.FileName)

	// 1. 从对象存储下载文件
	log.Infof("[Processor] 步骤1: 从对象存储下载文件, Object: %s", task.ObjectName)
	data, err := p.store.Get(ctx, task.ObjectName)
	if err != nil {
		log.Errorf("[Processor] 下载文件失败, Object: %s, Error: %v", task.ObjectName, err)
		return err
	}
	log.Infof("[Processor] 步骤1: 文件下载成功, 大小: %d字节", len(data))

	// 2. 提取文本
	text, err := p.ExtractText(ctx, task.FileName, data)
	if err != nil {
		log.Errorf("[Processor] 步骤2: 提取文本失败, FileName: %s, Error: %v", task.FileName, err)
		return err
	}
	log.Infof("[Processor] 步骤2: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 3. 切块、向量化并写入索引
	count, err := p.coordinator.Ingest(ctx, model.Document{ID: task.DocumentID, Name: task.FileName, Text: text})
	if err != nil {
		return err
	}

	// 4. 更新状态并清除旧结果
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, task.DocumentID); err != nil {
			log.Warnf("[Processor] 清除文档 %s 的缓存结果失败: %v", task.DocumentID, err)
		}
	}
	if err := p.status.MarkIndexed(ctx, task.DocumentID, count); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	log.Infof("[Processor] 文档处理成功完成, DocumentID: %s, 分块数: %d", task.DocumentID, count)
	return nil
}

// Fail 将文档标记为入库失败。
func (p *Processor) Fail(ctx context.Context, task tasks.IngestTask, cause error) {
	if err := p.status.MarkFailed(context.WithoutCancel(ctx), task.DocumentID, cause); err != nil {
		log.Errorf("[Processor] 标记文档 %s 失败状态出错: %v", task.DocumentID, err)
	}
}

// LoadDocument 从对象存储读取文档并提取文本，供任务层使用。
func (p *Processor) LoadDocument(ctx context.Context, documentID, fileName, objectName string) (model.Document, error) {
	data, err := p.store.Get(ctx, objectName)
	if err != nil {
		return model.Document{}, err
	}
	text, err := p.ExtractText(ctx, fileName, data)
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{ID: documentID, Name: fileName, Text: text}, nil
}
