package service

import (
	"context"
	"crypto/md5"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/token"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// IngestQueue 异步投递入库任务，由 Kafka 生产者实现。
type IngestQueue interface {
	ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error
}

// UploadResult 是上传接口的返回值。
type UploadResult struct {
	Document *model.DocumentRecord `json:"document"`
	Token    string                `json:"token"`
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, fileName string, data []byte) (*UploadResult, error)
	Get(ctx context.Context, documentID string) (*model.DocumentRecord, error)
	Load(ctx context.Context, documentID string) (model.Document, error)
	Chunks(ctx context.Context, documentID, query string, k int) ([]model.SearchHit, error)
	History(ctx context.Context, documentID string) ([]model.QAExchange, error)
	Delete(ctx context.Context, documentID string) error
}

type documentService struct {
	docRepo     repository.DocumentRepository
	store       storage.ObjectStore
	processor   *pipeline.Processor
	coordinator *pipeline.Coordinator
	queue       IngestQueue
	jwtManager  *token.JWTManager
	cache       repository.ResultCache
	history     repository.QAHistoryRepository
	defaultK    int
}

// DocumentServiceDeps 汇总 DocumentService 的依赖。queue、cache、history 可以为 nil。
type DocumentServiceDeps struct {
	DocRepo     repository.DocumentRepository
	Store       storage.ObjectStore
	Processor   *pipeline.Processor
	Coordinator *pipeline.Coordinator
	Queue       IngestQueue
	JWTManager  *token.JWTManager
	Cache       repository.ResultCache
	History     repository.QAHistoryRepository
	DefaultK    int
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(deps DocumentServiceDeps) DocumentService {
	if deps.DefaultK <= 0 {
		deps.DefaultK = 1
	}
	return &documentService{
		docRepo:     deps.DocRepo,
		store:       deps.Store,
		processor:   deps.Processor,
		coordinator: deps.Coordinator,
		queue:       deps.Queue,
		jwtManager:  deps.JWTManager,
		cache:       deps.Cache,
		history:     deps.History,
		defaultK:    deps.DefaultK,
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename 去掉路径成分与不安全字符，只保留 ASCII 字母、数字、下划线、点和连字符。
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.Join(strings.Fields(strings.ReplaceAll(name, "/", " ")), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.TrimLeft(name, "._")
}

// DocumentIDFor 由清洗后的文件名与内容 MD5 推导出稳定的文档 ID。
func DocumentIDFor(safeName, fileMD5 string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("docqa:"+safeName+":"+fileMD5)).String()
}

// ContentMD5 返回内容的十六进制 MD5。
func ContentMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Upload 保存原始文件、创建文档记录，并同步或异步入库。
func (s *documentService) Upload(ctx context.Context, fileName string, data []byte) (*UploadResult, error) {
	safeName := SecureFilename(fileName)
	if safeName == "" {
		return nil, fmt.Errorf("%w: invalid file name %q", model.ErrInvalidConfiguration, fileName)
	}
	if !s.processor.Supports(safeName) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedFileType, filepath.Ext(safeName))
	}

	fileMD5 := ContentMD5(data)
	documentID := DocumentIDFor(safeName, fileMD5)
	objectName := fmt.Sprintf("documents/%s/%s", documentID, safeName)
	log.Infof("[DocumentService] 上传文档, FileName: %s, DocumentID: %s, Size: %d", safeName, documentID, len(data))

	contentType := mime.TypeByExtension(filepath.Ext(safeName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.Put(ctx, objectName, data, contentType); err != nil {
		return nil, err
	}

	record := &model.DocumentRecord{
		DocumentID: documentID,
		FileName:   safeName,
		FileMD5:    fileMD5,
		ObjectName: objectName,
		TotalSize:  int64(len(data)),
		Status:     model.DocumentStatusPending,
	}
	if err := s.docRepo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}

	task := tasks.IngestTask{DocumentID: documentID, FileName: safeName, ObjectName: objectName, FileMD5: fileMD5}
	if s.queue != nil {
		if err := s.queue.ProduceIngestTask(ctx, task); err != nil {
			return nil, fmt.Errorf("投递入库任务失败: %w", err)
		}
		log.Infof("[DocumentService] 入库任务已投递到 Kafka, DocumentID: %s", documentID)
	} else if err := s.processor.Process(ctx, task); err != nil {
		s.processor.Fail(ctx, task, err)
		return nil, err
	}

	// 同步入库后重新读取，返回最新状态
	if latest, err := s.docRepo.FindByDocumentID(ctx, documentID); err == nil {
		record = latest
	}
	return s.withToken(record)
}

func (s *documentService) withToken(record *model.DocumentRecord) (*UploadResult, error) {
	tok, err := s.jwtManager.GenerateDocumentToken(record.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("生成访问令牌失败: %w", err)
	}
	return &UploadResult{Document: record, Token: tok}, nil
}

// Get 返回文档记录。
func (s *documentService) Get(ctx context.Context, documentID string) (*model.DocumentRecord, error) {
	return s.docRepo.FindByDocumentID(ctx, documentID)
}

// Load 读取文档全文，入库失败的文档不可用于任务。
func (s *documentService) Load(ctx context.Context, documentID string) (model.Document, error) {
	record, err := s.docRepo.FindByDocumentID(ctx, documentID)
	if err != nil {
		return model.Document{}, err
	}
	if record.Status == model.DocumentStatusFailed {
		return model.Document{}, fmt.Errorf("%w: %s failed ingestion: %s", model.ErrDocumentNotIndexed, documentID, record.LastError)
	}
	return s.processor.LoadDocument(ctx, record.DocumentID, record.FileName, record.ObjectName)
}

// Chunks 返回与 query 最相关的分块及得分。
func (s *documentService) Chunks(ctx context.Context, documentID, query string, k int) ([]model.SearchHit, error) {
	if k == 0 {
		k = s.defaultK
	}
	return s.coordinator.Search(ctx, documentID, query, k)
}

// History 返回该文档的问答历史。
func (s *documentService) History(ctx context.Context, documentID string) ([]model.QAExchange, error) {
	if s.history == nil {
		return []model.QAExchange{}, nil
	}
	return s.history.List(ctx, documentID)
}

// Delete 删除文档的索引条目、分块记录、原始文件与缓存结果。
func (s *documentService) Delete(ctx context.Context, documentID string) error {
	record, err := s.docRepo.FindByDocumentID(ctx, documentID)
	if err != nil {
		return err
	}

	var errs []error
	if err := s.coordinator.Remove(ctx, documentID); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Remove(ctx, record.ObjectName); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, documentID); err != nil {
			errs = append(errs, err)
		}
	}
	if s.history != nil {
		if err := s.history.Delete(ctx, documentID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.docRepo.Delete(ctx, documentID); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("删除文档部分失败（documentID=%s）: %w", documentID, errors.Join(errs...))
	}
	log.Infof("[DocumentService] 文档 %s 已删除", documentID)
	return nil
}
