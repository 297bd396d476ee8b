// Package repository 定义了与数据库和 Redis 进行数据交换的接口和实现。
package repository

import (
	"context"
	"docqa-go/internal/model"
	"docqa-go/pkg/apierr"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DocumentRepository 接口定义了文档记录的持久化操作。
type DocumentRepository interface {
	Create(ctx context.Context, record *model.DocumentRecord) error
	FindByDocumentID(ctx context.Context, documentID string) (*model.DocumentRecord, error)
	FindByStatus(ctx context.Context, status int) ([]model.DocumentRecord, error)
	MarkIndexed(ctx context.Context, documentID string, chunkCount int) error
	MarkFailed(ctx context.Context, documentID string, cause error) error
	Delete(ctx context.Context, documentID string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 创建文档记录。相同 document_id 已存在时重置为待处理状态并更新元数据。
func (r *documentRepository) Create(ctx context.Context, record *model.DocumentRecord) error {
	existing, err := r.FindByDocumentID(ctx, record.DocumentID)
	if errors.Is(err, model.ErrDocumentNotFound) {
		return r.db.WithContext(ctx).Create(record).Error
	}
	if err != nil {
		return err
	}
	record.ID = existing.ID
	record.CreatedAt = existing.CreatedAt
	return r.db.WithContext(ctx).Save(record).Error
}

// FindByDocumentID 根据文档 ID 检索记录，不存在时返回 model.ErrDocumentNotFound。
func (r *documentRepository) FindByDocumentID(ctx context.Context, documentID string) (*model.DocumentRecord, error) {
	var record model.DocumentRecord
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByStatus 查找指定状态的所有文档，用于启动时恢复索引。
func (r *documentRepository) FindByStatus(ctx context.Context, status int) ([]model.DocumentRecord, error) {
	var records []model.DocumentRecord
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("id asc").Find(&records).Error
	return records, err
}

// MarkIndexed 将文档标记为已入库。
func (r *documentRepository) MarkIndexed(ctx context.Context, documentID string, chunkCount int) error {
	now := time.Now()
	return r.updates(ctx, documentID, map[string]interface{}{
		"status":      model.DocumentStatusIndexed,
		"chunk_count": chunkCount,
		"last_error":  "",
		"indexed_at":  &now,
	})
}

// MarkFailed 将文档标记为入库失败并记录原因。
func (r *documentRepository) MarkFailed(ctx context.Context, documentID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = apierr.Truncate(cause.Error(), 500)
	}
	return r.updates(ctx, documentID, map[string]interface{}{
		"status":     model.DocumentStatusFailed,
		"last_error": msg,
	})
}

func (r *documentRepository) updates(ctx context.Context, documentID string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.DocumentRecord{}).Where("document_id = ?", documentID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrDocumentNotFound, documentID)
	}
	return nil
}

// Delete 删除文档记录。
func (r *documentRepository) Delete(ctx context.Context, documentID string) error {
	return r.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&model.DocumentRecord{}).Error
}
