package repository

import (
	"context"
	"docqa-go/internal/model"

	"gorm.io/gorm"
)

// ChunkRepository 定义了对 document_chunks 表的数据操作接口。
type ChunkRepository interface {
	FindByDocument(ctx context.Context, documentID string) ([]model.ChunkRecord, error)
	ReplaceChunks(ctx context.Context, documentID string, records []model.ChunkRecord) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// FindByDocument 按分块序号返回该文档的所有分块记录。
func (r *chunkRepository) FindByDocument(ctx context.Context, documentID string) ([]model.ChunkRecord, error) {
	var records []model.ChunkRecord
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("ordinal asc").Find(&records).Error
	return records, err
}

// ReplaceChunks 在一个事务内删除旧分块并写入新分块。
func (r *chunkRepository) ReplaceChunks(ctx context.Context, documentID string, records []model.ChunkRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.ChunkRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		rows := make([]model.ChunkRecord, len(records))
		for i, rec := range records {
			rec.ID = 0
			rec.DocumentID = documentID
			rows[i] = rec
		}
		return tx.CreateInBatches(rows, 100).Error // 每100条记录一批
	})
}

// DeleteByDocument 删除该文档的所有分块记录。
func (r *chunkRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	return r.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&model.ChunkRecord{}).Error
}
