// Package model 定义了领域对象以及与数据库表对应的 Go 结构体。
package model

import (
	"time"

	"gorm.io/datatypes"
)

// Document 是一次上传得到的文档：稳定的 ID 加原始文本，加载后不可变。
type Document struct {
	ID   string
	Name string
	Text string
}

// IndexEntry 是存入向量索引的一条记录。
type IndexEntry struct {
	DocumentID string
	Ordinal    int
	Text       string
	Vector     []float32
}

// SearchHit 是一次过滤检索返回的结果。
type SearchHit struct {
	Ordinal int     `json:"ordinal"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// 文档状态
const (
	DocumentStatusPending = 0
	DocumentStatusIndexed = 1
	DocumentStatusFailed  = 2
)

// DocumentRecord 定义了 documents 表的 ORM 模型，记录每个上传文档的元数据和入库状态。
type DocumentRecord struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"documentId"`
	FileName   string     `gorm:"type:varchar(255);not null" json:"fileName"`
	FileMD5    string     `gorm:"type:varchar(32);not null" json:"fileMd5"`
	ObjectName string     `gorm:"type:varchar(255);not null" json:"-"`
	TotalSize  int64      `gorm:"not null" json:"totalSize"`
	Status     int        `gorm:"type:tinyint;not null;default:0" json:"status"`
	ChunkCount int        `gorm:"not null;default:0" json:"chunkCount"`
	LastError  string     `gorm:"type:varchar(512)" json:"lastError,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	IndexedAt  *time.Time `gorm:"default:null" json:"indexedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DocumentRecord) TableName() string {
	return "documents"
}

// ChunkRecord 对应 document_chunks 表，持久化 IndexEntry，以文档 ID 加分块序号为键。
type ChunkRecord struct {
	ID           uint                         `gorm:"primaryKey;autoIncrement"`
	DocumentID   string                       `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_ordinal"`
	Ordinal      int                          `gorm:"not null;uniqueIndex:idx_doc_ordinal"`
	TextContent  string                       `gorm:"type:text"`
	Vector       datatypes.JSONSlice[float32] `gorm:"type:json"`
	ModelVersion string                       `gorm:"type:varchar(64)"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChunkRecord) TableName() string {
	return "document_chunks"
}
