package model

// EsDocument 定义了存储在 Elasticsearch 中的分块文档结构。
type EsDocument struct {
	VectorID     string    `json:"vector_id"` // 唯一标识：documentId + generation + ordinal
	DocumentID   string    `json:"document_id"`
	Ordinal      int       `json:"ordinal"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version,omitempty"`
	Generation   string    `json:"generation"` // 同一文档的每次入库对应一个新的 generation
}
