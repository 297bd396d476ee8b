package pipeline

import (
	"context"
	"docqa-go/internal/model"
	"docqa-go/internal/vectorindex"
	"docqa-go/pkg/log"
	"fmt"
	"sync"
	"unicode/utf8"
)

// Embedder 是协调器对向量化模型的最小依赖。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// ChunkStore 持久化分块文本与向量，用于重启后恢复索引。
type ChunkStore interface {
	FindByDocument(ctx context.Context, documentID string) ([]model.ChunkRecord, error)
	ReplaceChunks(ctx context.Context, documentID string, records []model.ChunkRecord) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// Coordinator 负责 切块 -> 向量化 -> 写入索引，以及按文档检索。
type Coordinator struct {
	embedder     Embedder
	index        vectorindex.Index
	chunks       ChunkStore
	chunkSize    int
	chunkOverlap int

	mu      sync.Mutex
	locks   map[string]*docLock
	indexed map[string]struct{}
}

// NewCoordinator 创建检索协调器。chunks 为 nil 时不做分块持久化。
func NewCoordinator(embedder Embedder, index vectorindex.Index, chunks ChunkStore, chunkSize, chunkOverlap int) (*Coordinator, error) {
	if chunkSize <= 0 || chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", model.ErrInvalidConfiguration, chunkSize, chunkOverlap)
	}
	return &Coordinator{
		embedder:     embedder,
		index:        index,
		chunks:       chunks,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		locks:        make(map[string]*docLock),
		indexed:      make(map[string]struct{}),
	}, nil
}

// docLock 是单个文档的读写锁，refs 为持有或等待该锁的调用数，归零后从 map 中移除。
type docLock struct {
	sync.RWMutex
	refs int
}

func (c *Coordinator) acquire(documentID string) *docLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[documentID]
	if !ok {
		l = &docLock{}
		c.locks[documentID] = l
	}
	l.refs++
	return l
}

func (c *Coordinator) release(documentID string, l *docLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, documentID)
	}
}

// IsIndexed 报告该文档是否已成功入库。
func (c *Coordinator) IsIndexed(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.indexed[documentID]
	return ok
}

func (c *Coordinator) setIndexed(documentID string, indexed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if indexed {
		c.indexed[documentID] = struct{}{}
	} else {
		delete(c.indexed, documentID)
	}
}

// Ingest 切块、批量向量化并整体替换该文档的索引条目，返回分块数。
// 任一步骤失败时，该文档之前的索引状态保持不变。
func (c *Coordinator) Ingest(ctx context.Context, doc model.Document) (int, error) {
	if doc.ID == "" {
		return 0, fmt.Errorf("%w: empty document id", model.ErrInvalidConfiguration)
	}
	l := c.acquire(doc.ID)
	defer c.release(doc.ID, l)
	l.Lock()
	defer l.Unlock()

	log.Infof("[Coordinator] 开始入库文档 %s, 文本长度: %d 字符", doc.ID, utf8.RuneCountInString(doc.Text))

	// 1. 切块
	chunks, err := Split(doc.Text, c.chunkSize, c.chunkOverlap)
	if err != nil {
		return 0, err
	}
	log.Infof("[Coordinator] 步骤1: 文本分块完成, 共 %d 个分块 (chunkSize: %d, chunkOverlap: %d)", len(chunks), c.chunkSize, c.chunkOverlap)

	// 2. 向量化，全部成功后才开始写入
	vectors, err := c.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		log.Errorf("[Coordinator] 步骤2: 文档 %s 向量化失败: %v", doc.ID, err)
		return 0, fmt.Errorf("embedding chunks of %s: %w", doc.ID, err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("%w: %d vectors for %d chunks", model.ErrMalformedModelOutput, len(vectors), len(chunks))
	}
	log.Infof("[Coordinator] 步骤2: 向量化完成, 共 %d 个向量", len(vectors))

	entries := make([]model.IndexEntry, len(chunks))
	for i, text := range chunks {
		entries[i] = model.IndexEntry{DocumentID: doc.ID, Ordinal: i, Text: text, Vector: vectors[i]}
	}

	// 3. 持久化分块，索引写入失败时回滚为旧记录
	var previous []model.ChunkRecord
	if c.chunks != nil {
		previous, err = c.chunks.FindByDocument(ctx, doc.ID)
		if err != nil {
			return 0, fmt.Errorf("loading existing chunks of %s: %w", doc.ID, err)
		}
		if err := c.chunks.ReplaceChunks(ctx, doc.ID, c.chunkRecords(entries)); err != nil {
			log.Errorf("[Coordinator] 步骤3: 保存文档 %s 的分块失败: %v", doc.ID, err)
			return 0, fmt.Errorf("persisting chunks of %s: %w", doc.ID, err)
		}
	}

	// 4. 写入向量索引
	if err := c.index.Upsert(ctx, doc.ID, entries); err != nil {
		log.Errorf("[Coordinator] 步骤4: 写入向量索引失败, 文档 %s: %v", doc.ID, err)
		if c.chunks != nil {
			if rbErr := c.chunks.ReplaceChunks(context.WithoutCancel(ctx), doc.ID, previous); rbErr != nil {
				log.Errorf("[Coordinator] 回滚文档 %s 的分块记录失败: %v", doc.ID, rbErr)
			}
		}
		return 0, fmt.Errorf("indexing chunks of %s: %w", doc.ID, err)
	}

	c.setIndexed(doc.ID, true)
	log.Infof("[Coordinator] 文档 %s 入库完成, 共 %d 个分块", doc.ID, len(entries))
	return len(entries), nil
}

func (c *Coordinator) chunkRecords(entries []model.IndexEntry) []model.ChunkRecord {
	records := make([]model.ChunkRecord, len(entries))
	for i, e := range entries {
		records[i] = model.ChunkRecord{
			DocumentID:   e.DocumentID,
			Ordinal:      e.Ordinal,
			TextContent:  e.Text,
			Vector:       e.Vector,
			ModelVersion: c.embedder.Model(),
		}
	}
	return records
}

// RetrieveTop 返回与 query 最相关的至多 k 个分块文本，按相关度降序。
func (c *Coordinator) RetrieveTop(ctx context.Context, documentID, query string, k int) ([]string, error) {
	hits, err := c.Search(ctx, documentID, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	return texts, nil
}

// Search 与 RetrieveTop 相同，但保留分块序号与得分。
func (c *Coordinator) Search(ctx context.Context, documentID, query string, k int) ([]model.SearchHit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", model.ErrInvalidConfiguration, k)
	}
	l := c.acquire(documentID)
	defer c.release(documentID, l)
	l.RLock()
	defer l.RUnlock()

	if !c.IsIndexed(documentID) {
		return nil, fmt.Errorf("%w: %s", model.ErrDocumentNotIndexed, documentID)
	}
	queryVector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := c.index.Search(ctx, queryVector, k, documentID)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", documentID, err)
	}
	log.Debugf("[Coordinator] 文档 %s 检索到 %d 个分块 (k=%d)", documentID, len(hits), k)
	return hits, nil
}

// Remove 删除该文档的索引条目与分块记录。
func (c *Coordinator) Remove(ctx context.Context, documentID string) error {
	l := c.acquire(documentID)
	defer c.release(documentID, l)
	l.Lock()
	defer l.Unlock()

	if err := c.index.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("removing %s from index: %w", documentID, err)
	}
	c.setIndexed(documentID, false)
	if c.chunks != nil {
		if err := c.chunks.DeleteByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("removing chunks of %s: %w", documentID, err)
		}
	}
	log.Infof("[Coordinator] 文档 %s 已从索引中移除", documentID)
	return nil
}

// Restore 从持久化的分块记录重建给定文档的索引，返回恢复的文档数。
// 单个文档恢复失败只记录日志，不影响其他文档。
func (c *Coordinator) Restore(ctx context.Context, documentIDs []string) (int, error) {
	if c.chunks == nil {
		return 0, nil
	}
	restored := 0
	for _, id := range documentIDs {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		records, err := c.chunks.FindByDocument(ctx, id)
		if err != nil {
			log.Errorf("[Coordinator] 读取文档 %s 的分块记录失败: %v", id, err)
			continue
		}
		entries := make([]model.IndexEntry, 0, len(records))
		stale := false
		for _, r := range records {
			if r.ModelVersion != "" && r.ModelVersion != c.embedder.Model() {
				stale = true
				break
			}
			entries = append(entries, model.IndexEntry{DocumentID: id, Ordinal: r.Ordinal, Text: r.TextContent, Vector: r.Vector})
		}
		if stale {
			log.Warnf("[Coordinator] 文档 %s 的向量来自其他模型, 需重新入库", id)
			continue
		}

		l := c.acquire(id)
		l.Lock()
		err = c.index.Upsert(ctx, id, entries)
		if err == nil {
			c.setIndexed(id, true)
		}
		l.Unlock()
		c.release(id, l)
		if err != nil {
			log.Errorf("[Coordinator] 恢复文档 %s 的索引失败: %v", id, err)
			continue
		}
		restored++
	}
	log.Infof("[Coordinator] 索引恢复完成, 共恢复 %d/%d 个文档", restored, len(documentIDs))
	return restored, nil
}
