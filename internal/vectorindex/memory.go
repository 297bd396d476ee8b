package vectorindex

import (
	"context"
	"docqa-go/internal/model"
	"sort"
	"sync"
)

var _ Index = (*MemoryIndex)(nil)

// MemoryIndex 是进程内的向量索引。每个文档的条目切片一旦写入即不可变，
// Upsert 先在锁外构建新切片，再在写锁内整体替换。
type MemoryIndex struct {
	metric Metric
	mu     sync.RWMutex
	docs   map[string][]model.IndexEntry
}

// NewMemoryIndex 创建内存索引。
func NewMemoryIndex(metric Metric) *MemoryIndex {
	return &MemoryIndex{metric: metric, docs: make(map[string][]model.IndexEntry)}
}

func (m *MemoryIndex) Upsert(_ context.Context, documentID string, entries []model.IndexEntry) error {
	if err := validateEntries(documentID, entries); err != nil {
		return err
	}
	snapshot := make([]model.IndexEntry, len(entries))
	for i, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		snapshot[i] = e
	}
	sort.SliceStable(snapshot, func(i, j int) bool { return snapshot[i].Ordinal < snapshot[j].Ordinal })

	m.mu.Lock()
	m.docs[documentID] = snapshot
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, query []float32, k int, documentID string) ([]model.SearchHit, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	m.mu.RLock()
	entries := m.docs[documentID]
	m.mu.RUnlock()

	hits := make([]model.SearchHit, 0, len(entries))
	for _, e := range entries {
		score, err := m.metric.score(query, e.Vector)
		if err != nil {
			return nil, err
		}
		hits = append(hits, model.SearchHit{Ordinal: e.Ordinal, Text: e.Text, Score: score})
	}
	return rank(hits, k), nil
}

func (m *MemoryIndex) Delete(_ context.Context, documentID string) error {
	m.mu.Lock()
	delete(m.docs, documentID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Count(_ context.Context, documentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[documentID]), nil
}
