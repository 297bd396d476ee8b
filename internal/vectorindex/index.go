// Package vectorindex 提供按文档 ID 过滤的向量相似度检索。
package vectorindex

import (
	"context"
	"docqa-go/internal/model"
	"fmt"
	"math"
	"sort"
)

// Index 存储 (向量, 分块文本, 文档 ID) 并支持按文档过滤的近邻检索。
type Index interface {
	// Upsert 用 entries 整体替换该文档已有的所有条目。
	Upsert(ctx context.Context, documentID string, entries []model.IndexEntry) error
	// Search 返回该文档中得分最高的至多 k 条结果，按得分降序、同分按分块序号升序。
	Search(ctx context.Context, query []float32, k int, documentID string) ([]model.SearchHit, error)
	// Delete 删除该文档的所有条目。
	Delete(ctx context.Context, documentID string) error
	// Count 返回该文档当前可见的条目数。
	Count(ctx context.Context, documentID string) (int, error)
}

// Metric 是构造时确定的相似度度量。
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// ParseMetric 解析配置中的度量名，空字符串视为 cosine。
func ParseMetric(name string) (Metric, error) {
	switch Metric(name) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricDot:
		return MetricDot, nil
	default:
		return "", fmt.Errorf("%w: unknown similarity metric %q", model.ErrInvalidConfiguration, name)
	}
}

func (m Metric) score(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: vector dimension mismatch (%d vs %d)", model.ErrInvalidConfiguration, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if m == MetricDot {
		return dot, nil
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

func validateK(k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", model.ErrInvalidConfiguration, k)
	}
	return nil
}

func validateEntries(documentID string, entries []model.IndexEntry) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", model.ErrInvalidConfiguration)
	}
	for _, e := range entries {
		if e.DocumentID != documentID {
			return fmt.Errorf("%w: entry for document %q passed to upsert of %q", model.ErrInvalidConfiguration, e.DocumentID, documentID)
		}
	}
	return nil
}

// rank 按得分降序排序，同分保持分块序号升序，并截断到 k 条。
func rank(hits []model.SearchHit, k int) []model.SearchHit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
