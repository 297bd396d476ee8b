package vectorindex

import (
	"context"
	"docqa-go/internal/model"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(docID string, vectors ...[]float32) []model.IndexEntry {
	out := make([]model.IndexEntry, len(vectors))
	for i, v := range vectors {
		out[i] = model.IndexEntry{DocumentID: docID, Ordinal: i, Text: fmt.Sprintf("%s-%d", docID, i), Vector: v}
	}
	return out
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	m, err = ParseMetric("dot")
	require.NoError(t, err)
	assert.Equal(t, MetricDot, m)

	_, err = ParseMetric("euclidean")
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestMetricScore(t *testing.T) {
	s, err := MetricCosine.score([]float32{1, 0}, []float32{2, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9)

	s, err = MetricCosine.score([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Zero(t, s)

	s, err = MetricDot.score([]float32{1, 2}, []float32{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 11.0, s, 1e-9)

	_, err = MetricCosine.score([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestMemorySearchRanksByScore(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", entries("a",
		[]float32{0, 1},
		[]float32{1, 0},
		[]float32{1, 1},
	)))

	hits, err := idx.Search(ctx, []float32{1, 0}, 3, "a")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []int{1, 2, 0}, []int{hits[0].Ordinal, hits[1].Ordinal, hits[2].Ordinal})
	assert.Equal(t, "a-1", hits[0].Text)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestMemorySearchTiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", entries("a",
		[]float32{1, 0},
		[]float32{2, 0},
		[]float32{0, 1},
		[]float32{3, 0},
	)))

	hits, err := idx.Search(ctx, []float32{1, 0}, 4, "a")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3, 2}, []int{hits[0].Ordinal, hits[1].Ordinal, hits[2].Ordinal, hits[3].Ordinal})
}

func TestMemorySearchK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", entries("a", []float32{1, 0}, []float32{0, 1})))

	for _, k := range []int{0, -1} {
		_, err := idx.Search(ctx, []float32{1, 0}, k, "a")
		assert.ErrorIs(t, err, model.ErrInvalidConfiguration, "k=%d", k)
	}

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, "a")
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = idx.Search(ctx, []float32{1, 0}, 1, "a")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMemorySearchIsolatesDocuments(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", entries("a", []float32{0, 1})))
	require.NoError(t, idx.Upsert(ctx, "b", entries("b", []float32{1, 0}, []float32{1, 0.1})))

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, "a")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a-0", hits[0].Text)

	hits, err = idx.Search(ctx, []float32{1, 0}, 10, "unknown")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", entries("a", []float32{1, 0}, []float32{0, 1})))
	require.NoError(t, idx.Upsert(ctx, "a", entries("a", []float32{1, 0}, []float32{0, 1})))

	n, err := idx.Count(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, idx.Upsert(ctx, "a", entries("a", []float32{1, 1})))
	hits, err := idx.Search(ctx, []float32{1, 0}, 100, "a")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMemoryUpsertRejectsForeignEntries(t *testing.T) {
	idx := NewMemoryIndex(MetricCosine)
	err := idx.Upsert(context.Background(), "a", entries("b", []float32{1}))
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)

	err = idx.Upsert(context.Background(), "", nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestMemoryUpsertCopiesVectors(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricDot)
	vec := []float32{1, 0}
	require.NoError(t, idx.Upsert(ctx, "a", entries("a", vec)))
	vec[0] = -5

	hits, err := idx.Search(ctx, []float32{1, 0}, 1, "a")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", entries("a", []float32{1, 0})))
	require.NoError(t, idx.Delete(ctx, "a"))

	n, err := idx.Count(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryConcurrentReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Upsert(ctx, "a", entries("a", []float32{1, 0}, []float32{0, 1})))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				hits, err := idx.Search(ctx, []float32{1, 0}, 5, "a")
				assert.NoError(t, err)
				// 任一时刻只能看到完整的一代数据
				assert.Contains(t, []int{2, 3}, len(hits))
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				var batch []model.IndexEntry
				if (i+j)%2 == 0 {
					batch = entries("a", []float32{1, 0}, []float32{0, 1})
				} else {
					batch = entries("a", []float32{1, 0}, []float32{0, 1}, []float32{1, 1})
				}
				assert.NoError(t, idx.Upsert(ctx, "a", batch))
			}
		}(i)
	}
	wg.Wait()
}
