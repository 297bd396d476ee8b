package pipeline

import (
	"context"
	"docqa-go/internal/model"
	"docqa-go/internal/vectorindex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vocabulary = []string{"antibiotic", "pneumonia", "smoker", "fever", "cough", "insulin", "surgery"}

// keywordEmbedder 按词表统计关键词出现次数作为向量，结果可预测。
type keywordEmbedder struct {
	mu        sync.Mutex
	calls     int
	failBatch error
	failQuery error
}

func (e *keywordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, len(vocabulary)+1)
	for i, w := range vocabulary {
		v[i] = float32(strings.Count(lower, w))
	}
	v[len(vocabulary)] = 0.01
	return v
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.failQuery != nil {
		return nil, e.failQuery
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.failBatch != nil {
		return nil, e.failBatch
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) Model() string { return "keyword-v1" }

// memoryChunkStore 是 ChunkStore 的内存实现。
type memoryChunkStore struct {
	mu          sync.Mutex
	rows        map[string][]model.ChunkRecord
	failReplace bool
}

func newMemoryChunkStore() *memoryChunkStore {
	return &memoryChunkStore{rows: make(map[string][]model.ChunkRecord)}
}

func (s *memoryChunkStore) FindByDocument(_ context.Context, documentID string) ([]model.ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChunkRecord(nil), s.rows[documentID]...), nil
}

func (s *memoryChunkStore) ReplaceChunks(_ context.Context, documentID string, records []model.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReplace {
		return errors.New("db down")
	}
	s.rows[documentID] = append([]model.ChunkRecord(nil), records...)
	return nil
}

func (s *memoryChunkStore) DeleteByDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, documentID)
	return nil
}

// failingIndex 在 Upsert 时返回错误，其余操作委托给内存索引。
type failingIndex struct {
	*vectorindex.MemoryIndex
	fail bool
}

func (f *failingIndex) Upsert(ctx context.Context, documentID string, entries []model.IndexEntry) error {
	if f.fail {
		return errors.New("index unavailable")
	}
	return f.MemoryIndex.Upsert(ctx, documentID, entries)
}

const clinicalNote = "Patient presents with fever and productive cough. " +
	"Chest film consistent with pneumonia. " +
	"Started on IV antibiotic therapy with ceftriaxone. " +
	"Former smoker, quit ten years ago."

func newTestCoordinator(t *testing.T, chunkSize, overlap int) (*Coordinator, *keywordEmbedder) {
	t.Helper()
	emb := &keywordEmbedder{}
	c, err := NewCoordinator(emb, vectorindex.NewMemoryIndex(vectorindex.MetricCosine), nil, chunkSize, overlap)
	require.NoError(t, err)
	return c, emb
}

func TestNewCoordinatorRejectsBadChunking(t *testing.T) {
	_, err := NewCoordinator(&keywordEmbedder{}, vectorindex.NewMemoryIndex(vectorindex.MetricCosine), nil, 10, 10)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestIngestAndRetrieveTop(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 60, 10)

	n, err := c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.NoError(t, err)
	assert.Greater(t, n, 1)
	assert.True(t, c.IsIndexed("note-1"))

	top, err := c.RetrieveTop(ctx, "note-1", "which antibiotic was given?", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Contains(t, top[0], "antibiotic")

	all, err := c.RetrieveTop(ctx, "note-1", "smoker", 100)
	require.NoError(t, err)
	assert.Len(t, all, n)
	assert.Contains(t, all[0], "smoker")
}

func TestRetrieveTopBeforeIngest(t *testing.T) {
	c, emb := newTestCoordinator(t, 60, 10)
	_, err := c.RetrieveTop(context.Background(), "missing", "anything", 1)
	assert.ErrorIs(t, err, model.ErrDocumentNotIndexed)
	assert.Zero(t, emb.calls)
}

func TestRetrieveTopRejectsNonPositiveK(t *testing.T) {
	ctx := context.Background()
	c, emb := newTestCoordinator(t, 60, 10)
	_, err := c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.NoError(t, err)
	callsAfterIngest := emb.calls

	_, err = c.RetrieveTop(ctx, "note-1", "fever", 0)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	assert.Equal(t, callsAfterIngest, emb.calls)
}

func TestIngestEmptyDocument(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 60, 10)

	n, err := c.Ingest(ctx, model.Document{ID: "empty", Text: ""})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, c.IsIndexed("empty"))

	top, err := c.RetrieveTop(ctx, "empty", "fever", 3)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestIngestIsIsolatedPerDocument(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 2000, 50)
	_, err := c.Ingest(ctx, model.Document{ID: "a", Text: "Insulin sliding scale started."})
	require.NoError(t, err)
	_, err = c.Ingest(ctx, model.Document{ID: "b", Text: "Antibiotic course completed."})
	require.NoError(t, err)

	top, err := c.RetrieveTop(ctx, "a", "antibiotic", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Insulin sliding scale started."}, top)
}

func TestReingestReplacesChunks(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 60, 10)
	_, err := c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.NoError(t, err)

	n, err := c.Ingest(ctx, model.Document{ID: "note-1", Text: "Surgery scheduled."})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	top, err := c.RetrieveTop(ctx, "note-1", "antibiotic", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Surgery scheduled."}, top)
}

func TestIngestEmbeddingFailureKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	c, emb := newTestCoordinator(t, 60, 10)

	emb.failBatch = model.ErrRetryableEmbedding
	_, err := c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	assert.ErrorIs(t, err, model.ErrRetryableEmbedding)
	assert.False(t, c.IsIndexed("note-1"))

	emb.failBatch = nil
	_, err = c.Ingest(ctx, model.Document{ID: "note-1", Text: "Fever resolved."})
	require.NoError(t, err)

	emb.failBatch = model.ErrProviderConfiguration
	_, err = c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	assert.ErrorIs(t, err, model.ErrProviderConfiguration)
	assert.True(t, c.IsIndexed("note-1"))

	top, err := c.RetrieveTop(ctx, "note-1", "fever", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fever resolved."}, top)
}

func TestIngestIndexFailureRollsBackChunks(t *testing.T) {
	ctx := context.Background()
	store := newMemoryChunkStore()
	idx := &failingIndex{MemoryIndex: vectorindex.NewMemoryIndex(vectorindex.MetricCosine)}
	c, err := NewCoordinator(&keywordEmbedder{}, idx, store, 60, 10)
	require.NoError(t, err)

	_, err = c.Ingest(ctx, model.Document{ID: "note-1", Text: "Fever resolved."})
	require.NoError(t, err)

	idx.fail = true
	_, err = c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.Error(t, err)

	rows, err := store.FindByDocument(ctx, "note-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Fever resolved.", rows[0].TextContent)
	assert.Equal(t, "keyword-v1", rows[0].ModelVersion)
}

func TestIngestPersistFailureLeavesIndexUntouched(t *testing.T) {
	ctx := context.Background()
	store := newMemoryChunkStore()
	c, err := NewCoordinator(&keywordEmbedder{}, vectorindex.NewMemoryIndex(vectorindex.MetricCosine), store, 60, 10)
	require.NoError(t, err)

	store.failReplace = true
	_, err = c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.Error(t, err)
	assert.False(t, c.IsIndexed("note-1"))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := newMemoryChunkStore()
	c, err := NewCoordinator(&keywordEmbedder{}, vectorindex.NewMemoryIndex(vectorindex.MetricCosine), store, 60, 10)
	require.NoError(t, err)
	_, err = c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.NoError(t, err)

	require.NoError(t, c.Remove(ctx, "note-1"))
	assert.False(t, c.IsIndexed("note-1"))
	rows, _ := store.FindByDocument(ctx, "note-1")
	assert.Empty(t, rows)

	_, err = c.RetrieveTop(ctx, "note-1", "fever", 1)
	assert.ErrorIs(t, err, model.ErrDocumentNotIndexed)
}

func TestDocumentLocksAreReleased(t *testing.T) {
	ctx := context.Background()
	c, err := NewCoordinator(&keywordEmbedder{}, vectorindex.NewMemoryIndex(vectorindex.MetricCosine), newMemoryChunkStore(), 60, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("note-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Ingest(ctx, model.Document{ID: id, Text: clinicalNote})
			assert.NoError(t, err)
			_, err = c.RetrieveTop(ctx, id, "fever", 1)
			assert.NoError(t, err)
			assert.NoError(t, c.Remove(ctx, id))
		}()
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.locks)
}

func TestRestoreRebuildsIndexFromChunks(t *testing.T) {
	ctx := context.Background()
	store := newMemoryChunkStore()
	first, err := NewCoordinator(&keywordEmbedder{}, vectorindex.NewMemoryIndex(vectorindex.MetricCosine), store, 60, 10)
	require.NoError(t, err)
	_, err = first.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.NoError(t, err)

	// 模拟进程重启：新的协调器与空索引共享同一份持久化记录
	second, err := NewCoordinator(&keywordEmbedder{}, vectorindex.NewMemoryIndex(vectorindex.MetricCosine), store, 60, 10)
	require.NoError(t, err)
	assert.False(t, second.IsIndexed("note-1"))

	n, err := second.Restore(ctx, []string{"note-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, second.IsIndexed("note-1"))

	top, err := second.RetrieveTop(ctx, "note-1", "antibiotic", 1)
	require.NoError(t, err)
	assert.Contains(t, top[0], "antibiotic")
}

func TestConcurrentIngestAndRetrieve(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, 60, 10)
	_, err := c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := c.Ingest(ctx, model.Document{ID: "note-1", Text: clinicalNote})
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				top, err := c.RetrieveTop(ctx, "note-1", "antibiotic", 1)
				assert.NoError(t, err)
				if assert.Len(t, top, 1) {
					assert.Contains(t, top[0], "antibiotic")
				}
			}
		}()
	}
	wg.Wait()
}
