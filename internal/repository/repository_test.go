package repository

import (
	"context"
	"docqa-go/internal/model"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.DocumentRecord{}, &model.ChunkRecord{}))
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestChunkRepositoryReplace(t *testing.T) {
	ctx := context.Background()
	repo := NewChunkRepository(newTestDB(t))

	first := []model.ChunkRecord{
		{DocumentID: "doc-1", Ordinal: 1, TextContent: "b", Vector: []float32{0, 1}, ModelVersion: "m1"},
		{DocumentID: "doc-1", Ordinal: 0, TextContent: "a", Vector: []float32{1, 0}, ModelVersion: "m1"},
	}
	require.NoError(t, repo.ReplaceChunks(ctx, "doc-1", first))
	require.NoError(t, repo.ReplaceChunks(ctx, "doc-2", []model.ChunkRecord{{Ordinal: 0, TextContent: "other"}}))

	rows, err := repo.FindByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].TextContent)
	assert.Equal(t, []float32{1, 0}, []float32(rows[0].Vector))

	require.NoError(t, repo.ReplaceChunks(ctx, "doc-1", []model.ChunkRecord{{Ordinal: 0, TextContent: "new"}}))
	rows, err = repo.FindByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].TextContent)
	assert.Equal(t, "doc-1", rows[0].DocumentID)

	// 替换为空等价于清空
	require.NoError(t, repo.ReplaceChunks(ctx, "doc-1", nil))
	rows, err = repo.FindByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, repo.DeleteByDocument(ctx, "doc-2"))
	rows, err = repo.FindByDocument(ctx, "doc-2")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDocumentRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	_, err := repo.FindByDocumentID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrDocumentNotFound)

	rec := &model.DocumentRecord{DocumentID: "doc-1", FileName: "note.txt", FileMD5: "abc", ObjectName: "documents/doc-1/note.txt", TotalSize: 10}
	require.NoError(t, repo.Create(ctx, rec))

	require.NoError(t, repo.MarkIndexed(ctx, "doc-1", 4))
	got, err := repo.FindByDocumentID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusIndexed, got.Status)
	assert.Equal(t, 4, got.ChunkCount)
	assert.NotNil(t, got.IndexedAt)

	indexed, err := repo.FindByStatus(ctx, model.DocumentStatusIndexed)
	require.NoError(t, err)
	require.Len(t, indexed, 1)

	require.NoError(t, repo.MarkFailed(ctx, "doc-1", errors.New("provider down")))
	got, err = repo.FindByDocumentID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusFailed, got.Status)
	assert.Equal(t, "provider down", got.LastError)

	// 超长的中文错误按字符边界截断
	require.NoError(t, repo.MarkFailed(ctx, "doc-1", errors.New(strings.Repeat("向量化失败", 100))))
	got, err = repo.FindByDocumentID(ctx, "doc-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.LastError), 500)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.True(t, strings.HasPrefix(got.LastError, "向量化失败"))

	// 重复上传同一文档会重置状态
	again := &model.DocumentRecord{DocumentID: "doc-1", FileName: "note.txt", FileMD5: "abc", ObjectName: "documents/doc-1/note.txt", TotalSize: 10}
	require.NoError(t, repo.Create(ctx, again))
	got, err = repo.FindByDocumentID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusPending, got.Status)
	assert.Equal(t, rec.ID, got.ID)

	require.NoError(t, repo.Delete(ctx, "doc-1"))
	_, err = repo.FindByDocumentID(ctx, "doc-1")
	assert.ErrorIs(t, err, model.ErrDocumentNotFound)

	assert.ErrorIs(t, repo.MarkIndexed(ctx, "doc-1", 1), model.ErrDocumentNotFound)
}

func TestResultCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	cache := NewResultCache(client, time.Hour)

	var summary model.Summary
	hit, err := cache.Get(ctx, "doc-1", ResultKindSummary, &summary)
	require.NoError(t, err)
	assert.False(t, hit)

	want := model.Summary{Problem: "pneumonia", Complications: "sepsis", Recommendations: "antibiotics"}
	require.NoError(t, cache.Set(ctx, "doc-1", ResultKindSummary, want))
	require.NoError(t, cache.Set(ctx, "doc-1", ResultKindEntities, model.Entities{ChiefComplaint: "cough"}))

	hit, err = cache.Get(ctx, "doc-1", ResultKindSummary, &summary)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, summary)

	mr.FastForward(2 * time.Hour)
	hit, err = cache.Get(ctx, "doc-1", ResultKindSummary, &summary)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Set(ctx, "doc-1", ResultKindSummary, want))
	require.NoError(t, cache.Invalidate(ctx, "doc-1"))
	assert.False(t, mr.Exists("result:doc-1:summary"))
	assert.False(t, mr.Exists("result:doc-1:entities"))
}

func TestQAHistoryKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	repo := NewQAHistoryRepository(client, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, "doc-1", model.QAExchange{
			Question: fmt.Sprintf("q%d", i),
			Answer:   fmt.Sprintf("a%d", i),
		}))
	}

	history, err := repo.List(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "q2", history[0].Question)
	assert.Equal(t, "a4", history[2].Answer)

	empty, err := repo.List(ctx, "doc-2")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, repo.Delete(ctx, "doc-1"))
	history, err = repo.List(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
