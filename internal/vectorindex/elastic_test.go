package vectorindex

import (
	"bufio"
	"context"
	"docqa-go/internal/model"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeES 记录收到的请求，并按路径返回固定响应。
type fakeES struct {
	mu           sync.Mutex
	bulkDocs     []model.EsDocument
	deleteBodies []map[string]interface{}
	searchBody   map[string]interface{}
	bulkFails    bool
	purgeFails   bool
	searchResp   string
}

func (f *fakeES) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.HasSuffix(r.URL.Path, "/_bulk"):
			scanner := bufio.NewScanner(r.Body)
			scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
			line := 0
			for scanner.Scan() {
				if line%2 == 1 {
					var doc model.EsDocument
					assert.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
					f.bulkDocs = append(f.bulkDocs, doc)
				}
				line++
			}
			if f.bulkFails {
				_, _ = w.Write([]byte(`{"errors":true,"items":[{"index":{"status":400,"error":{"reason":"mapper_parsing_exception"}}}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"errors":false,"items":[]}`))
		case strings.HasSuffix(r.URL.Path, "/_delete_by_query"):
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.deleteBodies = append(f.deleteBodies, body)
			query, _ := body["query"].(map[string]interface{})
			boolQuery, _ := query["bool"].(map[string]interface{})
			if _, purge := boolQuery["must_not"]; purge && f.purgeFails {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"search_phase_execution_exception"}`))
				return
			}
			_, _ = w.Write([]byte(`{"deleted":0}`))
		case strings.HasSuffix(r.URL.Path, "/_search"):
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.searchBody))
			_, _ = w.Write([]byte(f.searchResp))
		case strings.HasSuffix(r.URL.Path, "/_count"):
			_, _ = w.Write([]byte(`{"count":3}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{}`))
		}
	}
}

func newFakeElastic(t *testing.T, f *fakeES, metric Metric) *ElasticIndex {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewElasticIndex(client, "document_chunks", metric, "text-embedding-ada-002")
}

func TestMetricRawScore(t *testing.T) {
	// cosine: _score = (1+cos)/2
	assert.InDelta(t, 1.0, MetricCosine.rawScore(1.0), 1e-9)
	assert.InDelta(t, 0.0, MetricCosine.rawScore(0.5), 1e-9)
	assert.InDelta(t, -1.0, MetricCosine.rawScore(0.0), 1e-9)

	// max_inner_product: dot>=0 -> dot+1, dot<0 -> 1/(1-dot)
	assert.InDelta(t, 3.0, MetricDot.rawScore(4.0), 1e-9)
	assert.InDelta(t, -1.0, MetricDot.rawScore(0.5), 1e-9)
	assert.Equal(t, "max_inner_product", MetricDot.Similarity())
	assert.Equal(t, "cosine", MetricCosine.Similarity())
}

func TestKnnQueryFiltersByDocument(t *testing.T) {
	q := knnQuery([]float32{0.1, 0.2}, 3, "doc-1")
	knn := q["knn"].(map[string]interface{})
	assert.Equal(t, 3, knn["k"])
	assert.Equal(t, 100, knn["num_candidates"])
	assert.Equal(t, map[string]interface{}{"term": map[string]interface{}{"document_id": "doc-1"}}, knn["filter"])
	assert.Equal(t, 3, q["size"])

	big := knnQuery(nil, 5000, "doc-1")["knn"].(map[string]interface{})
	assert.Equal(t, 10000, big["num_candidates"])
	assert.Equal(t, 5000, big["k"])

	// k 超过候选上限时被截断，ES 不允许 k > num_candidates
	huge := knnQuery(nil, 20000, "doc-1")
	hugeKnn := huge["knn"].(map[string]interface{})
	assert.Equal(t, 10000, hugeKnn["k"])
	assert.Equal(t, 10000, hugeKnn["num_candidates"])
	assert.Equal(t, 10000, huge["size"])
}

func TestGenerationQuery(t *testing.T) {
	only := generationQuery("doc-1", "g1", true)["bool"].(map[string]interface{})
	assert.Len(t, only["filter"], 2)
	assert.NotContains(t, only, "must_not")

	others := generationQuery("doc-1", "g1", false)["bool"].(map[string]interface{})
	assert.Len(t, others["filter"], 1)
	assert.Len(t, others["must_not"], 1)
}

func TestElasticUpsertWritesGenerationThenRemovesOld(t *testing.T) {
	f := &fakeES{}
	idx := newFakeElastic(t, f, MetricCosine)

	err := idx.Upsert(context.Background(), "doc-1", entries("doc-1", []float32{1, 0}, []float32{0, 1}))
	require.NoError(t, err)

	require.Len(t, f.bulkDocs, 2)
	gen := f.bulkDocs[0].Generation
	assert.NotEmpty(t, gen)
	assert.Equal(t, gen, f.bulkDocs[1].Generation)
	assert.Equal(t, "doc-1", f.bulkDocs[1].DocumentID)
	assert.Equal(t, 1, f.bulkDocs[1].Ordinal)
	assert.Equal(t, "text-embedding-ada-002", f.bulkDocs[0].ModelVersion)

	require.Len(t, f.deleteBodies, 1)
	boolQuery := f.deleteBodies[0]["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.Contains(t, boolQuery, "must_not")
}

func TestElasticUpsertFailureKeepsPreviousGeneration(t *testing.T) {
	f := &fakeES{bulkFails: true}
	idx := newFakeElastic(t, f, MetricCosine)

	err := idx.Upsert(context.Background(), "doc-1", entries("doc-1", []float32{1, 0}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")

	// 只清理新写入的 generation，不触碰旧数据
	require.Len(t, f.deleteBodies, 1)
	boolQuery := f.deleteBodies[0]["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.NotContains(t, boolQuery, "must_not")
	assert.Len(t, boolQuery["filter"], 2)
}

func TestElasticUpsertRemovesNewGenerationWhenPurgeFails(t *testing.T) {
	f := &fakeES{purgeFails: true}
	idx := newFakeElastic(t, f, MetricCosine)

	err := idx.Upsert(context.Background(), "doc-1", entries("doc-1", []float32{1, 0}, []float32{0, 1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous generations")

	require.Len(t, f.bulkDocs, 2)
	gen := f.bulkDocs[0].Generation

	// 先尝试删除旧 generation，失败后撤回刚写入的 generation
	require.Len(t, f.deleteBodies, 2)
	purge := f.deleteBodies[0]["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.Contains(t, purge, "must_not")
	cleanup := f.deleteBodies[1]["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.NotContains(t, cleanup, "must_not")
	assert.Contains(t, cleanup["filter"], map[string]interface{}{"term": map[string]interface{}{"generation": gen}})
}

func TestElasticSearch(t *testing.T) {
	f := &fakeES{searchResp: `{"hits":{"hits":[
		{"_score":0.75,"_source":{"document_id":"doc-1","ordinal":2,"text_content":"c"}},
		{"_score":1.0,"_source":{"document_id":"doc-1","ordinal":0,"text_content":"a"}},
		{"_score":0.75,"_source":{"document_id":"doc-1","ordinal":1,"text_content":"b"}},
		{"_score":0.99,"_source":{"document_id":"doc-2","ordinal":0,"text_content":"other"}}
	]}}`}
	idx := newFakeElastic(t, f, MetricCosine)

	hits, err := idx.Search(context.Background(), []float32{1, 0}, 2, "doc-1")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Text)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, 1, hits[1].Ordinal)
	assert.InDelta(t, 0.5, hits[1].Score, 1e-9)

	knn := f.searchBody["knn"].(map[string]interface{})
	assert.EqualValues(t, 2, knn["k"])

	_, err = idx.Search(context.Background(), []float32{1, 0}, 0, "doc-1")
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestElasticCountAndDelete(t *testing.T) {
	f := &fakeES{}
	idx := newFakeElastic(t, f, MetricCosine)

	n, err := idx.Count(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, idx.Delete(context.Background(), "doc-1"))
	require.Len(t, f.deleteBodies, 1)
	assert.Equal(t,
		map[string]interface{}{"term": map[string]interface{}{"document_id": "doc-1"}},
		f.deleteBodies[0]["query"])
}
