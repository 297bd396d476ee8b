package vectorindex

import (
	"bytes"
	"context"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
)

var _ Index = (*ElasticIndex)(nil)

// ElasticIndex 使用 Elasticsearch dense_vector 字段做 kNN 检索。
// 每次 Upsert 写入一个新的 generation，成功后再删除旧 generation。
type ElasticIndex struct {
	client       *elasticsearch.Client
	indexName    string
	metric       Metric
	modelVersion string
}

// NewElasticIndex 创建 ES 索引后端，索引需已通过 es.EnsureIndex 创建。
func NewElasticIndex(client *elasticsearch.Client, indexName string, metric Metric, modelVersion string) *ElasticIndex {
	return &ElasticIndex{client: client, indexName: indexName, metric: metric, modelVersion: modelVersion}
}

// Similarity 返回与度量对应的 dense_vector similarity 设置。
func (m Metric) Similarity() string {
	if m == MetricDot {
		return "max_inner_product"
	}
	return "cosine"
}

// rawScore 将 ES 的 _score 还原为度量本身的取值。
func (m Metric) rawScore(esScore float64) float64 {
	if m == MetricDot {
		// max_inner_product: dot<0 时为 1/(1-dot)，否则为 dot+1
		if esScore < 1 {
			return 1 - 1/esScore
		}
		return esScore - 1
	}
	// cosine: (1+cos)/2
	return 2*esScore - 1
}

func (e *ElasticIndex) Upsert(ctx context.Context, documentID string, entries []model.IndexEntry) error {
	if err := validateEntries(documentID, entries); err != nil {
		return err
	}
	generation := uuid.NewString()
	log.Infof("[ElasticIndex] 写入文档 %s 的新 generation %s, 共 %d 个分块", documentID, generation, len(entries))

	if len(entries) > 0 {
		if err := e.bulkIndex(ctx, generation, entries); err != nil {
			// 清理写入了一半的新 generation，旧数据保持可见
			e.dropGeneration(ctx, documentID, generation)
			return err
		}
	}
	if err := e.deleteByQuery(ctx, generationQuery(documentID, generation, false)); err != nil {
		// 旧 generation 未能删除时同样撤回新 generation，避免新旧分块同时可见
		e.dropGeneration(ctx, documentID, generation)
		return fmt.Errorf("failed to remove previous generations of %s: %w", documentID, err)
	}
	return nil
}

func (e *ElasticIndex) dropGeneration(ctx context.Context, documentID, generation string) {
	if err := e.deleteByQuery(context.WithoutCancel(ctx), generationQuery(documentID, generation, true)); err != nil {
		log.Errorf("[ElasticIndex] 清理失败的 generation %s 出错: %v", generation, err)
	}
}

func (e *ElasticIndex) bulkIndex(ctx context.Context, generation string, entries []model.IndexEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		doc := model.EsDocument{
			VectorID:     fmt.Sprintf("%s_%s_%d", entry.DocumentID, generation, entry.Ordinal),
			DocumentID:   entry.DocumentID,
			Ordinal:      entry.Ordinal,
			TextContent:  entry.Text,
			Vector:       entry.Vector,
			ModelVersion: e.modelVersion,
			Generation:   generation,
		}
		meta := map[string]interface{}{"index": map[string]interface{}{"_index": e.indexName, "_id": doc.VectorID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{Body: &buf, Refresh: "true"}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("elasticsearch bulk request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("elasticsearch bulk returned %s: %s", res.Status(), string(body))
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, result := range item {
				if result.Error != nil {
					return fmt.Errorf("elasticsearch bulk item failed (status %d): %s", result.Status, result.Error.Reason)
				}
			}
		}
		return errors.New("elasticsearch bulk reported errors")
	}
	return nil
}

func (e *ElasticIndex) Search(ctx context.Context, query []float32, k int, documentID string) ([]model.SearchHit, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(knnQuery(query, k, documentID)); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.indexName),
		e.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s: %s", res.Status(), string(body))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsDocument `json:"_source"`
				Score  float64          `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		if h.Source.DocumentID != documentID {
			continue
		}
		hits = append(hits, model.SearchHit{
			Ordinal: h.Source.Ordinal,
			Text:    h.Source.TextContent,
			Score:   e.metric.rawScore(h.Score),
		})
	}
	return rank(hits, k), nil
}

func (e *ElasticIndex) Delete(ctx context.Context, documentID string) error {
	return e.deleteByQuery(ctx, map[string]interface{}{
		"term": map[string]interface{}{"document_id": documentID},
	})
}

func (e *ElasticIndex) Count(ctx context.Context, documentID string) (int, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}},
	})
	if err != nil {
		return 0, err
	}
	res, err := e.client.Count(
		e.client.Count.WithContext(ctx),
		e.client.Count.WithIndex(e.indexName),
		e.client.Count.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return 0, fmt.Errorf("elasticsearch count failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("elasticsearch count returned %s", res.Status())
	}
	var countResp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&countResp); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return countResp.Count, nil
}

func (e *ElasticIndex) deleteByQuery(ctx context.Context, query map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return err
	}
	res, err := e.client.DeleteByQuery(
		[]string{e.indexName},
		bytes.NewReader(body),
		e.client.DeleteByQuery.WithContext(ctx),
		e.client.DeleteByQuery.WithRefresh(true),
		e.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch delete_by_query failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("elasticsearch delete_by_query returned %s: %s", res.Status(), string(body))
	}
	return nil
}

// knnQuery 构建按 document_id 过滤的 kNN 查询。
// k 不能超过 num_candidates 的上限 10000，超出时按上限截断。
func knnQuery(vector []float32, k int, documentID string) map[string]interface{} {
	const maxCandidates = 10000
	if k > maxCandidates {
		k = maxCandidates
	}
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	if candidates > maxCandidates {
		candidates = maxCandidates
	}
	return map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": candidates,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"document_id": documentID},
			},
		},
		"size":    k,
		"_source": []string{"document_id", "ordinal", "text_content"},
	}
}

// generationQuery 匹配某文档指定 generation（match=true）或其余所有 generation（match=false）。
func generationQuery(documentID, generation string, match bool) map[string]interface{} {
	genTerm := map[string]interface{}{"term": map[string]interface{}{"generation": generation}}
	boolQuery := map[string]interface{}{
		"filter": []interface{}{
			map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}},
		},
	}
	if match {
		boolQuery["filter"] = append(boolQuery["filter"].([]interface{}), genTerm)
	} else {
		boolQuery["must_not"] = []interface{}{genTerm}
	}
	return map[string]interface{}{"bool": boolQuery}
}
