// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"context"
	"crypto/tls"
	"docqa-go/internal/config"
	"docqa-go/pkg/log"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
)

// NewClient 根据配置创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// EnsureIndex 检查索引是否存在，不存在则按向量维度与相似度创建。
func EnsureIndex(ctx context.Context, client *elasticsearch.Client, indexName string, dims int, similarity string) error {
	res, err := client.Indices.Exists([]string{indexName}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
	}

	mapping, err := json.Marshal(IndexMapping(dims, similarity))
	if err != nil {
		return err
	}
	res, err = client.Indices.Create(
		indexName,
		client.Indices.Create.WithContext(ctx),
		client.Indices.Create.WithBody(strings.NewReader(string(mapping))),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, string(body))
	}

	log.Infof("索引 '%s' 创建成功, dims=%d, similarity=%s", indexName, dims, similarity)
	return nil
}

// IndexMapping 返回分块索引的 mapping。
func IndexMapping(dims int, similarity string) map[string]interface{} {
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"vector_id":     map[string]interface{}{"type": "keyword"},
				"document_id":   map[string]interface{}{"type": "keyword"},
				"ordinal":       map[string]interface{}{"type": "integer"},
				"text_content":  map[string]interface{}{"type": "text"},
				"model_version": map[string]interface{}{"type": "keyword"},
				"generation":    map[string]interface{}{"type": "keyword"},
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       dims,
					"index":      true,
					"similarity": similarity,
				},
			},
		},
	}
}
