package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 缓存的结果类型
const (
	ResultKindSummary  = "summary"
	ResultKindEntities = "entities"
)

// ResultCache 缓存每个文档的摘要与实体抽取结果，避免重复调用模型。
type ResultCache interface {
	Get(ctx context.Context, documentID, kind string, dest interface{}) (bool, error)
	Set(ctx context.Context, documentID, kind string, value interface{}) error
	Invalidate(ctx context.Context, documentID string) error
}

type redisResultCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewResultCache 创建一个新的 ResultCache 实例。
func NewResultCache(redisClient *redis.Client, ttl time.Duration) ResultCache {
	return &redisResultCache{redisClient: redisClient, ttl: ttl}
}

func resultKey(documentID, kind string) string {
	return fmt.Sprintf("result:%s:%s", documentID, kind)
}

// Get 读取缓存并反序列化到 dest，未命中时返回 false。
func (r *redisResultCache) Get(ctx context.Context, documentID, kind string, dest interface{}) (bool, error) {
	data, err := r.redisClient.Get(ctx, resultKey(documentID, kind)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cached %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", kind, err)
	}
	return true, nil
}

// Set 写入缓存。
func (r *redisResultCache) Set(ctx context.Context, documentID, kind string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	if err := r.redisClient.Set(ctx, resultKey(documentID, kind), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache %s: %w", kind, err)
	}
	return nil
}

// Invalidate 清除该文档的全部缓存结果，文档重新入库或删除时调用。
func (r *redisResultCache) Invalidate(ctx context.Context, documentID string) error {
	return r.redisClient.Del(ctx,
		resultKey(documentID, ResultKindSummary),
		resultKey(documentID, ResultKindEntities),
	).Err()
}
