package repository

import (
	"context"
	"docqa-go/internal/model"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// QAHistoryRepository 定义了文档问答历史的操作接口。
type QAHistoryRepository interface {
	Append(ctx context.Context, documentID string, exchange model.QAExchange) error
	List(ctx context.Context, documentID string) ([]model.QAExchange, error)
	Delete(ctx context.Context, documentID string) error
}

type redisQAHistoryRepository struct {
	redisClient *redis.Client
	limit       int
}

// NewQAHistoryRepository 创建一个新的 QAHistoryRepository 实例，只保留最近 limit 条。
func NewQAHistoryRepository(redisClient *redis.Client, limit int) QAHistoryRepository {
	if limit <= 0 {
		limit = 20
	}
	return &redisQAHistoryRepository{redisClient: redisClient, limit: limit}
}

func historyKey(documentID string) string {
	return fmt.Sprintf("qa_history:%s", documentID)
}

// Append 追加一条问答记录并裁剪到上限。
func (r *redisQAHistoryRepository) Append(ctx context.Context, documentID string, exchange model.QAExchange) error {
	data, err := json.Marshal(exchange)
	if err != nil {
		return fmt.Errorf("failed to marshal qa exchange: %w", err)
	}
	key := historyKey(documentID)
	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-r.limit), -1)
		pipe.Expire(ctx, key, 7*24*time.Hour)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append qa history: %w", err)
	}
	return nil
}

// List 按时间顺序返回该文档的问答历史。
func (r *redisQAHistoryRepository) List(ctx context.Context, documentID string) ([]model.QAExchange, error) {
	items, err := r.redisClient.LRange(ctx, historyKey(documentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get qa history: %w", err)
	}
	history := make([]model.QAExchange, 0, len(items))
	for _, item := range items {
		var exchange model.QAExchange
		if err := json.Unmarshal([]byte(item), &exchange); err != nil {
			return nil, fmt.Errorf("failed to unmarshal qa history: %w", err)
		}
		history = append(history, exchange)
	}
	return history, nil
}

// Delete 删除该文档的问答历史。
func (r *redisQAHistoryRepository) Delete(ctx context.Context, documentID string) error {
	return r.redisClient.Del(ctx, historyKey(documentID)).Err()
}
