// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
	"docqa-go/pkg/tasks"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// TaskProcessor 处理入库任务。Fail 在任务不再重试时调用。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
	Fail(ctx context.Context, task tasks.IngestTask, cause error)
}

// Producer 发送入库任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceIngestTask 发送一个入库任务，以文档 ID 作为 key 保证同一文档的任务有序。
func (p *Producer) ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// MessageReader 是 kafka.Reader 中消费者用到的部分。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AttemptCounter 记录每个任务的失败次数，进程重启后依然有效。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// RedisAttemptCounter 是 AttemptCounter 的 Redis 实现。
type RedisAttemptCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAttemptCounter 创建基于 Redis 的失败计数器。
func NewRedisAttemptCounter(rdb *redis.Client) *RedisAttemptCounter {
	return &RedisAttemptCounter{rdb: rdb, ttl: 24 * time.Hour}
}

func (c *RedisAttemptCounter) Incr(ctx context.Context, key string) (int64, error) {
	attempts, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, c.ttl).Err()
	return attempts, nil
}

func (c *RedisAttemptCounter) Reset(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Consumer 消费入库任务。可重试的错误在本地退避重试，其余错误立即提交并标记失败。
type Consumer struct {
	reader      MessageReader
	processor   TaskProcessor
	attempts    AttemptCounter
	maxAttempts int64
	backoff     time.Duration
}

// NewReader 按配置创建 kafka.Reader。
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
}

// NewConsumer 创建消费者。
func NewConsumer(reader MessageReader, processor TaskProcessor, attempts AttemptCounter, maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{
		reader:      reader,
		processor:   processor,
		attempts:    attempts,
		maxAttempts: int64(maxAttempts),
		backoff:     backoff,
	}
}

// Run 循环消费消息直到 ctx 结束或读取失败。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}
		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		if err := c.handle(ctx, m); err != nil {
			// 只有 ctx 结束时才会返回错误，此时不提交 offset，重启后重新投递
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// handle 处理一条消息，返回 nil 表示可以提交 offset。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	var task tasks.IngestTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.DocumentID == "" {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return nil
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.DocumentID)
	for {
		log.Infof("开始处理入库任务: DocumentID=%s, FileName=%s", task.DocumentID, task.FileName)
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("入库任务处理成功: DocumentID=%s", task.DocumentID)
			_ = c.attempts.Reset(ctx, attemptsKey)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !model.IsRetryable(err) {
			log.Errorf("入库任务失败且不可重试, 提交 offset: DocumentID=%s, Error: %v", task.DocumentID, err)
			c.processor.Fail(ctx, task, err)
			_ = c.attempts.Reset(ctx, attemptsKey)
			return nil
		}

		attempts, incErr := c.attempts.Incr(ctx, attemptsKey)
		if incErr != nil {
			log.Errorf("记录失败次数出错: %v", incErr)
			attempts = c.maxAttempts
		}
		if attempts >= c.maxAttempts {
			log.Errorf("入库任务多次失败(>=%d)，提交 offset 终止重试: DocumentID=%s", c.maxAttempts, task.DocumentID)
			c.processor.Fail(ctx, task, err)
			_ = c.attempts.Reset(ctx, attemptsKey)
			return nil
		}

		wait := c.backoff * time.Duration(attempts)
		log.Warnf("入库任务临时失败, 第 %d 次, %s 后重试: DocumentID=%s, Error: %v", attempts, wait, task.DocumentID, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
