// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"docqa-go/internal/config"
	"docqa-go/pkg/log"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore 保存上传的原始文档。
type ObjectStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) error
	Get(ctx context.Context, objectName string) ([]byte, error)
	Remove(ctx context.Context, objectName string) error
}

// MinioStore 是 ObjectStore 的 MinIO 实现。
type MinioStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinioStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinioStore(ctx context.Context, cfg config.MinIOConfig) (*MinioStore, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", cfg.BucketName)
	}
	return &MinioStore{client: client, bucketName: cfg.BucketName}, nil
}

// Put 上传对象。
func (s *MinioStore) Put(ctx context.Context, objectName string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucketName, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// Get 读取整个对象。
func (s *MinioStore) Get(ctx context.Context, objectName string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("读取MinIO对象流失败: %w", err)
	}
	return data, nil
}

// Remove 删除对象，对象不存在时不报错。
func (s *MinioStore) Remove(ctx context.Context, objectName string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectName, err)
	}
	return nil
}
