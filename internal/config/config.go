// Package config 负责加载和管理应用程序的配置。
package config

import (
	"docqa-go/internal/model"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	RAG           RAGConfig           `mapstructure:"rag"`
	Cache         CacheConfig         `mapstructure:"cache"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port          string `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置，serve 命令必须提供。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储文档访问令牌的配置。
type JWTConfig struct {
	Secret           string `mapstructure:"secret"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider          string  `mapstructure:"provider"` // openai | gemini
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	Dimensions        int     `mapstructure:"dimensions"`
	BatchSize         int     `mapstructure:"batch_size"`
	Concurrency       int     `mapstructure:"concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider          string              `mapstructure:"provider"` // openai | gemini
	APIKey            string              `mapstructure:"api_key"`
	BaseURL           string              `mapstructure:"base_url"`
	Model             string              `mapstructure:"model"`
	RequestsPerSecond float64             `mapstructure:"requests_per_second"`
	TimeoutSeconds    int                 `mapstructure:"timeout_seconds"`
	Generation        LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// RAGConfig 配置切块、检索与索引后端。
type RAGConfig struct {
	ChunkSize      int    `mapstructure:"chunk_size"`
	ChunkOverlap   int    `mapstructure:"chunk_overlap"`
	TopK           int    `mapstructure:"top_k"`
	IndexBackend   string `mapstructure:"index_backend"` // memory | elasticsearch
	Metric         string `mapstructure:"metric"`        // cosine | dot
	AsyncIngestion bool   `mapstructure:"async_ingestion"`
}

// CacheConfig 配置 Redis 中结果缓存与问答历史。
type CacheConfig struct {
	ResultTTLHours int `mapstructure:"result_ttl_hours"`
	HistoryLimit   int `mapstructure:"history_limit"`
}

// 默认值与原始应用保持一致。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8900")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_size", 10<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("jwt.token_expire_hours", 24)
	v.SetDefault("kafka.group_id", "docqa-ingest")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("elasticsearch.index_name", "document_chunks")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-ada-002")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.timeout_seconds", 30)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4")
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("rag.chunk_size", 2000)
	v.SetDefault("rag.chunk_overlap", 50)
	v.SetDefault("rag.top_k", 1)
	v.SetDefault("rag.index_backend", "memory")
	v.SetDefault("rag.metric", "cosine")
	v.SetDefault("cache.result_ttl_hours", 24)
	v.SetDefault("cache.history_limit", 20)
}

// 允许通过环境变量或 .env 覆盖的敏感配置项。
var secretKeys = []string{
	"embedding.api_key",
	"llm.api_key",
	"jwt.secret",
	"minio.secret_access_key",
	"elasticsearch.password",
	"database.mysql.dsn",
	"database.redis.password",
}

// Load 从指定路径读取 YAML 配置，并依次叠加默认值、环境变量（DOCQA_ 前缀）与 .env 文件。
// configPath 为空或文件不存在时只使用默认值与环境覆盖。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	// .env 只读取，不写回进程环境
	if env, err := godotenv.Read(); err == nil {
		for _, key := range secretKeys {
			envKey := "DOCQA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if val, ok := env[envKey]; ok && val != "" {
				v.Set(key, val)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验 RAG 相关参数。
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("%w: rag.chunk_size must be positive, got %d", model.ErrInvalidConfiguration, c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("%w: rag.chunk_overlap must be in [0, %d), got %d", model.ErrInvalidConfiguration, c.RAG.ChunkSize, c.RAG.ChunkOverlap)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("%w: rag.top_k must be positive, got %d", model.ErrInvalidConfiguration, c.RAG.TopK)
	}
	switch c.RAG.IndexBackend {
	case "memory", "elasticsearch":
	default:
		return fmt.Errorf("%w: unknown rag.index_backend %q", model.ErrInvalidConfiguration, c.RAG.IndexBackend)
	}
	switch c.RAG.Metric {
	case "cosine", "dot":
	default:
		return fmt.Errorf("%w: unknown rag.metric %q", model.ErrInvalidConfiguration, c.RAG.Metric)
	}
	if c.RAG.AsyncIngestion && c.Kafka.Brokers == "" {
		return fmt.Errorf("%w: rag.async_ingestion requires kafka.brokers", model.ErrInvalidConfiguration)
	}
	return nil
}
