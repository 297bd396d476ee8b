package main

import (
	"context"
	"docqa-go/internal/config"
	"docqa-go/internal/handler"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/internal/service"
	"docqa-go/internal/vectorindex"
	"docqa-go/pkg/database"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/es"
	"docqa-go/pkg/kafka"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tika"
	"docqa-go/pkg/token"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	var seedDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configPath, seedDir)
		},
	}
	cmd.Flags().StringVar(&seedDir, "seed-dir", "initfile", "启动时导入的文档目录")
	return cmd
}

func serve(configPath, seedDir string) error {
	// 1. 初始化配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. 初始化日志记录器
	if err := log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库、Redis 与对象存储
	db, err := database.OpenMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		return err
	}
	rdb, err := database.OpenRedis(ctx, cfg.Database.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	store, err := storage.NewMinioStore(ctx, cfg.MinIO)
	if err != nil {
		return err
	}

	// 4. 初始化模型客户端
	embeddingClient, err := embedding.NewClient(ctx, cfg.Embedding)
	if err != nil {
		return err
	}
	defer closeClient("embedding", embeddingClient)
	llmClient, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	defer closeClient("llm", llmClient)

	// 5. 初始化 Repository 与向量索引
	docRepo := repository.NewDocumentRepository(db)
	chunkRepo := repository.NewChunkRepository(db)
	resultCache := repository.NewResultCache(rdb, time.Duration(cfg.Cache.ResultTTLHours)*time.Hour)
	history := repository.NewQAHistoryRepository(rdb, cfg.Cache.HistoryLimit)

	index, err := newIndex(ctx, cfg, embeddingClient.Model())
	if err != nil {
		return err
	}
	coordinator, err := pipeline.NewCoordinator(embeddingClient, index, chunkRepo, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return err
	}
	restoreIndex(ctx, coordinator, docRepo)

	// 6. 初始化文件处理管道 (Processor)
	var extractor pipeline.TextExtractor
	if cfg.Tika.ServerURL != "" {
		extractor = tika.NewClient(cfg.Tika)
	}
	processor := pipeline.NewProcessor(store, extractor, coordinator, docRepo, resultCache)

	// 7. 异步入库时启动 Kafka 生产者与后台消费者
	var queue service.IngestQueue
	if cfg.RAG.AsyncIngestion {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		queue = producer

		consumer := kafka.NewConsumer(
			kafka.NewReader(cfg.Kafka),
			processor,
			kafka.NewRedisAttemptCounter(rdb),
			cfg.Kafka.MaxAttempts,
			2*time.Second,
		)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("Kafka 消费者异常退出", err)
			}
		}()
	}

	// 8. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpireHours)
	documentService := service.NewDocumentService(service.DocumentServiceDeps{
		DocRepo:     docRepo,
		Store:       store,
		Processor:   processor,
		Coordinator: coordinator,
		Queue:       queue,
		JWTManager:  jwtManager,
		Cache:       resultCache,
		History:     history,
		DefaultK:    cfg.RAG.TopK,
	})
	taskService := service.NewTaskService(coordinator, llmClient, cfg.RAG.TopK,
		service.WithResultCache(resultCache),
		service.WithQAHistory(history),
	)

	// 8.1 导入种子目录：走标准上传流程，已入库则跳过
	go initSeedFiles(ctx, seedDir, documentService)

	// 9. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		DocService:    documentService,
		TaskService:   taskService,
		JWTManager:    jwtManager,
		MaxUploadSize: cfg.Server.MaxUploadSize,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP 服务监听失败: %w", err)
	case <-ctx.Done():
	}
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP 服务器关闭失败: %w", err)
	}
	log.Info("服务已优雅关闭")
	return nil
}

// closeClient 关闭持有连接的模型客户端（如 Gemini），其他实现直接跳过。
func closeClient(name string, client interface{}) bool {
	closer, ok := client.(io.Closer)
	if !ok {
		return false
	}
	if err := closer.Close(); err != nil {
		log.Warnf("关闭 %s 客户端失败: %v", name, err)
	}
	return true
}

// newIndex 按配置创建向量索引后端。
func newIndex(ctx context.Context, cfg *config.Config, modelVersion string) (vectorindex.Index, error) {
	metric, err := vectorindex.ParseMetric(cfg.RAG.Metric)
	if err != nil {
		return nil, err
	}
	if cfg.RAG.IndexBackend != "elasticsearch" {
		return vectorindex.NewMemoryIndex(metric), nil
	}
	client, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		return nil, fmt.Errorf("创建 Elasticsearch 客户端失败: %w", err)
	}
	if err := es.EnsureIndex(ctx, client, cfg.Elasticsearch.IndexName, cfg.Embedding.Dimensions, metric.Similarity()); err != nil {
		return nil, err
	}
	return vectorindex.NewElasticIndex(client, cfg.Elasticsearch.IndexName, metric, modelVersion), nil
}

// restoreIndex 用已入库文档的分块记录重建索引。
func restoreIndex(ctx context.Context, coordinator *pipeline.Coordinator, docRepo repository.DocumentRepository) {
	records, err := docRepo.FindByStatus(ctx, model.DocumentStatusIndexed)
	if err != nil {
		log.Errorf("读取已入库文档失败, 跳过索引恢复: %v", err)
		return
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.DocumentID
	}
	restored, err := coordinator.Restore(ctx, ids)
	if err != nil {
		log.Errorf("索引恢复中断: %v", err)
	}
	log.Infof("索引恢复完成: %d/%d 个文档", restored, len(ids))
}

// initSeedFiles 扫描目录下文件并通过标准上传流程导入（幂等）。
func initSeedFiles(ctx context.Context, dir string, docService service.DocumentService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("initSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("initSeedFiles: 读取文件失败: %s, err=%v", path, err)
			return nil
		}

		// 幂等检查：同名同内容且已入库则跳过
		id := service.DocumentIDFor(service.SecureFilename(info.Name()), service.ContentMD5(data))
		if record, err := docService.Get(ctx, id); err == nil && record.Status == model.DocumentStatusIndexed {
			log.Infof("initSeedFiles: 已存在，跳过: %s", info.Name())
			return nil
		}

		if _, err := docService.Upload(ctx, info.Name(), data); err != nil {
			log.Warnf("initSeedFiles: 导入失败: %s, err=%v", path, err)
			return nil
		}
		log.Infof("initSeedFiles: 导入完成: %s", info.Name())
		return nil
	})
	if walkErr != nil {
		log.Warnf("initSeedFiles: 遍历目录发生错误: %v", walkErr)
	}
}
