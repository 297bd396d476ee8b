package handler

import (
	"docqa-go/internal/middleware"
	"docqa-go/internal/service"
	"docqa-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// RouterDeps 汇总路由需要的服务。
type RouterDeps struct {
	DocService    service.DocumentService
	TaskService   service.TaskService
	JWTManager    *token.JWTManager
	MaxUploadSize int64
}

// NewRouter 创建路由引擎并注册所有 /api/v1 路由。
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	documentHandler := NewDocumentHandler(deps.DocService, deps.MaxUploadSize)
	taskHandler := NewTaskHandler(deps.DocService, deps.TaskService)
	streamHandler := NewStreamHandler(deps.DocService, deps.TaskService)

	apiV1 := r.Group("/api/v1")
	{
		// 上传无需令牌，响应中返回该文档的访问令牌
		apiV1.POST("/documents", documentHandler.Upload)

		// 文档路由组，需要文档访问令牌
		documents := apiV1.Group("/documents/:id")
		documents.Use(middleware.DocumentAuth(deps.JWTManager))
		{
			documents.GET("", documentHandler.Get)
			documents.DELETE("", documentHandler.Delete)
			documents.GET("/chunks", documentHandler.Chunks)
			documents.GET("/history", documentHandler.History)
			documents.POST("/summary", taskHandler.Summary)
			documents.POST("/entities", taskHandler.Entities)
			documents.POST("/answer", taskHandler.Answer)
			documents.GET("/answer/stream", streamHandler.Handle)
		}
	}
	return r
}
