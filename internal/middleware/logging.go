// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"docqa-go/pkg/log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader 是请求 ID 使用的请求头与响应头。
const RequestIDHeader = "X-Request-ID"

// RequestLogger 是一个 Gin 中间件，记录每个请求的状态码、耗时与请求 ID。
// 请求体与响应体包含病历原文，不写入日志。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestID", requestID)
		c.Header(RequestIDHeader, requestID)

		// 处理请求
		c.Next()

		log.Infow("HTTP Request Log",
			"requestID", requestID,
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"responseSize", c.Writer.Size(),
		)
	}
}
