// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ok 写入统一的成功响应 {code, message, data}。
func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": message,
		"data":    data,
	})
}

// fail 将领域错误映射为 HTTP 状态码并写入统一的错误响应。
func fail(c *gin.Context, action string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s 失败: %v", action, err)
	} else {
		log.Warnf("%s 失败: %v", action, err)
	}
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    nil,
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidConfiguration):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrUnsupportedFileType):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, model.ErrDocumentNotFound):
		return http.StatusNotFound, "文档不存在"
	case errors.Is(err, model.ErrDocumentNotIndexed):
		return http.StatusConflict, "文档尚未完成入库"
	case errors.Is(err, model.ErrMalformedModelOutput):
		return http.StatusBadGateway, "模型返回的数据格式不正确"
	case model.IsRetryable(err):
		return http.StatusServiceUnavailable, "AI服务暂时不可用，请稍后重试"
	case errors.Is(err, model.ErrProviderConfiguration):
		return http.StatusInternalServerError, "AI服务配置错误"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}
