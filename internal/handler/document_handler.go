package handler

import (
	"docqa-go/internal/model"
	"docqa-go/internal/service"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService    service.DocumentService
	maxUploadSize int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService, maxUploadSize int64) *DocumentHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = 10 << 20
	}
	return &DocumentHandler{docService: docService, maxUploadSize: maxUploadSize}
}

// Upload 处理 multipart 文件上传，字段名为 file。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少上传文件", "data": nil})
		return
	}
	if fileHeader.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "文件过大", "data": nil})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		fail(c, "Upload: 打开上传文件", err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		fail(c, "Upload: 读取上传文件", err)
		return
	}

	result, err := h.docService.Upload(c.Request.Context(), fileHeader.Filename, data)
	if err != nil {
		fail(c, "Upload", err)
		return
	}
	ok(c, "文档上传成功", result)
}

// Get 返回文档状态。
func (h *DocumentHandler) Get(c *gin.Context) {
	record, err := h.docService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "GetDocument", err)
		return
	}
	ok(c, "获取文档成功", record)
}

// Delete 删除文档及其所有派生数据。
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.docService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, "DeleteDocument", err)
		return
	}
	ok(c, "文档删除成功", nil)
}

// Chunks 返回与查询最相关的分块，参数 q 与可选的 k。
func (h *DocumentHandler) Chunks(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少查询参数 q", "data": nil})
		return
	}
	k, err := parseK(c.Query("k"))
	if err != nil {
		fail(c, "Chunks", err)
		return
	}
	hits, err := h.docService.Chunks(c.Request.Context(), c.Param("id"), query, k)
	if err != nil {
		fail(c, "Chunks", err)
		return
	}
	ok(c, "检索成功", hits)
}

// History 返回文档的问答历史。
func (h *DocumentHandler) History(c *gin.Context) {
	history, err := h.docService.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "History", err)
		return
	}
	ok(c, "获取问答历史成功", history)
}

func parseK(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: k must be an integer", model.ErrInvalidConfiguration)
	}
	return k, nil
}
