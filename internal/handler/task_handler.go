package handler

import (
	"docqa-go/internal/service"
	"net/http"

	"github.com/gin-gonic/gin"
)

// TaskHandler 负责摘要、实体抽取与问答接口。
type TaskHandler struct {
	docService  service.DocumentService
	taskService service.TaskService
}

// NewTaskHandler 创建一个新的 TaskHandler 实例。
func NewTaskHandler(docService service.DocumentService, taskService service.TaskService) *TaskHandler {
	return &TaskHandler{docService: docService, taskService: taskService}
}

// AnswerRequest 是问答接口的请求体。
type AnswerRequest struct {
	Question string `json:"question" binding:"required"`
	K        int    `json:"k"`
}

// Summary 生成文档摘要，data 中同时返回带展示标签的字段。
func (h *TaskHandler) Summary(c *gin.Context) {
	doc, err := h.docService.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Summary", err)
		return
	}
	summary, err := h.taskService.Summarize(c.Request.Context(), doc)
	if err != nil {
		fail(c, "Summary", err)
		return
	}
	ok(c, "摘要生成成功", gin.H{"summary": summary, "labeled": summary.Labeled()})
}

// Entities 抽取文档中的临床实体。
func (h *TaskHandler) Entities(c *gin.Context) {
	doc, err := h.docService.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Entities", err)
		return
	}
	entities, err := h.taskService.ExtractEntities(c.Request.Context(), doc)
	if err != nil {
		fail(c, "Entities", err)
		return
	}
	ok(c, "实体抽取成功", entities)
}

// Answer 基于检索到的分块回答问题。
func (h *TaskHandler) Answer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "请求参数错误: " + err.Error(), "data": nil})
		return
	}
	doc, err := h.docService.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Answer", err)
		return
	}
	answer, err := h.taskService.Answer(c.Request.Context(), doc, req.Question, req.K)
	if err != nil {
		fail(c, "Answer", err)
		return
	}
	ok(c, "回答生成成功", gin.H{"question": req.Question, "answer": answer})
}
