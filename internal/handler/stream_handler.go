package handler

import (
	"docqa-go/internal/service"
	"docqa-go/pkg/log"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// StreamHandler 负责 WebSocket 流式问答连接。
type StreamHandler struct {
	docService  service.DocumentService
	taskService service.TaskService
}

// NewStreamHandler 创建一个新的 StreamHandler。
func NewStreamHandler(docService service.DocumentService, taskService service.TaskService) *StreamHandler {
	return &StreamHandler{docService: docService, taskService: taskService}
}

// streamRequest 是一条问题消息，也接受纯文本消息。
type streamRequest struct {
	Question string `json:"question"`
	K        int    `json:"k"`
}

func parseStreamRequest(message []byte) streamRequest {
	var req streamRequest
	if len(message) > 0 && message[0] == '{' {
		if err := json.Unmarshal(message, &req); err == nil {
			return req
		}
	}
	return streamRequest{Question: strings.TrimSpace(string(message))}
}

// Handle 处理一个传入的 WebSocket 连接，每条文本消息是一个问题。
func (h *StreamHandler) Handle(c *gin.Context) {
	documentID := c.Param("id")
	doc, err := h.docService.Load(c.Request.Context(), documentID)
	if err != nil {
		fail(c, "AnswerStream", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，文档: %s", documentID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}
		req := parseStreamRequest(message)
		if req.Question == "" {
			writeJSON(conn, map[string]string{"error": "问题不能为空"})
			continue
		}

		err = h.taskService.AnswerStream(c.Request.Context(), doc, req.Question, req.K, conn)
		if err != nil {
			log.Errorf("处理流式响应失败: %v", err)
			_, message := statusFor(err)
			writeJSON(conn, map[string]string{"error": message})
			// 错误时也发送 completion 通知
			writeJSON(conn, map[string]interface{}{
				"type":      "completion",
				"status":    "error",
				"timestamp": time.Now().UnixMilli(),
			})
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) {
	b, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
