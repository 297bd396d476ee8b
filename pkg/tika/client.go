// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"context"
	"docqa-go/internal/config"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// 单个文档提取出的文本上限，超出部分截断。
const maxTextBytes = 32 << 20

// Client 是 Tika 服务器的客户端。
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient 创建 Tika 客户端，请求 PUT {server_url}/tika。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{
		endpoint:   strings.TrimRight(cfg.ServerURL, "/") + "/tika",
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// ExtractText 以纯文本形式返回 Tika 的解析结果，换行统一为 \n。
func (c *Client) ExtractText(ctx context.Context, fileReader io.Reader, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint, fileReader)
	if err != nil {
		return "", fmt.Errorf("创建 Tika 请求失败: %w", err)
	}
	req.Header.Set("Accept", "text/plain; charset=UTF-8")
	req.Header.Set("Content-Type", contentTypeFor(fileName))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Tika 无法解析 %s [%d]: %s", fileName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBytes))
	if err != nil {
		return "", fmt.Errorf("读取 Tika 响应失败: %w", err)
	}
	return normalize(string(raw)), nil
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}

// contentTypeFor 按扩展名推断 Content-Type，未知类型交给 Tika 自行探测。
func contentTypeFor(fileName string) string {
	if t := mime.TypeByExtension(filepath.Ext(fileName)); t != "" {
		return t
	}
	return "application/octet-stream"
}
