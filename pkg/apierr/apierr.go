// Package apierr 将上游模型服务（embedding / LLM）的失败归类为可重试或配置错误。
package apierr

import (
	"context"
	"docqa-go/internal/model"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBodyInError 限制写入错误信息的响应体长度
const maxBodyInError = 512

// Truncate 将 s 截断到至多 maxBytes 字节，不拆开多字节字符。
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FromStatus 根据 HTTP 状态码归类错误。retryable 为调用方所属的可重试类别。
func FromStatus(code int, body string, retryable error) error {
	if len(body) > maxBodyInError {
		body = Truncate(body, maxBodyInError) + "…"
	}
	cause := fmt.Errorf("upstream returned status %d: %s", code, strings.TrimSpace(body))
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: %w", retryable, cause)
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound, code == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", model.ErrProviderConfiguration, cause)
	default:
		return cause
	}
}

// FromTransport 归类网络层错误：连接失败与超时可重试，调用方主动取消原样返回。
func FromTransport(err error, retryable error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", retryable, err)
}

// FromGoogle 归类 Google API（REST 或 gRPC）返回的错误。
func FromGoogle(err error, retryable error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code == http.StatusTooManyRequests || gErr.Code >= 500 {
			return fmt.Errorf("%w: %w", retryable, err)
		}
		if gErr.Code >= 400 {
			return fmt.Errorf("%w: %w", model.ErrProviderConfiguration, err)
		}
		return err
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return fmt.Errorf("%w: %w", retryable, err)
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
			return fmt.Errorf("%w: %w", model.ErrProviderConfiguration, err)
		}
	}
	return FromTransport(err, retryable)
}

// MissingKey 在未配置 API Key 时返回配置错误。
func MissingKey(provider string) error {
	return fmt.Errorf("%w: %s api key is not configured", model.ErrProviderConfiguration, provider)
}
