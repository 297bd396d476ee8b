package model

import "errors"

// 领域错误。调用方通过 errors.Is 判断错误类别，决定是否重试以及如何向用户展示。
var (
	// ErrInvalidConfiguration 表示 chunk/overlap/k 等参数非法，属于调用方错误，不应重试。
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrRetryableEmbedding 表示向量化服务的临时故障（网络、超时、限流、5xx）。
	ErrRetryableEmbedding = errors.New("retryable embedding error")

	// ErrRetryableGeneration 表示生成模型的临时故障。
	ErrRetryableGeneration = errors.New("retryable generation error")

	// ErrProviderConfiguration 表示凭证或模型名错误，需要运维介入，不应重试。
	ErrProviderConfiguration = errors.New("provider configuration error")

	// ErrDocumentNotIndexed 表示在文档完成入库之前发起了检索。
	ErrDocumentNotIndexed = errors.New("document not indexed")

	// ErrMalformedModelOutput 表示模型返回的数据不符合请求的结构。
	ErrMalformedModelOutput = errors.New("malformed model output")

	// ErrDocumentNotFound 表示文档记录不存在。
	ErrDocumentNotFound = errors.New("document not found")

	// ErrUnsupportedFileType 表示上传的文件类型无法解析为文本。
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// IsRetryable 判断错误是否为可重试的上游临时故障。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryableEmbedding) || errors.Is(err, ErrRetryableGeneration)
}
