package pipeline

import (
	"docqa-go/internal/model"
	"fmt"
)

// Split 将文本按字符（rune）切分为带重叠的分块。
// 第 i 个分块从 i*(chunkSize-overlap) 开始，最多 chunkSize 个字符；最后一个分块可能不足 chunkSize。
// 空文本返回 nil。
func Split(text string, chunkSize, overlap int) ([]string, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", model.ErrInvalidConfiguration, chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", model.ErrInvalidConfiguration, chunkSize, overlap)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := chunkSize - overlap
	chunks := make([]string, 0, len(runes)/step+1)
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
