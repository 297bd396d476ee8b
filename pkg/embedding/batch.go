package embedding

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultBatchSize   = 64
	defaultConcurrency = 4
)

type batchFunc func(ctx context.Context, inputs []string) ([][]float32, error)

// embedInBatches 将输入切分为多个批次并发向量化，结果按原始下标写回。
// 任一批次失败即取消其余批次并返回第一个错误。
func embedInBatches(ctx context.Context, texts []string, batchSize, concurrency int, fn batchFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for start := 0; start < len(texts); start += batchSize {
		start := start
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vectors, err := fn(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
