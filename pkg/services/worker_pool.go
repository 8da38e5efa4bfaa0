package services

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPoolConfig bounds how many work items run at once.
type WorkerPoolConfig struct {
	MaxConcurrent int
}

// DefaultWorkerPoolConfig returns the default bound. Work items here are
// whole categories, so a small number already saturates the remote API.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxConcurrent: 4,
	}
}

// WorkerPool runs independent work items with bounded parallelism.
type WorkerPool struct {
	config WorkerPoolConfig
	logger *zap.Logger
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultWorkerPoolConfig().MaxConcurrent
	}
	return &WorkerPool{
		config: config,
		logger: logger.Named("worker-pool"),
	}
}

// WorkItem is a single unit of work with a stable identifier.
type WorkItem[T any] struct {
	ID      string
	Execute func(ctx context.Context) (T, error)
}

// WorkResult carries the outcome of one work item.
type WorkResult[T any] struct {
	ID     string
	Result T
	Err    error
}

// Process executes all items and returns their results in completion
// order. Items that never acquire a worker slot before ctx is cancelled
// complete with ctx.Err().
func Process[T any](ctx context.Context, pool *WorkerPool, items []WorkItem[T], onProgress func(completed, total int)) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	sem := make(chan struct{}, pool.config.MaxConcurrent)
	resultsChan := make(chan WorkResult[T], len(items))
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		go func(item WorkItem[T]) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsChan <- WorkResult[T]{ID: item.ID, Err: ctx.Err()}
				return
			}

			result, err := item.Execute(ctx)
			resultsChan <- WorkResult[T]{ID: item.ID, Result: result, Err: err}
		}(item)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]WorkResult[T], 0, len(items))
	completed := 0
	for result := range resultsChan {
		completed++
		if result.Err != nil {
			pool.logger.Warn("work item failed",
				zap.String("id", result.ID),
				zap.Error(result.Err))
		}
		results = append(results, result)
		if onProgress != nil {
			onProgress(completed, len(items))
		}
	}
	return results
}
