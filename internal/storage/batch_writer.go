package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchInserter writes one batch of items to the backing store.
type BatchInserter[T any] interface {
	InsertBatch(ctx context.Context, items []T) error
}

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// BatchWriter buffers items and inserts them when the buffer is full or the
// flush interval elapses.
type BatchWriter[T any] struct {
	inserter BatchInserter[T]
	config   BatchWriterConfig
	logger   *slog.Logger

	buffer []T
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter[T any](inserter BatchInserter[T], cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	bw := &BatchWriter[T]{
		inserter: inserter,
		config:   cfg,
		logger:   logger,
		buffer:   make([]T, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write adds an item to the buffer, flushing when it is full.
func (bw *BatchWriter[T]) Write(item T) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer: %w", ErrClosed)
	}

	bw.buffer = append(bw.buffer, item)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter[T]) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			bw.logger.Error("timer flush failed", "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked inserts the buffer with retries. Caller must hold the lock.
func (bw *BatchWriter[T]) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	items := bw.buffer
	bw.buffer = make([]T, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), bw.config.InsertTimeout)
		err := bw.inserter.InsertBatch(ctx, items)
		cancel()
		if err == nil {
			bw.totalWritten.Add(uint64(len(items)))
			bw.batchCount.Add(1)
			return nil
		}

		lastErr = err
		msg := "batch insert failed, retrying"
		if attempt == bw.config.MaxRetries {
			msg = "batch insert failed, giving up"
		}
		bw.logger.Warn(msg,
			"attempt", attempt+1,
			"max_retries", bw.config.MaxRetries,
			"items", len(items),
			"error", err,
		)
	}

	bw.totalFailed.Add(uint64(len(items)))
	return &StorageError{
		Op:      "InsertBatch",
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr),
		Retries: bw.config.MaxRetries,
	}
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter[T]) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes what is left.
func (bw *BatchWriter[T]) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()
	err := bw.flushLocked()
	bw.mu.Unlock()
	return err
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter[T]) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
