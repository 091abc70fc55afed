package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"automation-engine/internal/signal"
	"automation-engine/internal/storage/s3"
)

// ArchiveConfig controls how often buffered executions are archived.
type ArchiveConfig struct {
	MaxBuffered   int           `yaml:"max_buffered"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultArchiveConfig returns the default archive cadence.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{MaxBuffered: 10000, FlushInterval: 15 * time.Minute}
}

// Archiver collects executions from the signal bus and writes them to object
// storage in batches.
type Archiver struct {
	archiver *s3.Archiver
	cfg      ArchiveConfig
	logger   *slog.Logger

	mu     sync.Mutex
	buffer []s3.Record
}

// NewArchiver wraps an s3.Archiver.
func NewArchiver(a *s3.Archiver, cfg ArchiveConfig, logger *slog.Logger) *Archiver {
	def := DefaultArchiveConfig()
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = def.MaxBuffered
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{archiver: a, cfg: cfg, logger: logger.With("component", "history_archiver")}
}

// Name implements signal.Subscriber.
func (a *Archiver) Name() string { return "history-archive" }

// Handle implements signal.Subscriber.
func (a *Archiver) Handle(ctx context.Context, sig signal.Signal) error {
	if sig.Type != signal.WorkflowExecuted {
		return nil
	}
	exec, err := executionFrom(sig)
	if err != nil {
		return err
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encoding execution %s: %w", exec.ID, err)
	}
	ts := exec.StartedAt
	if exec.CompletedAt != nil {
		ts = *exec.CompletedAt
	}

	a.mu.Lock()
	a.buffer = append(a.buffer, s3.Record{ID: exec.ID, Timestamp: ts, Data: data})
	full := len(a.buffer) >= a.cfg.MaxBuffered
	a.mu.Unlock()

	if full {
		_, err := a.Flush(ctx)
		return err
	}
	return nil
}

// Flush archives everything buffered. On failure the records are put back so
// the next flush retries them.
func (a *Archiver) Flush(ctx context.Context) (*s3.Manifest, error) {
	a.mu.Lock()
	records := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(records) == 0 {
		return nil, nil
	}
	m, err := a.archiver.Archive(ctx, records)
	if err != nil {
		a.mu.Lock()
		a.buffer = append(records, a.buffer...)
		a.mu.Unlock()
		return nil, fmt.Errorf("archiving %d executions: %w", len(records), err)
	}
	return m, nil
}

// Pending returns the number of buffered executions.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Run flushes on the configured interval until ctx is done, then flushes
// once more with a short deadline.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if _, err := a.Flush(flushCtx); err != nil {
				a.logger.Error("final archive flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.Error("archive flush failed", "error", err, "pending", a.Pending())
			}
		}
	}
}
