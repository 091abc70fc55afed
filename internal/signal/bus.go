package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"automation-engine/internal/queue"
)

// BusConfig holds the signal bus configuration.
type BusConfig struct {
	QueueSize    int           `yaml:"queue_size" validate:"gte=0"`
	Workers      int           `yaml:"workers" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:    4096,
		Workers:      2,
		PollInterval: 50 * time.Millisecond,
		ShutdownWait: 10 * time.Second,
	}
}

// Bus buffers published signals in a ring buffer and fans each one out to
// every subscriber from a small worker pool. Publish never blocks; a full
// queue drops the signal.
type Bus struct {
	queue  *queue.RingBuffer[Signal]
	config BusConfig
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber

	wg      sync.WaitGroup
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewBus creates a new Bus.
func NewBus(cfg BusConfig, logger *slog.Logger) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		queue:  queue.NewRingBuffer[Signal](cfg.QueueSize),
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Subscribe registers a subscriber. Subscribers added after Start receive
// signals dequeued after the call.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Publish enqueues a signal.
func (b *Bus) Publish(_ context.Context, sig Signal) error {
	if err := b.queue.Push(sig); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			b.logger.Warn("signal dropped, queue full",
				"type", sig.Type,
				"subject", sig.Subject,
			)
		}
		return fmt.Errorf("publish %s: %w", sig.Type, err)
	}
	return nil
}

// Start launches the delivery workers.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < b.config.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, i)
	}
	b.logger.Info("signal bus started", "workers", b.config.Workers)
}

func (b *Bus) worker(ctx context.Context, id int) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			b.drain(ctx)
			return
		default:
		}

		sig, err := b.queue.PopWithTimeout(b.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			b.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
			continue
		}
		b.dispatch(ctx, sig)
	}
}

// drain delivers whatever is still queued when Stop is called.
func (b *Bus) drain(ctx context.Context) {
	for {
		sig, err := b.queue.Pop()
		if err != nil {
			return
		}
		b.dispatch(ctx, sig)
	}
}

func (b *Bus) dispatch(ctx context.Context, sig Signal) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.deliver(ctx, s, sig); err != nil {
			b.failed.Add(1)
			b.logger.Error("signal delivery failed",
				"subscriber", s.Name(),
				"type", sig.Type,
				"subject", sig.Subject,
				"error", err,
			)
			continue
		}
		b.delivered.Add(1)
	}
}

func (b *Bus) deliver(ctx context.Context, s Subscriber, sig Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.Handle(ctx, sig)
}

// Stop stops the workers after the queue has been drained.
func (b *Bus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.done)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("signal bus stopped gracefully")
	case <-time.After(b.config.ShutdownWait):
		b.logger.Warn("signal bus shutdown timed out")
	}
	b.queue.Close()
}

// Metrics returns bus statistics.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		Queue:     b.queue.Metrics(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
	}
}

// BusMetrics holds bus statistics.
type BusMetrics struct {
	Queue     queue.Metrics `json:"queue"`
	Delivered uint64        `json:"delivered"`
	Failed    uint64        `json:"failed"`
}
