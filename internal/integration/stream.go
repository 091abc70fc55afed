package integration

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	apperrors "automation-engine/internal/errors"
)

// StreamStatus is the state of a data stream.
type StreamStatus string

const (
	StreamActive  StreamStatus = "ACTIVE"
	StreamStopped StreamStatus = "STOPPED"
)

// maxPagesPerSync bounds how many pages one sync cycle follows.
const maxPagesPerSync = 100

// StreamConfig is the caller's request when starting a stream. Zero values
// fall back to the integration's settings.
type StreamConfig struct {
	Filters   map[string]any `yaml:"filters" json:"filters"`
	BatchSize int            `yaml:"batch_size" json:"batchSize"`
	Endpoint  string         `yaml:"endpoint" json:"endpoint"`
}

// DataStream is a snapshot of a continuous synchronization handle.
type DataStream struct {
	ID            string         `json:"id"`
	IntegrationID string         `json:"integrationId"`
	Endpoint      string         `json:"endpoint,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	BatchSize     int            `json:"batchSize"`
	Status        StreamStatus   `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	StoppedAt     *time.Time     `json:"stoppedAt,omitempty"`
	LastSyncAt    *time.Time     `json:"lastSyncAt,omitempty"`
	BatchesSynced int64          `json:"batchesSynced"`
	RecordsSynced int64          `json:"recordsSynced"`
	FailedSyncs   int64          `json:"failedSyncs"`
	LastError     string         `json:"lastError,omitempty"`
}

// FetchRequest asks a Syncer for the next page of records.
type FetchRequest struct {
	StreamID  string
	Endpoint  ResolvedEndpoint
	Filters   map[string]any
	BatchSize int
	Cursor    string
}

// Batch is one page of records. Cursor is passed back on the next fetch;
// More reports whether another page is immediately available.
type Batch struct {
	Records []map[string]any
	Cursor  string
	More    bool
}

// Syncer pulls records from an external system.
type Syncer interface {
	Fetch(ctx context.Context, req FetchRequest) (Batch, error)
}

// RecordSink receives synced records.
type RecordSink interface {
	Accept(ctx context.Context, integrationID, streamID string, records []map[string]any) error
}

// SyncObserver is told about every sync attempt. Used for metrics.
type SyncObserver interface {
	ObserveSync(integrationID string, records int, duration time.Duration, err error)
}

// stream is the registry-owned state behind a DataStream.
type stream struct {
	mu     sync.Mutex
	info   DataStream
	cursor string
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *stream) snapshot() DataStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.info
	out.Filters = maps.Clone(s.info.Filters)
	if s.info.StoppedAt != nil {
		t := *s.info.StoppedAt
		out.StoppedAt = &t
	}
	if s.info.LastSyncAt != nil {
		t := *s.info.LastSyncAt
		out.LastSyncAt = &t
	}
	return out
}

// stop marks the stream stopped and cancels its runner. It reports whether
// this call performed the transition.
func (s *stream) stop(now time.Time) bool {
	s.mu.Lock()
	if s.info.Status == StreamStopped {
		s.mu.Unlock()
		return false
	}
	s.info.Status = StreamStopped
	s.info.StoppedAt = &now
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// streamRunner polls one stream until its context ends.
type streamRunner struct {
	reg      *Registry
	s        *stream
	interval time.Duration
	logger   *slog.Logger
}

func (r *streamRunner) run(ctx context.Context) {
	defer close(r.s.done)

	r.logger.Debug("data stream runner started", "interval", r.interval)
	r.syncOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("data stream runner stopped")
			return
		case <-ticker.C:
			r.syncOnce(ctx)
		}
	}
}

// syncOnce follows pages until the source reports no more data. An inactive
// integration skips the cycle without stopping the stream.
func (r *streamRunner) syncOnce(ctx context.Context) {
	info := r.s.snapshot()
	in, err := r.reg.activeIntegration("integration.sync", info.IntegrationID)
	if err != nil {
		r.logger.Debug("skipping sync", "reason", apperrors.SafeMessage(err))
		return
	}
	ep, ok := in.Endpoint(info.Endpoint)
	if !ok {
		r.record(0, 0, errors.New("stream endpoint "+info.Endpoint+" no longer exists"))
		return
	}
	resolved := resolve(in, ep)

	for page := 0; page < maxPagesPerSync; page++ {
		if ctx.Err() != nil {
			return
		}

		r.s.mu.Lock()
		req := FetchRequest{
			StreamID:  info.ID,
			Endpoint:  resolved,
			Filters:   maps.Clone(info.Filters),
			BatchSize: info.BatchSize,
			Cursor:    r.s.cursor,
		}
		r.s.mu.Unlock()

		start := time.Now()
		batch, err := r.fetch(ctx, in, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.record(0, time.Since(start), err)
			if in.Settings.ErrorHandling == ErrorHandlingSkip {
				r.logger.Warn("skipping failed batch", "error", apperrors.SafeMessage(err))
			}
			return
		}

		if len(batch.Records) > 0 && r.reg.sink != nil {
			if err := r.reg.sink.Accept(ctx, info.IntegrationID, info.ID, batch.Records); err != nil {
				r.record(0, time.Since(start), err)
				return
			}
		}

		// A final page without a cursor keeps the position already reached.
		r.s.mu.Lock()
		if batch.Cursor != "" || batch.More {
			r.s.cursor = batch.Cursor
		}
		r.s.mu.Unlock()
		r.record(len(batch.Records), time.Since(start), nil)

		if !batch.More {
			return
		}
	}
}

func (r *streamRunner) fetch(ctx context.Context, in Integration, req FetchRequest) (Batch, error) {
	if in.Settings.ErrorHandling != ErrorHandlingRetry {
		return r.reg.syncer.Fetch(ctx, req)
	}

	var batch Batch
	outcome := r.reg.retry.Run(ctx, in.RetryPolicy, func(ctx context.Context, _ int) error {
		var err error
		batch, err = r.reg.syncer.Fetch(ctx, req)
		return err
	})
	return batch, outcome.Err
}

func (r *streamRunner) record(records int, d time.Duration, err error) {
	now := r.reg.now()

	r.s.mu.Lock()
	r.s.info.LastSyncAt = &now
	if err != nil {
		r.s.info.FailedSyncs++
		r.s.info.LastError = apperrors.SafeMessage(err)
	} else {
		r.s.info.BatchesSynced++
		r.s.info.RecordsSynced += int64(records)
		r.s.info.LastError = ""
	}
	integrationID := r.s.info.IntegrationID
	r.s.mu.Unlock()

	if err != nil {
		r.logger.Warn("data stream sync failed", "error", apperrors.SafeMessage(err))
	}
	if r.reg.observer != nil {
		r.reg.observer.ObserveSync(integrationID, records, d, err)
	}
}
