package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"automation-engine/internal/catalog"
	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/logging"
	"automation-engine/internal/retry"
	"automation-engine/internal/signal"
	"automation-engine/internal/storage"
)

// Options wires a Registry to its collaborators. Every field is optional.
type Options struct {
	Repository storage.Repository[Integration]
	Publisher  signal.Publisher
	Syncer     Syncer
	Sink       RecordSink
	Observer   SyncObserver
	Retry      *retry.Controller
	Logger     *slog.Logger

	// MinSyncInterval floors the poll interval of data streams.
	MinSyncInterval time.Duration
}

// Registry owns integration definitions and their data streams.
type Registry struct {
	items    *catalog.Catalog[Integration]
	repo     storage.Repository[Integration]
	signals  signal.Publisher
	syncer   Syncer
	sink     RecordSink
	observer SyncObserver
	retry    *retry.Controller
	logger   *slog.Logger
	minSync  time.Duration
	now      func() time.Time

	streamsMu     sync.RWMutex
	streams       map[string]*stream
	stopped       []string
	retainStopped int
	wg            sync.WaitGroup
}

// maxStoppedStreams is how many stopped stream handles stay queryable.
const maxStoppedStreams = 256

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	repo := opts.Repository
	if repo == nil {
		repo = storage.NewMemoryRepository[Integration]("integrations")
	}
	ctrl := opts.Retry
	if ctrl == nil {
		ctrl = retry.NewController(retry.WithLogger(logger))
	}
	minSync := opts.MinSyncInterval
	if minSync <= 0 {
		minSync = time.Second
	}

	return &Registry{
		items:    catalog.New(Integration.Clone),
		repo:     repo,
		signals:  signal.OrDiscard(opts.Publisher),
		syncer:   opts.Syncer,
		sink:     opts.Sink,
		observer: opts.Observer,
		retry:    ctrl,
		logger:   logger.With("component", "integration_registry"),
		minSync:  minSync,
		now:      time.Now,
		streams:  make(map[string]*stream),

		retainStopped: maxStoppedStreams,
	}
}

// Load populates the registry from its repository. Existing ids are skipped.
func (r *Registry) Load(ctx context.Context) (int, error) {
	stored, err := r.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading integrations: %w", err)
	}
	n := 0
	for _, in := range stored {
		if err := r.items.Restore(in.ID, in, in.Version); err != nil {
			if errors.Is(err, catalog.ErrExists) {
				continue
			}
			return n, err
		}
		n++
	}
	r.logger.Info("integrations loaded", "count", n)
	return n, nil
}

// CreateIntegration validates def and stores it in the CREATED state.
func (r *Registry) CreateIntegration(ctx context.Context, def Integration) (string, error) {
	const op = "integration.CreateIntegration"

	in := def.Clone()
	in.applyDefaults()
	if err := in.Validate(); err != nil {
		return "", validationError(op, err)
	}

	now := r.now()
	in.ID = uuid.NewString()
	in.Status = StatusCreated
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now
	in.ActivatedAt = nil
	in.DeletedAt = nil

	if err := r.repo.Save(ctx, in.ID, in); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := r.items.Insert(in.ID, in); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	r.logger.Info("integration created", "integration_id", in.ID, "name", in.Name, "type", in.Type)
	for _, ep := range in.Endpoints {
		r.logger.Debug("integration endpoint",
			"integration_id", in.ID,
			"endpoint", ep.Name,
			"url", logging.RedactURL(ep.URL),
			"headers", logging.RedactHeaders(ep.Headers),
		)
	}
	r.emit(ctx, signal.IntegrationCreated, in.ID, in)
	return in.ID, nil
}

// GetIntegration returns a copy of a live (non-deleted) integration.
func (r *Registry) GetIntegration(_ context.Context, id string) (Integration, error) {
	in, _, err := r.items.Get(id)
	if err != nil || in.Status == StatusDeleted {
		return Integration{}, apperrors.NotFound("integration.GetIntegration", "integration", id)
	}
	return in, nil
}

// ListIntegrations returns a snapshot sorted by name.
func (r *Registry) ListIntegrations(_ context.Context, f Filter) []Integration {
	var out []Integration
	for _, in := range r.items.Snapshot() {
		if f.match(in) {
			out = append(out, in)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateIntegration applies a patch. When p.ExpectedVersion is set, a stale
// version fails with CONFLICT.
func (r *Registry) UpdateIntegration(ctx context.Context, id string, p Patch) (Integration, error) {
	const op = "integration.UpdateIntegration"

	updated, err := r.mutate(ctx, op, id, p.ExpectedVersion, func(in *Integration) error {
		p.apply(in)
		in.applyDefaults()
		if err := in.Validate(); err != nil {
			return validationError(op, err)
		}
		return nil
	})
	if err != nil {
		return Integration{}, err
	}

	r.logger.Info("integration updated", "integration_id", id, "version", updated.Version)
	r.emit(ctx, signal.IntegrationUpdated, id, updated)
	return updated, nil
}

// ActivateIntegration moves an integration to ACTIVE. Activating an active
// integration is a no-op.
func (r *Registry) ActivateIntegration(ctx context.Context, id string) error {
	const op = "integration.ActivateIntegration"

	changed := false
	updated, err := r.mutate(ctx, op, id, 0, func(in *Integration) error {
		if in.Status == StatusActive {
			return errUnchanged
		}
		now := r.now()
		in.Status = StatusActive
		in.ActivatedAt = &now
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	r.logger.Info("integration activated", "integration_id", id)
	r.emit(ctx, signal.IntegrationActivated, id, updated)
	return nil
}

// DeactivateIntegration moves an integration to INACTIVE. Its data streams
// keep their handles but skip sync cycles until it is activated again.
func (r *Registry) DeactivateIntegration(ctx context.Context, id string) error {
	const op = "integration.DeactivateIntegration"

	changed := false
	updated, err := r.mutate(ctx, op, id, 0, func(in *Integration) error {
		if in.Status == StatusInactive || in.Status == StatusCreated {
			return errUnchanged
		}
		in.Status = StatusInactive
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	r.logger.Info("integration deactivated", "integration_id", id)
	r.emit(ctx, signal.IntegrationDeactivated, id, updated)
	return nil
}

// DeleteIntegration soft-deletes an integration and stops its streams.
func (r *Registry) DeleteIntegration(ctx context.Context, id string) error {
	const op = "integration.DeleteIntegration"

	updated, err := r.mutate(ctx, op, id, 0, func(in *Integration) error {
		now := r.now()
		in.Status = StatusDeleted
		in.DeletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	for _, ds := range r.ListDataStreams(id) {
		_ = r.StopDataStream(ctx, ds.ID)
	}

	r.logger.Info("integration deleted", "integration_id", id)
	r.emit(ctx, signal.IntegrationDeleted, id, updated)
	return nil
}

// ResolveEndpoint returns the named endpoint of an ACTIVE integration.
// An empty name selects the first endpoint.
func (r *Registry) ResolveEndpoint(_ context.Context, integrationID, name string) (ResolvedEndpoint, error) {
	const op = "integration.ResolveEndpoint"

	in, err := r.activeIntegration(op, integrationID)
	if err != nil {
		return ResolvedEndpoint{}, err
	}
	if name == "" && len(in.Endpoints) > 0 {
		name = in.Endpoints[0].Name
	}
	ep, ok := in.Endpoint(name)
	if !ok {
		return ResolvedEndpoint{}, apperrors.NotFound(op, "endpoint", integrationID+"/"+name)
	}
	return resolve(in, ep), nil
}

// StartDataStream opens a new stream against an ACTIVE integration. Every call
// yields a new handle.
func (r *Registry) StartDataStream(ctx context.Context, integrationID string, cfg StreamConfig) (string, error) {
	const op = "integration.StartDataStream"

	in, err := r.activeIntegration(op, integrationID)
	if err != nil {
		return "", err
	}
	if cfg.BatchSize < 0 {
		return "", apperrors.Validation(op, "batch size must be >= 0, got %d", cfg.BatchSize)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = in.Settings.BatchSize
	}
	if cfg.Endpoint == "" && len(in.Endpoints) > 0 {
		cfg.Endpoint = in.Endpoints[0].Name
	}
	if r.syncer != nil {
		if _, ok := in.Endpoint(cfg.Endpoint); !ok {
			return "", apperrors.Validation(op, "integration %s has no endpoint %q to sync from", integrationID, cfg.Endpoint)
		}
	}

	s := &stream{
		info: DataStream{
			ID:            uuid.NewString(),
			IntegrationID: integrationID,
			Endpoint:      cfg.Endpoint,
			Filters:       maps.Clone(cfg.Filters),
			BatchSize:     cfg.BatchSize,
			Status:        StreamActive,
			StartedAt:     r.now(),
		},
		done: make(chan struct{}),
	}

	r.streamsMu.Lock()
	r.streams[s.info.ID] = s
	r.streamsMu.Unlock()

	if r.syncer != nil {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		runner := &streamRunner{
			reg:      r,
			s:        s,
			interval: max(in.Settings.SyncInterval, r.minSync),
			logger:   r.logger.With("stream_id", s.info.ID, "integration_id", integrationID),
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			runner.run(runCtx)
		}()
	} else {
		close(s.done)
	}

	r.logger.Info("data stream started", "stream_id", s.info.ID, "integration_id", integrationID, "batch_size", cfg.BatchSize)
	r.emit(ctx, signal.DataStreamStarted, s.info.ID, s.snapshot())
	return s.info.ID, nil
}

// StopDataStream stops a stream. Unknown or already stopped ids are not errors.
func (r *Registry) StopDataStream(ctx context.Context, streamID string) error {
	r.streamsMu.RLock()
	s, ok := r.streams[streamID]
	r.streamsMu.RUnlock()
	if !ok {
		return nil
	}
	if !s.stop(r.now()) {
		return nil
	}
	r.forgetStopped(streamID)

	r.logger.Info("data stream stopped", "stream_id", streamID)
	r.emit(ctx, signal.DataStreamStopped, streamID, s.snapshot())
	return nil
}

// forgetStopped records a stopped handle and drops the oldest stopped
// handles beyond the retention limit.
func (r *Registry) forgetStopped(streamID string) {
	r.streamsMu.Lock()
	defer r.streamsMu.Unlock()
	r.stopped = append(r.stopped, streamID)
	for len(r.stopped) > r.retainStopped {
		delete(r.streams, r.stopped[0])
		r.stopped = r.stopped[1:]
	}
}

// GetDataStream returns a snapshot of a stream.
func (r *Registry) GetDataStream(streamID string) (DataStream, error) {
	r.streamsMu.RLock()
	s, ok := r.streams[streamID]
	r.streamsMu.RUnlock()
	if !ok {
		return DataStream{}, apperrors.NotFound("integration.GetDataStream", "data stream", streamID)
	}
	return s.snapshot(), nil
}

// ListDataStreams returns the streams of one integration, or all streams when
// integrationID is empty, ordered by start time.
func (r *Registry) ListDataStreams(integrationID string) []DataStream {
	r.streamsMu.RLock()
	out := make([]DataStream, 0, len(r.streams))
	for _, s := range r.streams {
		ds := s.snapshot()
		if integrationID == "" || ds.IntegrationID == integrationID {
			out = append(out, ds)
		}
	}
	r.streamsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close stops every stream and waits up to timeout for their runners.
func (r *Registry) Close(timeout time.Duration) {
	for _, ds := range r.ListDataStreams("") {
		_ = r.StopDataStream(context.Background(), ds.ID)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("data stream runners did not stop in time", "timeout", timeout)
	}
}

// errUnchanged aborts a mutation that would not change anything.
var errUnchanged = errors.New("unchanged")

// mutate runs fn on a working copy of a live integration, bumps its version
// and writes it through to the repository before committing.
func (r *Registry) mutate(ctx context.Context, op, id string, expected int64, fn func(*Integration) error) (Integration, error) {
	updated, err := r.items.Update(id, expected, func(in *Integration, version int64) error {
		if in.Status == StatusDeleted {
			return catalog.ErrNotFound
		}
		if err := fn(in); err != nil {
			return err
		}
		in.Version = version
		in.UpdatedAt = r.now()
		if err := r.repo.Save(ctx, in.ID, *in); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})

	var verr *catalog.VersionError
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, errUnchanged):
		return Integration{}, nil
	case errors.Is(err, catalog.ErrNotFound):
		return Integration{}, apperrors.NotFound(op, "integration", id)
	case errors.As(err, &verr):
		return Integration{}, apperrors.Conflict(op, id, verr.Expected, verr.Actual)
	default:
		return Integration{}, err
	}
}

func (r *Registry) activeIntegration(op, id string) (Integration, error) {
	in, _, err := r.items.Get(id)
	if err != nil || in.Status == StatusDeleted {
		return Integration{}, apperrors.NotFound(op, "integration", id)
	}
	if in.Status != StatusActive {
		return Integration{}, apperrors.Validation(op, "integration %s is %s, not ACTIVE", id, in.Status)
	}
	return in, nil
}

func (r *Registry) emit(ctx context.Context, t signal.Type, subject string, payload any) {
	if err := r.signals.Publish(ctx, signal.New(t, subject, payload)); err != nil {
		r.logger.Warn("failed to publish signal", "type", t, "subject", subject, "error", err)
	}
}
