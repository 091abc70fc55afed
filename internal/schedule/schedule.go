// Package schedule fires SCHEDULE rules. Every distinct cron spec among the
// enabled schedule rules gets one cron entry; each firing is routed through
// detection as a schedule.tick event so every rule sharing the spec runs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"automation-engine/internal/signal"
	"automation-engine/internal/trigger"
	"automation-engine/internal/workflow"
)

// RuleSource lists the rules the scheduler registers.
type RuleSource interface {
	ListRules(ctx context.Context, f workflow.Filter) []workflow.Rule
}

// Router routes a tick event to the matching rules.
type Router interface {
	DetectAndRoute(ctx context.Context, ev trigger.Event) ([]*workflow.Execution, error)
}

// Scheduler keeps one cron entry per schedule spec in use.
type Scheduler struct {
	cron   *cron.Cron
	rules  RuleSource
	router Router
	logger *slog.Logger

	// syncMu orders resyncs so an older rule snapshot is never applied
	// after a newer one.
	syncMu  sync.Mutex
	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

// New creates a scheduler. Call Sync to register the current rules and Start
// to begin firing.
func New(rules RuleSource, router Router, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(trigger.CronParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		rules:   rules,
		router:  router,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

// Sync reconciles the registered cron entries with the enabled SCHEDULE rules.
func (s *Scheduler) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	enabled := true
	rules := s.rules.ListRules(ctx, workflow.Filter{
		Enabled:     &enabled,
		TriggerType: trigger.TypeSchedule,
	})

	want := make(map[string]bool, len(rules))
	for _, r := range rules {
		if spec := r.Trigger.ScheduleSpec(); spec != "" {
			want[spec] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for spec, id := range s.entries {
		if !want[spec] {
			s.cron.Remove(id)
			delete(s.entries, spec)
			s.logger.Info("schedule removed", "spec", spec)
		}
	}

	var errs []error
	for spec := range want {
		if _, ok := s.entries[spec]; ok {
			continue
		}
		id, err := s.cron.AddFunc(spec, func() { s.fire(spec) })
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", spec, err))
			continue
		}
		s.entries[spec] = id
		s.logger.Info("schedule registered", "spec", spec)
	}
	return errors.Join(errs...)
}

// Specs returns the registered schedule specs in sorted order.
func (s *Scheduler) Specs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for spec := range s.entries {
		out = append(out, spec)
	}
	slices.Sort(out)
	return out
}

// Next returns the next fire time for spec, or the zero time when the spec is
// not registered.
func (s *Scheduler) Next(spec string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[spec]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) fire(spec string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if _, err := s.Tick(ctx, spec, time.Now().UTC()); err != nil {
		s.logger.Error("scheduled tick failed", "spec", spec, "error", err)
	}
}

// Tick routes one schedule.tick event for spec.
func (s *Scheduler) Tick(ctx context.Context, spec string, at time.Time) ([]*workflow.Execution, error) {
	execs, err := s.router.DetectAndRoute(ctx, trigger.Event{
		Type:       trigger.EventTypeScheduleTick,
		Source:     spec,
		OccurredAt: at,
		Data: map[string]any{
			"schedule":    spec,
			"scheduledAt": at.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("schedule fired", "spec", spec, "executions", len(execs))
	return execs, nil
}

// Name implements signal.Subscriber.
func (s *Scheduler) Name() string { return "schedule-resync" }

// Handle resyncs the cron entries whenever a rule changes.
func (s *Scheduler) Handle(ctx context.Context, sig signal.Signal) error {
	switch sig.Type {
	case signal.RuleCreated, signal.RuleUpdated, signal.RuleDeleted:
		return s.Sync(ctx)
	}
	return nil
}

// Start begins firing. Ticks run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "schedules", len(s.Specs()))
}

// Stop stops firing and waits for running ticks until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
