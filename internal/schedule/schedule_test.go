package schedule

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"automation-engine/internal/action"
	"automation-engine/internal/signal"
	"automation-engine/internal/trigger"
	"automation-engine/internal/workflow"
)

type countingRunner struct {
	mu    sync.Mutex
	rules []string
}

func (r *countingRunner) Execute(_ context.Context, a action.Action, actx action.Context) action.Result {
	r.mu.Lock()
	r.rules = append(r.rules, actx.RuleName)
	r.mu.Unlock()
	return action.Result{Kind: a.Kind, Order: a.Order, Success: true, Attempts: 1}
}

func (r *countingRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.rules...)
	slices.Sort(out)
	return out
}

func scheduleRule(name, spec, tz string) workflow.Rule {
	return workflow.Rule{
		Name:    name,
		Enabled: true,
		Trigger: trigger.Trigger{
			Type:     trigger.TypeSchedule,
			Schedule: &trigger.ScheduleConfig{Cron: spec, Timezone: tz},
		},
		Actions: []action.Action{{
			Kind:   action.KindNotify,
			Order:  1,
			Notify: &action.NotifyConfig{Recipients: []string{"ops@example.com"}},
		}},
	}
}

func newFixture(t *testing.T) (*workflow.Engine, *countingRunner, *Scheduler) {
	t.Helper()
	runner := &countingRunner{}
	engine, err := workflow.NewEngine(workflow.Options{Actions: runner})
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return engine, runner, New(engine, engine, logger)
}

func mustCreate(t *testing.T, e *workflow.Engine, r workflow.Rule) string {
	t.Helper()
	id, err := e.CreateRule(context.Background(), r)
	if err != nil {
		t.Fatalf("CreateRule(%q) error = %v", r.Name, err)
	}
	return id
}

func TestSyncRegistersDistinctSpecs(t *testing.T) {
	engine, _, s := newFixture(t)
	ctx := context.Background()

	mustCreate(t, engine, scheduleRule("nightly-a", "0 2 * * *", ""))
	mustCreate(t, engine, scheduleRule("nightly-b", "0 2 * * *", ""))
	mustCreate(t, engine, scheduleRule("hourly", "@hourly", "Europe/Berlin"))

	disabled := scheduleRule("off", "*/5 * * * *", "")
	disabled.Enabled = false
	mustCreate(t, engine, disabled)

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	want := []string{"0 2 * * *", "CRON_TZ=Europe/Berlin @hourly"}
	if got := s.Specs(); !slices.Equal(got, want) {
		t.Errorf("Specs() = %v, want %v", got, want)
	}
}

func TestTickRunsEveryRuleSharingTheSpec(t *testing.T) {
	engine, runner, s := newFixture(t)
	ctx := context.Background()

	mustCreate(t, engine, scheduleRule("nightly-a", "0 2 * * *", ""))
	mustCreate(t, engine, scheduleRule("nightly-b", "0 2 * * *", ""))
	mustCreate(t, engine, scheduleRule("hourly", "@hourly", ""))

	at := time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC)
	execs, err := s.Tick(ctx, "0 2 * * *", at)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	for _, exec := range execs {
		if exec.Status != workflow.StatusCompleted {
			t.Errorf("%s status = %s", exec.RuleName, exec.Status)
		}
		if exec.TriggerContext["scheduledAt"] != "2026-05-01T02:00:00Z" {
			t.Errorf("trigger context = %v", exec.TriggerContext)
		}
	}
	if got := runner.ran(); !slices.Equal(got, []string{"nightly-a", "nightly-b"}) {
		t.Errorf("ran = %v", got)
	}
}

func TestResyncOnRuleSignals(t *testing.T) {
	engine, _, s := newFixture(t)
	ctx := context.Background()

	id := mustCreate(t, engine, scheduleRule("nightly", "0 2 * * *", ""))
	if err := s.Handle(ctx, signal.New(signal.RuleCreated, id, nil)); err != nil {
		t.Fatal(err)
	}
	if len(s.Specs()) != 1 {
		t.Fatalf("Specs() = %v", s.Specs())
	}

	newTrigger := trigger.Trigger{
		Type:     trigger.TypeSchedule,
		Schedule: &trigger.ScheduleConfig{Cron: "30 3 * * 1"},
	}
	if _, err := engine.UpdateRule(ctx, id, workflow.Patch{Trigger: &newTrigger}); err != nil {
		t.Fatal(err)
	}
	if err := s.Handle(ctx, signal.New(signal.RuleUpdated, id, nil)); err != nil {
		t.Fatal(err)
	}
	if got := s.Specs(); !slices.Equal(got, []string{"30 3 * * 1"}) {
		t.Errorf("after update Specs() = %v", got)
	}
	// Unrelated signals leave the entries alone.
	if err := engine.DeleteRule(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := s.Handle(ctx, signal.New(signal.WorkflowExecuted, id, nil)); err != nil {
		t.Fatal(err)
	}
	if len(s.Specs()) != 1 {
		t.Error("non-rule signal should not resync")
	}

	if err := s.Handle(ctx, signal.New(signal.RuleDeleted, id, nil)); err != nil {
		t.Fatal(err)
	}
	if len(s.Specs()) != 0 {
		t.Errorf("after delete Specs() = %v", s.Specs())
	}
}

// gatedSource returns a stale empty snapshot on its first call, after the
// gate opens, and the current rules afterwards.
type gatedSource struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	gate    chan struct{}
	current []workflow.Rule
}

func (g *gatedSource) ListRules(context.Context, workflow.Filter) []workflow.Rule {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.gate
		return nil
	}
	return g.current
}

type nopRouter struct{}

func (nopRouter) DetectAndRoute(context.Context, trigger.Event) ([]*workflow.Execution, error) {
	return nil, nil
}

func TestOverlappingSyncsApplyInOrder(t *testing.T) {
	src := &gatedSource{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
		current: []workflow.Rule{scheduleRule("nightly", "0 2 * * *", "")},
	}
	s := New(src, nopRouter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.Sync(ctx)
	}()
	<-src.entered
	go func() {
		defer wg.Done()
		_ = s.Sync(ctx)
	}()

	// Give the second sync time to run ahead if it were not ordered.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if got := s.Specs(); !slices.Equal(got, []string{"0 2 * * *"}) {
		t.Errorf("Specs() = %v, want the newer snapshot applied last", got)
	}
}

func TestStartAndStop(t *testing.T) {
	engine, runner, s := newFixture(t)
	mustCreate(t, engine, scheduleRule("every-second", "* * * * * *", ""))

	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if s.Next("* * * * * *").IsZero() {
		t.Error("expected a next fire time once started")
	}

	deadline := time.After(3 * time.Second)
	for len(runner.ran()) == 0 {
		select {
		case <-deadline:
			t.Fatal("schedule never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}
