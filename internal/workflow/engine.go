package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"automation-engine/internal/action"
	"automation-engine/internal/catalog"
	"automation-engine/internal/condition"
	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/signal"
	"automation-engine/internal/storage"
	"automation-engine/internal/trigger"
)

// DefaultMaxConcurrentExecutions bounds rule executions started by one
// DetectAndRoute call.
const DefaultMaxConcurrentExecutions = 8

// ActionRunner runs a single action and always reports a Result.
// *action.Dispatcher implements it.
type ActionRunner interface {
	Execute(ctx context.Context, a action.Action, actx action.Context) action.Result
}

// ExecutionObserver is told about every finished execution.
type ExecutionObserver interface {
	ObserveExecution(exec *Execution)
}

// Options wires an Engine to its collaborators. Actions is required.
type Options struct {
	Actions    ActionRunner
	Rules      storage.Repository[Rule]
	Executions storage.Repository[Execution]
	Classifier Classifier
	Publisher  signal.Publisher
	Observers  []ExecutionObserver
	Logger     *slog.Logger

	MaxConcurrentExecutions int
}

// Engine owns workflow rules and executes them.
type Engine struct {
	rules      *catalog.Catalog[Rule]
	ruleRepo   storage.Repository[Rule]
	execRepo   storage.Repository[Execution]
	actions    ActionRunner
	classifier Classifier
	signals    signal.Publisher
	observers  []ExecutionObserver
	logger     *slog.Logger
	maxConc    int
	now        func() time.Time
}

// NewEngine creates an engine with no rules.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Actions == nil {
		return nil, errors.New("workflow: an action runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ruleRepo := opts.Rules
	if ruleRepo == nil {
		ruleRepo = storage.NewMemoryRepository[Rule]("rules")
	}
	execRepo := opts.Executions
	if execRepo == nil {
		execRepo = storage.NewMemoryRepository[Execution]("executions")
	}
	maxConc := opts.MaxConcurrentExecutions
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrentExecutions
	}

	return &Engine{
		rules:      catalog.New(Rule.Clone),
		ruleRepo:   ruleRepo,
		execRepo:   execRepo,
		actions:    opts.Actions,
		classifier: opts.Classifier,
		signals:    signal.OrDiscard(opts.Publisher),
		observers:  slices.Clone(opts.Observers),
		logger:     logger.With("component", "workflow_engine"),
		maxConc:    maxConc,
		now:        time.Now,
	}, nil
}

// Load populates the engine from its rule repository. Ids already present
// are skipped.
func (e *Engine) Load(ctx context.Context) (int, error) {
	stored, err := e.ruleRepo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading rules: %w", err)
	}
	n := 0
	for _, r := range stored {
		if err := e.rules.Restore(r.ID, r, r.Version); err != nil {
			if errors.Is(err, catalog.ErrExists) {
				continue
			}
			return n, err
		}
		n++
	}
	e.logger.Info("rules loaded", "count", n)
	return n, nil
}

// CreateRule validates def and stores it under a new id.
func (e *Engine) CreateRule(ctx context.Context, def Rule) (string, error) {
	const op = "workflow.CreateRule"

	r := def.Clone()
	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return "", validationError(op, err)
	}

	now := e.now()
	r.ID = uuid.NewString()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := e.ruleRepo.Save(ctx, r.ID, r); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := e.rules.Insert(r.ID, r); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	e.logger.Info("rule created", "rule_id", r.ID, "name", r.Name, "trigger", r.Trigger.Type)
	e.emit(ctx, signal.RuleCreated, r.ID, r)
	return r.ID, nil
}

// GetRule returns a copy of a rule.
func (e *Engine) GetRule(_ context.Context, id string) (Rule, error) {
	r, _, err := e.rules.Get(id)
	if err != nil {
		return Rule{}, apperrors.NotFound("workflow.GetRule", "rule", id)
	}
	return r, nil
}

// ListRules returns a snapshot ordered by priority, then name.
func (e *Engine) ListRules(_ context.Context, f Filter) []Rule {
	var out []Rule
	for _, r := range e.rules.Snapshot() {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out
}

// UpdateRule applies a patch and revalidates the result. A stale
// ExpectedVersion fails with CONFLICT.
func (e *Engine) UpdateRule(ctx context.Context, id string, p Patch) (Rule, error) {
	const op = "workflow.UpdateRule"

	updated, err := e.rules.Update(id, p.ExpectedVersion, func(r *Rule, version int64) error {
		p.apply(r)
		r.applyDefaults()
		if err := r.Validate(); err != nil {
			return validationError(op, err)
		}
		r.Version = version
		r.UpdatedAt = e.now()
		if err := e.ruleRepo.Save(ctx, r.ID, *r); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})

	var verr *catalog.VersionError
	switch {
	case err == nil:
	case errors.Is(err, catalog.ErrNotFound):
		return Rule{}, apperrors.NotFound(op, "rule", id)
	case errors.As(err, &verr):
		return Rule{}, apperrors.Conflict(op, id, verr.Expected, verr.Actual)
	default:
		return Rule{}, err
	}

	e.logger.Info("rule updated", "rule_id", id, "version", updated.Version)
	e.emit(ctx, signal.RuleUpdated, id, updated)
	return updated, nil
}

// DeleteRule removes a rule. Executions already running finish normally.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	const op = "workflow.DeleteRule"

	var removed Rule
	err := e.rules.Delete(id, func(r Rule) error {
		if err := e.ruleRepo.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, err)
		}
		removed = r
		return nil
	})
	if errors.Is(err, catalog.ErrNotFound) {
		return apperrors.NotFound(op, "rule", id)
	}
	if err != nil {
		return err
	}

	e.logger.Info("rule deleted", "rule_id", id)
	e.emit(ctx, signal.RuleDeleted, id, removed)
	return nil
}

// ExecuteWorkflow runs one rule against a trigger context. Conditions that do
// not hold yield a SKIPPED execution, which is not an error. The execution is
// detached from ctx cancellation and always reaches a terminal status.
func (e *Engine) ExecuteWorkflow(ctx context.Context, ruleID string, triggerContext map[string]any) (*Execution, error) {
	const op = "workflow.ExecuteWorkflow"

	r, _, err := e.rules.Get(ruleID)
	if err != nil {
		return nil, apperrors.NotFound(op, "rule", ruleID)
	}
	if !r.Enabled {
		return nil, apperrors.Validation(op, "rule %s is disabled", ruleID)
	}
	return e.run(ctx, r, triggerContext, ""), nil
}

// DetectAndRoute executes every enabled rule whose trigger matches ev. Rules
// are started in ascending priority and run concurrently up to the engine's
// limit. The returned executions are in the same priority order.
func (e *Engine) DetectAndRoute(ctx context.Context, ev trigger.Event) ([]*Execution, error) {
	if ev.Type == "" {
		return nil, apperrors.Validation("workflow.DetectAndRoute", "event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}

	var matched []Rule
	for _, r := range e.rules.Snapshot() {
		if r.Enabled && trigger.Matches(r.Trigger, ev) {
			matched = append(matched, r)
		}
	}
	sortRules(matched)
	if len(matched) == 0 {
		e.logger.Debug("no rules matched event", "event_id", ev.ID, "event_type", ev.Type)
		return nil, nil
	}

	ctx = context.WithoutCancel(ctx)
	tctx := ev.Context()
	execs := make([]*Execution, len(matched))
	sem := make(chan struct{}, e.maxConc)
	var wg sync.WaitGroup

	for i, r := range matched {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			execs[i] = e.run(ctx, r, tctx, ev.ID)
		}()
	}
	wg.Wait()

	e.logger.Info("event routed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"matched_rules", len(matched),
	)
	return execs, nil
}

// run executes r to a terminal status and records the execution.
func (e *Engine) run(ctx context.Context, r Rule, triggerContext map[string]any, eventID string) *Execution {
	ctx = context.WithoutCancel(ctx)

	exec := &Execution{
		ID:             uuid.NewString(),
		RuleID:         r.ID,
		RuleName:       r.Name,
		RuleVersion:    r.Version,
		EventID:        eventID,
		TriggerContext: deepCopyMap(triggerContext),
		Status:         StatusRunning,
		Results:        []action.Result{},
		StartedAt:      e.now(),
	}
	if exec.TriggerContext == nil {
		exec.TriggerContext = map[string]any{}
	}

	status := StatusSkipped
	if condition.Evaluate(r.Conditions, exec.TriggerContext) {
		for _, a := range r.Actions {
			res := e.actions.Execute(ctx, a, action.Context{
				ExecutionID: exec.ID,
				RuleID:      r.ID,
				RuleName:    r.Name,
				Trigger:     exec.TriggerContext,
				Previous:    slices.Clone(exec.Results),
				RulePolicy:  r.RetryPolicy,
			})
			exec.Results = append(exec.Results, res)
			if !res.Success && r.ErrorPolicy == StopOnError {
				break
			}
		}
		status = aggregate(exec.Results)
	}

	if err := exec.finish(status, e.now()); err != nil {
		e.logger.Error("execution finished twice", "execution_id", exec.ID, "error", err)
	}
	e.record(ctx, exec)
	return exec
}

// record persists and publishes a finished execution. Failures are logged;
// the execution result stands regardless.
func (e *Engine) record(ctx context.Context, exec *Execution) {
	if err := e.execRepo.Save(ctx, exec.ID, *exec.Clone()); err != nil {
		e.logger.Error("failed to save execution", "execution_id", exec.ID, "error", err)
	}
	for _, o := range e.observers {
		o.ObserveExecution(exec.Clone())
	}

	level := slog.LevelInfo
	if exec.Status == StatusFailed || exec.Status == StatusPartialFailure {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "workflow executed",
		"execution_id", exec.ID,
		"rule_id", exec.RuleID,
		"status", exec.Status,
		"actions", len(exec.Results),
		"failed", exec.Failed(),
		"duration_ms", exec.ExecutionTimeMs,
	)
	e.emit(ctx, signal.WorkflowExecuted, exec.ID, exec.Clone())
}

// GetExecution returns a recorded execution.
func (e *Engine) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := e.execRepo.Find(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("workflow.GetExecution", "execution", id)
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (e *Engine) emit(ctx context.Context, t signal.Type, subject string, payload any) {
	if err := e.signals.Publish(ctx, signal.New(t, subject, payload)); err != nil {
		e.logger.Warn("failed to publish signal", "type", t, "subject", subject, "error", err)
	}
}
