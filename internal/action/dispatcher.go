package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/retry"
)

// Executor performs one attempt of an action. Errors wrapped with
// retry.Permanent are not retried.
type Executor interface {
	Execute(ctx context.Context, a Action, actx Context) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Action, actx Context) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, a Action, actx Context) (map[string]any, error) {
	return f(ctx, a, actx)
}

// integrationIDer is implemented by executors that can name the integration an
// action targets.
type integrationIDer interface {
	IntegrationID(a Action) string
}

// Dispatcher routes actions to executors by kind.
type Dispatcher struct {
	executors     map[Kind]Executor
	retry         *retry.Controller
	defaultPolicy retry.Policy
	logger        *slog.Logger
	now           func() time.Time
}

// NewDispatcher creates a dispatcher. ctrl and logger may be nil.
func NewDispatcher(ctrl *retry.Controller, defaultPolicy retry.Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ctrl == nil {
		ctrl = retry.NewController(retry.WithLogger(logger))
	}
	return &Dispatcher{
		executors:     make(map[Kind]Executor),
		retry:         ctrl,
		defaultPolicy: defaultPolicy,
		logger:        logger.With("component", "action_dispatcher"),
		now:           time.Now,
	}
}

// Register sets the executor for kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, e Executor) {
	d.executors[kind] = e
}

// policyFor picks the action's policy, then the rule's, then the default.
func (d *Dispatcher) policyFor(a Action, actx Context) retry.Policy {
	switch {
	case a.RetryPolicy != nil:
		return *a.RetryPolicy
	case actx.RulePolicy != nil:
		return *actx.RulePolicy
	default:
		return d.defaultPolicy
	}
}

// Execute runs a under its retry policy. It never returns an error: failures
// are recorded in the Result with a sanitized message and an error kind.
func (d *Dispatcher) Execute(ctx context.Context, a Action, actx Context) Result {
	res := Result{
		Kind:      a.Kind,
		Order:     a.Order,
		Name:      a.Label(),
		StartedAt: d.now(),
	}

	exec, ok := d.executors[a.Kind]
	if !ok {
		return d.finish(res, 0, apperrors.ActionFailed("action.Execute", fmt.Errorf("no executor registered for %s", a.Kind)))
	}
	if ider, ok := exec.(integrationIDer); ok {
		res.IntegrationID = ider.IntegrationID(a)
	}

	var output map[string]any
	outcome := d.retry.Run(ctx, d.policyFor(a, actx), func(ctx context.Context, attempt int) error {
		out, err := d.attempt(ctx, exec, a, actx)
		if err != nil {
			d.logger.Debug("action attempt failed",
				"execution_id", actx.ExecutionID,
				"action", res.Name,
				"attempt", attempt,
				"error", apperrors.SafeMessage(err),
			)
			return err
		}
		output = out
		return nil
	})

	res.Output = output
	return d.finish(res, outcome.Attempts, outcome.Err)
}

// attempt runs one executor call, converting a panic into an error.
func (d *Dispatcher) attempt(ctx context.Context, exec Executor, a Action, actx Context) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return exec.Execute(ctx, a, actx)
}

func (d *Dispatcher) finish(res Result, attempts int, err error) Result {
	res.Attempts = attempts
	res.CompletedAt = d.now()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	if err == nil {
		res.Success = true
		return res
	}

	kind := apperrors.KindActionExecution
	if apperrors.KindOf(err) == apperrors.KindMaxRetriesExceeded {
		kind = apperrors.KindMaxRetriesExceeded
	}
	res.ErrorKind = string(kind)
	res.Error = apperrors.SafeMessage(err)

	d.logger.Warn("action failed",
		"action", res.Name,
		"kind", res.Kind,
		"attempts", attempts,
		"error_kind", res.ErrorKind,
		"error", res.Error,
	)
	return res
}
