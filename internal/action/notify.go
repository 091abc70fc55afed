package action

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"automation-engine/internal/notify"
	"automation-engine/internal/retry"
)

// NotifyExecutor hands NOTIFY and ESCALATE actions to a notify.Notifier. The
// engine does not wait for delivery, only for the service to accept the request.
type NotifyExecutor struct {
	notifier notify.Notifier
	now      func() time.Time
}

// NewNotifyExecutor creates a NotifyExecutor.
func NewNotifyExecutor(n notify.Notifier) *NotifyExecutor {
	return &NotifyExecutor{notifier: n, now: time.Now}
}

// Execute implements Executor.
func (e *NotifyExecutor) Execute(ctx context.Context, a Action, actx Context) (map[string]any, error) {
	req, err := e.request(a, actx)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	receipt, err := e.notifier.Deliver(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("delivery request failed: %w", err)
	}
	if !receipt.Accepted {
		msg := receipt.Message
		if msg == "" {
			msg = "no reason given"
		}
		return nil, retry.Permanent(errors.New("delivery request rejected: " + msg))
	}

	return map[string]any{
		"requestId":  req.ID,
		"receiptId":  receipt.ID,
		"recipients": len(req.Recipients),
		"accepted":   true,
	}, nil
}

func (e *NotifyExecutor) request(a Action, actx Context) (notify.Request, error) {
	var cfg NotifyConfig
	req := notify.Request{RequestedAt: e.now()}

	switch {
	case a.Kind == KindNotify && a.Notify != nil:
		cfg = *a.Notify
	case a.Kind == KindEscalate && a.Escalate != nil:
		cfg = a.Escalate.NotifyConfig
		req.Escalation = true
		req.Level = a.Escalate.Level
		req.Reason = a.Escalate.Reason
		if cfg.Priority == "" {
			cfg.Priority = notify.PriorityHigh
		}
	default:
		return req, fmt.Errorf("notify executor cannot run %s action without its config", a.Kind)
	}
	if len(cfg.Recipients) == 0 {
		return req, errors.New("no recipients")
	}
	if cfg.Priority == "" {
		cfg.Priority = notify.PriorityNormal
	}

	// Stable per execution and action so the delivery service can de-duplicate retries.
	if actx.ExecutionID != "" {
		req.ID = fmt.Sprintf("%s-%d", actx.ExecutionID, a.Order)
	}
	req.Recipients = append([]string(nil), cfg.Recipients...)
	req.Channels = append([]string(nil), cfg.Channels...)
	req.Template = cfg.Template
	req.Subject = cfg.Subject
	req.Priority = cfg.Priority
	req.Payload = map[string]any{
		"rule":     map[string]any{"id": actx.RuleID, "name": actx.RuleName},
		"context":  maps.Clone(actx.Trigger),
		"previous": actx.PreviousSummaries(),
	}
	return req, nil
}
