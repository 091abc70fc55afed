package action

import (
	"context"
	"errors"
	"sync"
	"testing"

	"automation-engine/internal/notify"
	"automation-engine/internal/retry"
)

type mockNotifier struct {
	mu       sync.Mutex
	requests []notify.Request
	receipt  notify.Receipt
	err      error
}

func (m *mockNotifier) Deliver(_ context.Context, req notify.Request) (notify.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.receipt, m.err
}

func TestNotifyExecutor(t *testing.T) {
	n := &mockNotifier{receipt: notify.Receipt{ID: "r-1", Accepted: true}}
	exec := NewNotifyExecutor(n)

	a := Action{Kind: KindNotify, Order: 1, Notify: &NotifyConfig{
		Recipients: []string{"ops@example.com", "sec@example.com"},
		Channels:   []string{"email"},
		Template:   "incident-opened",
	}}
	actx := Context{ExecutionID: "exec-1", RuleName: "disk", Trigger: map[string]any{"host": "db-01"}}

	out, err := exec.Execute(context.Background(), a, actx)
	if err != nil {
		t.Fatal(err)
	}
	if out["receiptId"] != "r-1" || out["recipients"] != 2 {
		t.Errorf("output = %v", out)
	}

	req := n.requests[0]
	if req.ID != "exec-1-1" || req.Priority != notify.PriorityNormal || req.Escalation {
		t.Errorf("request = %+v", req)
	}
	if ctx, _ := req.Payload["context"].(map[string]any); ctx["host"] != "db-01" {
		t.Errorf("payload = %v", req.Payload)
	}
}

func TestEscalateExecutor(t *testing.T) {
	n := &mockNotifier{receipt: notify.Receipt{Accepted: true}}
	exec := NewNotifyExecutor(n)

	a := Action{Kind: KindEscalate, Order: 2, Escalate: &EscalateConfig{
		NotifyConfig: NotifyConfig{Recipients: []string{"director"}},
		Level:        3,
		Reason:       "unacknowledged for 30m",
	}}
	prev := []Result{{Kind: KindNotify, Order: 1, Success: false, Error: "rejected"}}
	if _, err := exec.Execute(context.Background(), a, Context{Previous: prev}); err != nil {
		t.Fatal(err)
	}

	req := n.requests[0]
	if !req.Escalation || req.Level != 3 || req.Reason != "unacknowledged for 30m" || req.Priority != notify.PriorityHigh {
		t.Errorf("request = %+v", req)
	}
	if p, _ := req.Payload["previous"].([]map[string]any); len(p) != 1 || p[0]["error"] != "rejected" {
		t.Errorf("previous = %v", req.Payload["previous"])
	}
}

func TestNotifyExecutorFailures(t *testing.T) {
	tests := []struct {
		name      string
		notifier  *mockNotifier
		action    Action
		permanent bool
	}{
		{
			name:      "rejected",
			notifier:  &mockNotifier{receipt: notify.Receipt{Accepted: false, Message: "unknown template"}},
			action:    Action{Kind: KindNotify, Notify: &NotifyConfig{Recipients: []string{"a"}}},
			permanent: true,
		},
		{
			name:     "transport error",
			notifier: &mockNotifier{err: errors.New("connection refused")},
			action:   Action{Kind: KindNotify, Notify: &NotifyConfig{Recipients: []string{"a"}}},
		},
		{
			name:      "missing config",
			notifier:  &mockNotifier{},
			action:    Action{Kind: KindEscalate},
			permanent: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNotifyExecutor(tt.notifier).Execute(context.Background(), tt.action, Context{})
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v (%v)", retry.IsPermanent(err), tt.permanent, err)
			}
		})
	}
}
