package action

import (
	"strings"
	"testing"
	"time"

	"automation-engine/internal/retry"
)

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr string
	}{
		{
			name:   "notify",
			action: Action{Kind: KindNotify, Notify: &NotifyConfig{Recipients: []string{"ops@example.com"}}},
		},
		{
			name:    "notify without recipients",
			action:  Action{Kind: KindNotify, Notify: &NotifyConfig{}},
			wantErr: "Recipients",
		},
		{
			name:    "notify without config",
			action:  Action{Kind: KindNotify},
			wantErr: "requires notify config",
		},
		{
			name:    "unknown kind",
			action:  Action{Kind: "SMS"},
			wantErr: "Kind",
		},
		{
			name:    "bad channel",
			action:  Action{Kind: KindNotify, Notify: &NotifyConfig{Recipients: []string{"a"}, Channels: []string{"pigeon"}}},
			wantErr: "Channels",
		},
		{
			name: "escalate",
			action: Action{Kind: KindEscalate, Escalate: &EscalateConfig{
				NotifyConfig: NotifyConfig{Recipients: []string{"oncall"}}, Level: 2, Reason: "sla breach",
			}},
		},
		{
			name: "escalate level zero",
			action: Action{Kind: KindEscalate, Escalate: &EscalateConfig{
				NotifyConfig: NotifyConfig{Recipients: []string{"oncall"}}, Reason: "x",
			}},
			wantErr: "Level",
		},
		{
			name:   "api call raw url",
			action: Action{Kind: KindAPICall, APICall: &APICallConfig{URL: "https://api.example.com/x", Method: "PUT"}},
		},
		{
			name:   "api call integration",
			action: Action{Kind: KindAPICall, APICall: &APICallConfig{IntegrationID: "abc", Endpoint: "create"}},
		},
		{
			name:    "api call both targets",
			action:  Action{Kind: KindAPICall, APICall: &APICallConfig{IntegrationID: "abc", URL: "https://x.example.com"}},
			wantErr: "exactly one",
		},
		{
			name:    "api call neither target",
			action:  Action{Kind: KindAPICall, APICall: &APICallConfig{}},
			wantErr: "exactly one",
		},
		{
			name:    "api call bad url",
			action:  Action{Kind: KindAPICall, APICall: &APICallConfig{URL: "ftp://x"}},
			wantErr: "URL",
		},
		{
			name:    "api call endpoint without integration",
			action:  Action{Kind: KindAPICall, APICall: &APICallConfig{URL: "https://x.example.com", Endpoint: "create"}},
			wantErr: "endpoint requires",
		},
		{
			name:   "webhook",
			action: Action{Kind: KindWebhook, Webhook: &WebhookConfig{URL: "https://hooks.example.com/in"}},
		},
		{
			name:    "webhook missing url",
			action:  Action{Kind: KindWebhook, Webhook: &WebhookConfig{}},
			wantErr: "URL",
		},
		{
			name: "two configs",
			action: Action{
				Kind:    KindWebhook,
				Webhook: &WebhookConfig{URL: "https://hooks.example.com/in"},
				Notify:  &NotifyConfig{Recipients: []string{"a"}},
			},
			wantErr: "only one config",
		},
		{
			name: "bad retry policy",
			action: Action{
				Kind:        KindWebhook,
				Webhook:     &WebhookConfig{URL: "https://hooks.example.com/in"},
				RetryPolicy: &retry.Policy{MaxRetries: 1, InitialDelay: time.Minute, MaxDelay: time.Second},
			},
			wantErr: "retry policy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestActionClone(t *testing.T) {
	orig := Action{
		Kind:    KindAPICall,
		APICall: &APICallConfig{URL: "https://x.example.com", Headers: map[string]string{"a": "1"}, Body: map[string]any{"k": "v"}},
	}
	c := orig.Clone()
	c.APICall.Headers["a"] = "2"
	c.APICall.Body["k"] = "changed"
	c.APICall.URL = "https://y.example.com"

	if orig.APICall.Headers["a"] != "1" || orig.APICall.Body["k"] != "v" || orig.APICall.URL != "https://x.example.com" {
		t.Errorf("clone shares state with original: %+v", orig.APICall)
	}
}

func TestActionLabel(t *testing.T) {
	if got := (Action{Kind: KindNotify, Order: 3}).Label(); got != "NOTIFY#3" {
		t.Errorf("Label() = %q", got)
	}
	if got := (Action{Kind: KindNotify, Name: "page oncall"}).Label(); got != "page oncall" {
		t.Errorf("Label() = %q", got)
	}
}
