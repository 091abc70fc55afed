// Package action defines workflow actions and the executors that run them.
//
// Every action kind has its own typed config. Executors return an output
// map or an error; the Dispatcher runs them under the retry controller and
// always converts the outcome into a Result, so one failing action never
// aborts its siblings.
package action

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"automation-engine/internal/notify"
	"automation-engine/internal/retry"
	"automation-engine/internal/validation"
)

// Kind identifies an action type.
type Kind string

const (
	KindNotify   Kind = "NOTIFY"
	KindEscalate Kind = "ESCALATE"
	KindAPICall  Kind = "API_CALL"
	KindWebhook  Kind = "WEBHOOK"
)

// NotifyConfig asks the delivery service to notify recipients.
type NotifyConfig struct {
	Recipients []string        `yaml:"recipients" json:"recipients" validate:"required,min=1,dive,required"`
	Channels   []string        `yaml:"channels,omitempty" json:"channels,omitempty" validate:"omitempty,dive,oneof=email sms push slack teams webhook"`
	Template   string          `yaml:"template,omitempty" json:"template,omitempty"`
	Subject    string          `yaml:"subject,omitempty" json:"subject,omitempty"`
	Priority   notify.Priority `yaml:"priority,omitempty" json:"priority,omitempty" validate:"omitempty,oneof=LOW NORMAL HIGH CRITICAL"`
}

// EscalateConfig is a notification to a higher tier with a level and reason.
type EscalateConfig struct {
	NotifyConfig `yaml:",inline" json:",inline"`
	Level        int    `yaml:"level" json:"level" validate:"gte=1,lte=10"`
	Reason       string `yaml:"reason" json:"reason" validate:"required"`
}

// APICallConfig calls either an endpoint of a registered integration or a
// raw URL. Body values are merged over the integration's mapped fields.
type APICallConfig struct {
	IntegrationID    string            `yaml:"integration_id,omitempty" json:"integrationId,omitempty"`
	Endpoint         string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	URL              string            `yaml:"url,omitempty" json:"url,omitempty" validate:"omitempty,http_url"`
	Method           string            `yaml:"method,omitempty" json:"method,omitempty" validate:"omitempty,http_method"`
	Headers          map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body             map[string]any    `yaml:"body,omitempty" json:"body,omitempty"`
	CredentialHandle string            `yaml:"credential_handle,omitempty" json:"credentialHandle,omitempty"`
	Timeout          time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
}

// WebhookConfig posts the execution context to a URL. When SecretHandle is
// set the body is signed with HMAC-SHA256.
type WebhookConfig struct {
	URL          string            `yaml:"url" json:"url" validate:"required,http_url"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	SecretHandle string            `yaml:"secret_handle,omitempty" json:"secretHandle,omitempty"`
	Timeout      time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
}

// Action is one step of a workflow rule. Exactly one config matching Kind
// must be set.
type Action struct {
	Kind        Kind            `yaml:"kind" json:"kind" validate:"required,oneof=NOTIFY ESCALATE API_CALL WEBHOOK"`
	Order       int             `yaml:"order" json:"order" validate:"gte=0"`
	Name        string          `yaml:"name,omitempty" json:"name,omitempty"`
	Notify      *NotifyConfig   `yaml:"notify,omitempty" json:"notify,omitempty"`
	Escalate    *EscalateConfig `yaml:"escalate,omitempty" json:"escalate,omitempty"`
	APICall     *APICallConfig  `yaml:"api_call,omitempty" json:"apiCall,omitempty"`
	Webhook     *WebhookConfig  `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	RetryPolicy *retry.Policy   `yaml:"retry_policy,omitempty" json:"retryPolicy,omitempty"`
}

// Validate checks that the config variant matches the kind and is well formed.
func (a Action) Validate() error {
	if err := validation.Struct(a); err != nil {
		return err
	}

	set := 0
	for _, present := range []bool{a.Notify != nil, a.Escalate != nil, a.APICall != nil, a.Webhook != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("action %d: only one config may be set", a.Order)
	}

	switch a.Kind {
	case KindNotify:
		if a.Notify == nil {
			return fmt.Errorf("action %d: NOTIFY requires notify config", a.Order)
		}
	case KindEscalate:
		if a.Escalate == nil {
			return fmt.Errorf("action %d: ESCALATE requires escalate config", a.Order)
		}
	case KindAPICall:
		if a.APICall == nil {
			return fmt.Errorf("action %d: API_CALL requires api_call config", a.Order)
		}
		if (a.APICall.IntegrationID == "") == (a.APICall.URL == "") {
			return fmt.Errorf("action %d: API_CALL needs exactly one of integration_id or url", a.Order)
		}
		if a.APICall.Endpoint != "" && a.APICall.IntegrationID == "" {
			return fmt.Errorf("action %d: endpoint requires integration_id", a.Order)
		}
	case KindWebhook:
		if a.Webhook == nil {
			return fmt.Errorf("action %d: WEBHOOK requires webhook config", a.Order)
		}
	}

	if a.RetryPolicy != nil {
		if err := a.RetryPolicy.Validate(); err != nil {
			return fmt.Errorf("action %d retry policy: %w", a.Order, err)
		}
	}
	return nil
}

// Label returns the action's name, or its kind and order when unnamed.
func (a Action) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("%s#%d", a.Kind, a.Order)
}

// Clone returns a deep copy.
func (a Action) Clone() Action {
	out := a
	if a.Notify != nil {
		n := cloneNotify(*a.Notify)
		out.Notify = &n
	}
	if a.Escalate != nil {
		e := *a.Escalate
		e.NotifyConfig = cloneNotify(a.Escalate.NotifyConfig)
		out.Escalate = &e
	}
	if a.APICall != nil {
		c := *a.APICall
		c.Headers = maps.Clone(a.APICall.Headers)
		c.Body = maps.Clone(a.APICall.Body)
		out.APICall = &c
	}
	if a.Webhook != nil {
		w := *a.Webhook
		w.Headers = maps.Clone(a.Webhook.Headers)
		out.Webhook = &w
	}
	if a.RetryPolicy != nil {
		p := *a.RetryPolicy
		out.RetryPolicy = &p
	}
	return out
}

func cloneNotify(n NotifyConfig) NotifyConfig {
	n.Recipients = slices.Clone(n.Recipients)
	n.Channels = slices.Clone(n.Channels)
	return n
}

// Result is the recorded outcome of one action in an execution.
type Result struct {
	Kind          Kind           `json:"kind"`
	Order         int            `json:"order"`
	Name          string         `json:"name"`
	Success       bool           `json:"success"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     string         `json:"errorKind,omitempty"`
	Attempts      int            `json:"attempts"`
	IntegrationID string         `json:"integrationId,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   time.Time      `json:"completedAt"`
	DurationMs    int64          `json:"durationMs"`
}

// Summary is the compact form of a result handed to later actions.
func (r Result) Summary() map[string]any {
	return map[string]any{
		"order":   r.Order,
		"name":    r.Name,
		"kind":    string(r.Kind),
		"success": r.Success,
		"output":  r.Output,
		"error":   r.Error,
	}
}

// Context is what an action sees of its execution.
type Context struct {
	ExecutionID string
	RuleID      string
	RuleName    string
	Trigger     map[string]any
	Previous    []Result

	// RulePolicy is the rule's default retry policy, used when the action has none.
	RulePolicy *retry.Policy
}

// PreviousSummaries returns the summaries of earlier results in order.
func (c Context) PreviousSummaries() []map[string]any {
	out := make([]map[string]any, len(c.Previous))
	for i, r := range c.Previous {
		out[i] = r.Summary()
	}
	return out
}
