package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"automation-engine/internal/action"
	"automation-engine/internal/condition"
	"automation-engine/internal/retry"
	"automation-engine/internal/trigger"
)

const ruleList = `
- name: Escalate large payments
  priority: 2
  tags: [finance]
  trigger:
    type: EVENT
    event:
      event_type: payment.created
  conditions:
    - field: amount
      operator: GREATER_THAN
      value: 10000
    - combinator: AND
      field: currency
      operator: IN
      value: [USD, EUR]
  retry_policy:
    max_retries: 2
    backoff_strategy: EXPONENTIAL
    initial_delay: 100ms
    max_delay: 1s
  actions:
    - kind: NOTIFY
      order: 1
      notify:
        recipients: [finance@example.com]
        channels: [email]
    - kind: API_CALL
      order: 2
      api_call:
        url: https://tickets.example.com/api/issues
        method: POST
        timeout: 5s
- name: Nightly digest
  enabled: false
  trigger:
    type: SCHEDULE
    schedule:
      cron: "0 2 * * *"
  actions:
    - kind: WEBHOOK
      order: 1
      webhook:
        url: https://hooks.example.com/digest
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(ruleList))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules", len(rules))
	}

	r := rules[0]
	if !r.Enabled || r.Priority != 2 || r.ErrorPolicy != ContinueOnError {
		t.Errorf("rule 0 = %+v", r)
	}
	if r.Trigger.Type != trigger.TypeEvent || r.Trigger.Event.EventType != "payment.created" {
		t.Errorf("trigger = %+v", r.Trigger)
	}
	if len(r.Conditions) != 2 || r.Conditions[1].Operator != condition.In || r.Conditions[1].Combinator != condition.And {
		t.Errorf("conditions = %+v", r.Conditions)
	}
	if !condition.Evaluate(r.Conditions, map[string]any{"amount": 20000, "currency": "EUR"}) {
		t.Error("parsed conditions do not match a qualifying payment")
	}
	if r.RetryPolicy == nil || r.RetryPolicy.InitialDelay != 100*time.Millisecond || r.RetryPolicy.BackoffStrategy != retry.Exponential {
		t.Errorf("retry policy = %+v", r.RetryPolicy)
	}
	if a := r.Actions[1]; a.Kind != action.KindAPICall || a.APICall.Timeout != 5*time.Second {
		t.Errorf("api call action = %+v", a)
	}

	if rules[1].Enabled {
		t.Error("explicit enabled: false was ignored")
	}
}

func TestParseRules_SingleDocument(t *testing.T) {
	doc := `
name: Single
trigger:
  type: DETECTION
  detection:
    severity_levels: [HIGH, CRITICAL]
actions:
  - kind: ESCALATE
    order: 1
    escalate:
      recipients: [director]
      level: 2
      reason: high severity incident
`
	rules, err := ParseRules([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Actions[0].Escalate.Level != 2 || rules[0].Actions[0].Escalate.Recipients[0] != "director" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"not yaml", "::: [", "parse"},
		{"no actions", "- name: empty\n  trigger: {type: EVENT, event: {event_type: x}}\n", "action"},
		{"bad operator", "- name: r\n  trigger: {type: EVENT, event: {event_type: x}}\n  conditions: [{field: a, operator: NEAR}]\n  actions: [{kind: WEBHOOK, order: 1, webhook: {url: 'https://x.example.com'}}]\n", "operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadRulesAndImport(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b-finance.yaml"), []byte(ruleList), 0o644); err != nil {
		t.Fatal(err)
	}
	single := "name: Ops page\ntrigger: {type: EVENT, event: {event_type: host.down}}\nactions: [{kind: NOTIFY, order: 1, notify: {recipients: [ops]}}]\n"
	if err := os.WriteFile(filepath.Join(dir, "a-ops.yml"), []byte(single), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := LoadRules(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || filepath.Base(files[0].Path) != "a-ops.yml" || len(files[1].Rules) != 2 {
		t.Fatalf("files = %+v", files)
	}

	e := newTestEngine(t, &fakeRunner{})
	var all []Rule
	for _, f := range files {
		all = append(all, f.Rules...)
	}
	n, err := e.ImportRules(context.Background(), all)
	if err != nil || n != 3 {
		t.Fatalf("ImportRules() = %d, %v", n, err)
	}
	n, err = e.ImportRules(context.Background(), all)
	if err != nil || n != 0 {
		t.Errorf("second ImportRules() = %d, %v; existing names should be kept", n, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "c-broken.yaml"), []byte("- name: broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(dir); err == nil || !strings.Contains(err.Error(), "c-broken.yaml") {
		t.Errorf("broken file error = %v", err)
	}
}
