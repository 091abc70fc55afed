package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"automation-engine/internal/action"
	"automation-engine/internal/workflow"
)

func execution(ruleID string, status workflow.Status, ms int64, results ...action.Result) *workflow.Execution {
	start := time.Now()
	done := start.Add(time.Duration(ms) * time.Millisecond)
	return &workflow.Execution{
		ID:              ruleID + "-" + string(status),
		RuleID:          ruleID,
		RuleName:        "rule " + ruleID,
		Status:          status,
		Results:         results,
		ExecutionTimeMs: ms,
		StartedAt:       start,
		CompletedAt:     &done,
	}
}

func TestGetWorkflowMetrics(t *testing.T) {
	a := NewAggregator(Config{TopN: 2}, nil)

	a.ObserveExecution(execution("a", workflow.StatusCompleted, 100))
	a.ObserveExecution(execution("a", workflow.StatusCompleted, 300))
	a.ObserveExecution(execution("a", workflow.StatusFailed, 200))
	a.ObserveExecution(execution("b", workflow.StatusPartialFailure, 400))
	a.ObserveExecution(execution("b", workflow.StatusSkipped, 0))
	a.ObserveExecution(execution("c", workflow.StatusSkipped, 0))
	a.ObserveExecution(&workflow.Execution{RuleID: "d", Status: workflow.StatusRunning})

	m := a.GetWorkflowMetrics()
	if m.TotalExecutions != 6 || m.Completed != 2 || m.Failed != 1 || m.PartialFailures != 1 || m.Skipped != 2 {
		t.Errorf("totals = %+v", m)
	}
	if m.AvgExecutionMs != 1000.0/6 {
		t.Errorf("avg = %v", m.AvgExecutionMs)
	}
	if m.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5 (skips excluded)", m.SuccessRate)
	}
	if len(m.Rules) != 3 || m.Rules[0].RuleID != "a" || m.Rules[0].AvgExecutionMs != 200 {
		t.Errorf("rules = %+v", m.Rules)
	}
	if len(m.MostTriggered) != 2 || m.MostTriggered[0].RuleID != "a" || m.MostTriggered[1].RuleID != "b" {
		t.Errorf("most triggered = %+v", m.MostTriggered)
	}
}

func TestGetIntegrationMetrics(t *testing.T) {
	a := NewAggregator(DefaultConfig(), nil)

	a.ObserveExecution(execution("r", workflow.StatusPartialFailure, 50,
		action.Result{Kind: action.KindAPICall, IntegrationID: "crm", Success: true, DurationMs: 40},
		action.Result{Kind: action.KindAPICall, IntegrationID: "crm", Success: false, DurationMs: 20},
		action.Result{Kind: action.KindNotify, Success: true},
	))
	a.ObserveSync("crm", 25, time.Second, nil)
	a.ObserveSync("crm", 0, time.Second, errors.New("timeout"))
	a.ObserveSync("erp", 10, time.Second, nil)

	crm := a.GetIntegrationMetrics("crm")
	if len(crm) != 1 {
		t.Fatalf("crm metrics = %+v", crm)
	}
	s := crm[0]
	if s.Calls != 2 || s.Succeeded != 1 || s.Failed != 1 || s.AvgLatencyMs != 30 {
		t.Errorf("call stats = %+v", s)
	}
	if s.Syncs != 2 || s.FailedSyncs != 1 || s.RecordsSynced != 25 {
		t.Errorf("sync stats = %+v", s)
	}

	all := a.GetIntegrationMetrics("")
	if len(all) != 2 || all[0].IntegrationID != "crm" || all[1].IntegrationID != "erp" {
		t.Errorf("all = %+v", all)
	}
	if got := a.GetIntegrationMetrics("unknown"); len(got) != 0 {
		t.Errorf("unknown = %+v", got)
	}
}

func TestOptimizeWorkflowRules(t *testing.T) {
	a := NewAggregator(Config{RecentWindow: 10, MinSamples: 5, SkipRatioThreshold: 0.6}, nil)

	// noisy: 9 of the last 10 skipped
	a.ObserveExecution(execution("noisy", workflow.StatusCompleted, 1))
	for range 12 {
		a.ObserveExecution(execution("noisy", workflow.StatusSkipped, 0))
	}
	a.ObserveExecution(execution("noisy", workflow.StatusCompleted, 1))

	// healthy: half skipped
	for i := range 10 {
		st := workflow.StatusCompleted
		if i%2 == 0 {
			st = workflow.StatusSkipped
		}
		a.ObserveExecution(execution("healthy", st, 1))
	}

	// sparse: too few samples
	for range 3 {
		a.ObserveExecution(execution("sparse", workflow.StatusSkipped, 0))
	}

	recs := a.OptimizeWorkflowRules()
	if len(recs) != 1 {
		t.Fatalf("recommendations = %+v", recs)
	}
	if recs[0].RuleID != "noisy" || recs[0].Samples != 10 || recs[0].SkipRatio != 0.9 {
		t.Errorf("recommendation = %+v", recs[0])
	}
	if !strings.Contains(recs[0].Suggestion, "tighten the conditions") {
		t.Errorf("suggestion = %q", recs[0].Suggestion)
	}
}

func TestHandlerExportsCounters(t *testing.T) {
	a := NewAggregator(Config{Namespace: "test"}, nil)
	a.ObserveExecution(execution("r", workflow.StatusCompleted, 10,
		action.Result{Kind: action.KindWebhook, Success: true, DurationMs: 5},
	))
	a.ObserveSync("crm", 3, 10*time.Millisecond, nil)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`test_workflow_executions_total{status="COMPLETED"} 1`,
		`test_actions_total{kind="WEBHOOK",outcome="success"} 1`,
		`test_datastream_records_total 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
