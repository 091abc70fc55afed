package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"automation-engine/internal/action"
	"automation-engine/internal/config"
	"automation-engine/internal/workflow"
)

type sinkFunc func(ctx context.Context, integrationID, streamID string, records []map[string]any) error

func (f sinkFunc) Accept(ctx context.Context, integrationID, streamID string, records []map[string]any) error {
	return f(ctx, integrationID, streamID, records)
}

type okRunner struct{}

func (okRunner) Execute(_ context.Context, a action.Action, _ action.Context) action.Result {
	return action.Result{Kind: a.Kind, Order: a.Order, Success: true, Attempts: 1}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLateSink(t *testing.T) {
	s := &lateSink{}
	if err := s.Accept(context.Background(), "i", "s", nil); err == nil {
		t.Error("expected error before bind")
	}

	var got string
	s.bind(sinkFunc(func(_ context.Context, integrationID, _ string, _ []map[string]any) error {
		got = integrationID
		return nil
	}))
	if err := s.Accept(context.Background(), "int-1", "s", nil); err != nil {
		t.Fatal(err)
	}
	if got != "int-1" {
		t.Errorf("forwarded integration = %q", got)
	}
}

func TestOpenRepositoriesMemory(t *testing.T) {
	repos, err := openRepositories(context.Background(), config.DefaultConfig(), discard())
	if err != nil {
		t.Fatal(err)
	}
	if repos.redis != nil || repos.rules == nil || repos.installations == nil {
		t.Errorf("unexpected repositories: %+v", repos)
	}
}

func TestImportRuleFiles(t *testing.T) {
	engine, err := workflow.NewEngine(workflow.Options{Actions: okRunner{}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := importRuleFiles(ctx, engine, filepath.Join(t.TempDir(), "absent"), discard()); err != nil {
		t.Errorf("missing directory should be skipped, got %v", err)
	}

	dir := t.TempDir()
	rules := `
- name: order alert
  trigger:
    type: EVENT
    event:
      event_type: order.created
  actions:
    - kind: NOTIFY
      order: 1
      notify:
        recipients: ["ops@example.com"]
`
	if err := os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte(rules), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := importRuleFiles(ctx, engine, dir, discard()); err != nil {
		t.Fatal(err)
	}
	if got := engine.ListRules(ctx, workflow.Filter{}); len(got) != 1 || !got[0].Enabled {
		t.Errorf("ListRules() = %+v", got)
	}
}
