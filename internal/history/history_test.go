package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"automation-engine/internal/action"
	"automation-engine/internal/signal"
	"automation-engine/internal/storage"
	"automation-engine/internal/storage/s3"
	"automation-engine/internal/workflow"
)

func sampleExecution(id string) *workflow.Execution {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	done := start.Add(1500 * time.Millisecond)
	return &workflow.Execution{
		ID:             id,
		RuleID:         "rule-1",
		RuleName:       "escalate",
		RuleVersion:    3,
		EventID:        "evt-1",
		TriggerContext: map[string]any{"value": 150},
		Status:         workflow.StatusPartialFailure,
		Results: []action.Result{
			{Kind: action.KindNotify, Order: 1, Name: "page", Success: true, Attempts: 1, DurationMs: 20, StartedAt: start},
			{Kind: action.KindAPICall, Order: 2, Name: "ticket", Error: "endpoint returned 500", ErrorKind: "MAX_RETRIES_EXCEEDED",
				Attempts: 3, DurationMs: 900, IntegrationID: "int-1", StartedAt: start.Add(30 * time.Millisecond)},
		},
		ExecutionTimeMs: 1500,
		StartedAt:       start,
		CompletedAt:     &done,
	}
}

func TestRows(t *testing.T) {
	row, actions := Rows(*sampleExecution("exec-1"))

	if row.ExecutionID != "exec-1" || row.Status != "PARTIAL_FAILURE" || row.ActionCount != 2 || row.FailedActions != 1 {
		t.Errorf("execution row = %+v", row)
	}
	if row.TriggerContext != `{"value":150}` {
		t.Errorf("trigger context = %s", row.TriggerContext)
	}
	if !row.CompletedAt.Equal(row.StartedAt.Add(1500 * time.Millisecond)) {
		t.Errorf("completed at = %v", row.CompletedAt)
	}
	if len(actions) != 2 {
		t.Fatalf("action rows = %d", len(actions))
	}
	if a := actions[1]; a.Success != 0 || a.Attempts != 3 || a.IntegrationID != "int-1" || a.ErrorKind != "MAX_RETRIES_EXCEEDED" {
		t.Errorf("failed action row = %+v", a)
	}
	if actions[0].Success != 1 {
		t.Error("successful action row not marked")
	}
}

type fakeBatch struct {
	driver.Batch
	rows    [][]any
	sent    bool
	aborted bool
	sendErr error
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error {
	b.aborted = true
	return nil
}

type fakePreparer struct {
	batches    map[string]*fakeBatch
	prepareErr error
	sendErr    map[string]error
}

func (p *fakePreparer) PrepareBatch(_ context.Context, query string) (driver.Batch, error) {
	if p.prepareErr != nil {
		return nil, p.prepareErr
	}
	if p.batches == nil {
		p.batches = make(map[string]*fakeBatch)
	}
	b := &fakeBatch{sendErr: p.sendErr[query]}
	p.batches[query] = b
	return b, nil
}

func TestClickHouseInserter(t *testing.T) {
	p := &fakePreparer{}
	ins := NewClickHouseInserter(p)

	err := ins.InsertBatch(context.Background(), []workflow.Execution{*sampleExecution("a"), *sampleExecution("b")})
	if err != nil {
		t.Fatal(err)
	}
	execs, results := p.batches[insertExecutions], p.batches[insertResults]
	if len(execs.rows) != 2 || !execs.sent {
		t.Errorf("execution batch = %d rows, sent=%v", len(execs.rows), execs.sent)
	}
	if len(results.rows) != 4 || !results.sent {
		t.Errorf("result batch = %d rows, sent=%v", len(results.rows), results.sent)
	}
	if len(execs.rows[0]) != 12 || len(results.rows[0]) != 12 {
		t.Errorf("column counts = %d, %d", len(execs.rows[0]), len(results.rows[0]))
	}

	if err := ins.InsertBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch error = %v", err)
	}
}

func TestClickHouseInserter_Failures(t *testing.T) {
	down := errors.New("connection refused")
	if err := NewClickHouseInserter(&fakePreparer{prepareErr: down}).InsertBatch(
		context.Background(), []workflow.Execution{*sampleExecution("a")},
	); !errors.Is(err, down) {
		t.Errorf("prepare error = %v", err)
	}

	p := &fakePreparer{sendErr: map[string]error{insertExecutions: down}}
	err := NewClickHouseInserter(p).InsertBatch(context.Background(), []workflow.Execution{*sampleExecution("a")})
	if !errors.Is(err, down) {
		t.Errorf("send error = %v", err)
	}
	if !p.batches[insertResults].aborted {
		t.Error("result batch not aborted after execution batch failed")
	}
}

type captureInserter struct {
	mu    sync.Mutex
	items []workflow.Execution
}

func (c *captureInserter) InsertBatch(_ context.Context, items []workflow.Execution) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, items...)
	return nil
}

func TestRecorder(t *testing.T) {
	ins := &captureInserter{}
	cfg := storage.DefaultBatchWriterConfig()
	cfg.BatchSize = 10
	cfg.FlushInterval = time.Hour
	r := NewRecorder(ins, cfg, nil)
	defer r.Close()
	ctx := context.Background()

	if err := r.Handle(ctx, signal.New(signal.RuleCreated, "rule-1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Handle(ctx, signal.New(signal.WorkflowExecuted, "exec-1", sampleExecution("exec-1"))); err != nil {
		t.Fatal(err)
	}
	if err := r.Handle(ctx, signal.New(signal.WorkflowExecuted, "exec-2", *sampleExecution("exec-2"))); err != nil {
		t.Fatal(err)
	}
	if err := r.Handle(ctx, signal.New(signal.WorkflowExecuted, "bad", "not an execution")); err == nil {
		t.Error("expected error for unexpected payload")
	}

	if m := r.Metrics(); m.Pending != 2 {
		t.Errorf("pending = %d", m.Pending)
	}
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(ins.items) != 2 || ins.items[1].ID != "exec-2" {
		t.Errorf("inserted = %+v", ins.items)
	}
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func (m *memStore) Put(_ context.Context, key string, body []byte, _ string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("put refused")
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = body
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, s3.ErrObjectNotFound
	}
	return b, nil
}

func (m *memStore) List(context.Context, string) ([]s3.ObjectInfo, error) { return nil, nil }

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func TestArchiver(t *testing.T) {
	store := &memStore{}
	inner := s3.NewArchiver(store, s3.DefaultArchiverConfig(), nil)
	a := NewArchiver(inner, ArchiveConfig{MaxBuffered: 3, FlushInterval: time.Hour}, nil)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		if err := a.Handle(ctx, signal.New(signal.WorkflowExecuted, id, sampleExecution(id))); err != nil {
			t.Fatal(err)
		}
	}
	if a.Pending() != 2 {
		t.Fatalf("pending = %d", a.Pending())
	}

	store.failPut = true
	if _, err := a.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if a.Pending() != 2 {
		t.Errorf("records lost after failed flush: pending = %d", a.Pending())
	}

	store.failPut = false
	if err := a.Handle(ctx, signal.New(signal.WorkflowExecuted, "e3", sampleExecution("e3"))); err != nil {
		t.Fatal(err)
	}
	if a.Pending() != 0 {
		t.Errorf("buffer not flushed at capacity: pending = %d", a.Pending())
	}

	if m := inner.Metrics(); m.RecordsArchived != 3 {
		t.Errorf("archived = %+v", m)
	}
}

func TestArchiver_RestoresExecutions(t *testing.T) {
	store := &memStore{}
	inner := s3.NewArchiver(store, s3.DefaultArchiverConfig(), nil)
	a := NewArchiver(inner, ArchiveConfig{MaxBuffered: 100, FlushInterval: time.Hour}, nil)
	ctx := context.Background()

	_ = a.Handle(ctx, signal.New(signal.WorkflowExecuted, "e1", sampleExecution("e1")))
	m, err := a.Flush(ctx)
	if err != nil || m == nil {
		t.Fatalf("Flush() = %v, %v", m, err)
	}

	records, err := inner.Restore(ctx, m.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("Restore() = %v, %v", records, err)
	}
	var got workflow.Execution
	if err := json.Unmarshal(records[0].Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "e1" || got.Status != workflow.StatusPartialFailure || len(got.Results) != 2 {
		t.Errorf("restored execution = %+v", got)
	}
}

func TestArchiver_RunFlushesOnShutdown(t *testing.T) {
	store := &memStore{}
	inner := s3.NewArchiver(store, s3.DefaultArchiverConfig(), nil)
	a := NewArchiver(inner, ArchiveConfig{MaxBuffered: 100, FlushInterval: time.Hour}, nil)
	_ = a.Handle(context.Background(), signal.New(signal.WorkflowExecuted, "e1", sampleExecution("e1")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if a.Pending() != 0 {
		t.Errorf("pending after shutdown = %d", a.Pending())
	}
}
