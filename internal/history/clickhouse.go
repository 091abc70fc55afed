package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"automation-engine/internal/signal"
	"automation-engine/internal/storage"
	"automation-engine/internal/workflow"
)

const (
	insertExecutions = "INSERT INTO workflow_executions"
	insertResults    = "INSERT INTO workflow_action_results"
)

// BatchPreparer opens ClickHouse batch inserts. *storage.ClickHouseClient
// implements it.
type BatchPreparer interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// ExecutionRow is one row of workflow_executions.
type ExecutionRow struct {
	ExecutionID     string
	RuleID          string
	RuleName        string
	RuleVersion     int64
	EventID         string
	Status          string
	ActionCount     uint16
	FailedActions   uint16
	ExecutionTimeMs int64
	StartedAt       time.Time
	CompletedAt     time.Time
	TriggerContext  string
}

// ActionRow is one row of workflow_action_results.
type ActionRow struct {
	ExecutionID   string
	RuleID        string
	Order         int32
	Kind          string
	Name          string
	Success       uint8
	ErrorKind     string
	ErrorMessage  string
	Attempts      uint16
	DurationMs    int64
	IntegrationID string
	StartedAt     time.Time
}

// Rows flattens an execution into its table rows.
func Rows(exec workflow.Execution) (ExecutionRow, []ActionRow) {
	ctxJSON, err := json.Marshal(exec.TriggerContext)
	if err != nil {
		ctxJSON = []byte("{}")
	}
	completed := exec.StartedAt
	if exec.CompletedAt != nil {
		completed = *exec.CompletedAt
	}

	row := ExecutionRow{
		ExecutionID:     exec.ID,
		RuleID:          exec.RuleID,
		RuleName:        exec.RuleName,
		RuleVersion:     exec.RuleVersion,
		EventID:         exec.EventID,
		Status:          string(exec.Status),
		ActionCount:     uint16(len(exec.Results)),
		FailedActions:   uint16(exec.Failed()),
		ExecutionTimeMs: exec.ExecutionTimeMs,
		StartedAt:       exec.StartedAt.UTC(),
		CompletedAt:     completed.UTC(),
		TriggerContext:  string(ctxJSON),
	}

	actions := make([]ActionRow, len(exec.Results))
	for i, r := range exec.Results {
		var ok uint8
		if r.Success {
			ok = 1
		}
		actions[i] = ActionRow{
			ExecutionID:   exec.ID,
			RuleID:        exec.RuleID,
			Order:         int32(r.Order),
			Kind:          string(r.Kind),
			Name:          r.Name,
			Success:       ok,
			ErrorKind:     r.ErrorKind,
			ErrorMessage:  r.Error,
			Attempts:      uint16(r.Attempts),
			DurationMs:    r.DurationMs,
			IntegrationID: r.IntegrationID,
			StartedAt:     r.StartedAt.UTC(),
		}
	}
	return row, actions
}

// ClickHouseInserter writes executions and their action results in two
// batch inserts.
type ClickHouseInserter struct {
	conn BatchPreparer
}

// NewClickHouseInserter creates an inserter over conn.
func NewClickHouseInserter(conn BatchPreparer) *ClickHouseInserter {
	return &ClickHouseInserter{conn: conn}
}

// InsertBatch implements storage.BatchInserter.
func (c *ClickHouseInserter) InsertBatch(ctx context.Context, execs []workflow.Execution) error {
	if len(execs) == 0 {
		return nil
	}

	execBatch, err := c.conn.PrepareBatch(ctx, insertExecutions)
	if err != nil {
		return fmt.Errorf("failed to prepare execution batch: %w", err)
	}
	resultBatch, err := c.conn.PrepareBatch(ctx, insertResults)
	if err != nil {
		_ = execBatch.Abort()
		return fmt.Errorf("failed to prepare result batch: %w", err)
	}

	for _, exec := range execs {
		row, actions := Rows(exec)
		if err := execBatch.Append(
			row.ExecutionID, row.RuleID, row.RuleName, row.RuleVersion, row.EventID,
			row.Status, row.ActionCount, row.FailedActions, row.ExecutionTimeMs,
			row.StartedAt, row.CompletedAt, row.TriggerContext,
		); err != nil {
			_ = execBatch.Abort()
			_ = resultBatch.Abort()
			return fmt.Errorf("failed to append execution %s: %w", row.ExecutionID, err)
		}
		for _, a := range actions {
			if err := resultBatch.Append(
				a.ExecutionID, a.RuleID, a.Order, a.Kind, a.Name, a.Success,
				a.ErrorKind, a.ErrorMessage, a.Attempts, a.DurationMs, a.IntegrationID, a.StartedAt,
			); err != nil {
				_ = execBatch.Abort()
				_ = resultBatch.Abort()
				return fmt.Errorf("failed to append results of %s: %w", row.ExecutionID, err)
			}
		}
	}

	if err := execBatch.Send(); err != nil {
		_ = resultBatch.Abort()
		return fmt.Errorf("failed to send execution batch: %w", err)
	}
	if err := resultBatch.Send(); err != nil {
		return fmt.Errorf("failed to send result batch: %w", err)
	}
	return nil
}

// Recorder buffers executions from the signal bus into a batch writer.
type Recorder struct {
	writer *storage.BatchWriter[workflow.Execution]
	logger *slog.Logger
}

// NewRecorder creates a Recorder that inserts through inserter.
func NewRecorder(inserter storage.BatchInserter[workflow.Execution], cfg storage.BatchWriterConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history_recorder")
	return &Recorder{
		writer: storage.NewBatchWriter(inserter, cfg, logger),
		logger: logger,
	}
}

// Name implements signal.Subscriber.
func (r *Recorder) Name() string { return "history-clickhouse" }

// Handle implements signal.Subscriber. Signals other than workflow.executed
// are ignored.
func (r *Recorder) Handle(_ context.Context, sig signal.Signal) error {
	if sig.Type != signal.WorkflowExecuted {
		return nil
	}
	exec, err := executionFrom(sig)
	if err != nil {
		return err
	}
	return r.writer.Write(*exec)
}

// Flush forces buffered executions out.
func (r *Recorder) Flush() error { return r.writer.Flush() }

// Close flushes and stops the writer.
func (r *Recorder) Close() error { return r.writer.Close() }

// Metrics returns batch writer statistics.
func (r *Recorder) Metrics() storage.BatchWriterMetrics { return r.writer.Metrics() }
