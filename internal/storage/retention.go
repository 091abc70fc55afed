package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// RetentionManager applies TTLs to the history tables.
type RetentionManager struct {
	client *ClickHouseClient
	days   int
	logger *slog.Logger
}

// NewRetentionManager creates a retention manager. days <= 0 disables TTLs.
func NewRetentionManager(client *ClickHouseClient, days int, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, days: days, logger: logger}
}

// RetentionStatements returns the ALTER statements for a retention period.
func RetentionStatements(days int) []string {
	if days <= 0 {
		return nil
	}
	policies := []struct{ table, column string }{
		{"workflow_executions", "started_at"},
		{"workflow_action_results", "started_at"},
	}
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		out = append(out, fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
			p.table, p.column, days,
		))
	}
	return out
}

// ApplyTTLs updates table TTLs. Run after migrations.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, stmt := range RetentionStatements(r.days) {
		if err := r.client.Exec(ctx, stmt); err != nil {
			return WrapQueryError("ApplyTTLs", "", err)
		}
	}
	if r.days > 0 {
		r.logger.Info("history retention applied", "days", r.days)
	}
	return nil
}
