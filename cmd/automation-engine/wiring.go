package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"automation-engine/internal/config"
	"automation-engine/internal/extension"
	"automation-engine/internal/integration"
	"automation-engine/internal/storage"
	"automation-engine/internal/workflow"
)

// repositories groups the persistence collaborators of every registry.
type repositories struct {
	rules         storage.Repository[workflow.Rule]
	executions    storage.Repository[workflow.Execution]
	integrations  storage.Repository[integration.Integration]
	extensions    storage.Repository[extension.Extension]
	installations storage.Repository[extension.Installation]

	redis *storage.GoRedisClient
}

func openRepositories(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*repositories, error) {
	if cfg.Storage.Backend != "redis" {
		return &repositories{
			rules:         storage.NewMemoryRepository[workflow.Rule]("rules"),
			executions:    storage.NewBoundedMemoryRepository[workflow.Execution]("executions", cfg.Storage.MemoryExecutionLimit),
			integrations:  storage.NewMemoryRepository[integration.Integration]("integrations"),
			extensions:    storage.NewMemoryRepository[extension.Extension]("extensions"),
			installations: storage.NewMemoryRepository[extension.Installation]("installations"),
		}, nil
	}

	client, err := storage.NewGoRedisClient(ctx, cfg.Storage.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	enc, err := config.NewEncryptionEngine(cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	var opts []storage.RedisRepositoryOption
	if enc.Enabled() {
		opts = append(opts, storage.WithSealer(enc))
		logger.Info("encrypting stored records", "algorithm", enc.Algorithm())
	}
	execOpts := opts
	if cfg.Storage.ExecutionTTL > 0 {
		execOpts = append(append([]storage.RedisRepositoryOption(nil), opts...), storage.WithTTL(cfg.Storage.ExecutionTTL))
	}

	prefix := cfg.Storage.Redis.KeyPrefix
	if prefix == "" {
		prefix = "automation"
	}
	return &repositories{
		rules:         storage.NewRedisRepository[workflow.Rule](client, prefix, "rules", opts...),
		executions:    storage.NewRedisRepository[workflow.Execution](client, prefix, "executions", execOpts...),
		integrations:  storage.NewRedisRepository[integration.Integration](client, prefix, "integrations", opts...),
		extensions:    storage.NewRedisRepository[extension.Extension](client, prefix, "extensions", opts...),
		installations: storage.NewRedisRepository[extension.Installation](client, prefix, "installations", opts...),
		redis:         client,
	}, nil
}

// lateSink lets the integration registry be built before the workflow
// engine that consumes its records.
type lateSink struct {
	mu   sync.RWMutex
	next integration.RecordSink
}

func (s *lateSink) bind(next integration.RecordSink) {
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()
}

func (s *lateSink) Accept(ctx context.Context, integrationID, streamID string, records []map[string]any) error {
	s.mu.RLock()
	next := s.next
	s.mu.RUnlock()
	if next == nil {
		return fmt.Errorf("record sink not ready")
	}
	return next.Accept(ctx, integrationID, streamID, records)
}
