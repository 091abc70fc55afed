package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Admin creates the engine's topics on startup.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a new Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: config, logger: logger}, nil
}

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
}

// Topics returns the topic definitions the engine reads and writes.
func (c *Config) Topics() []TopicConfig {
	names := []string{c.SignalTopic}
	if c.EventTopic != "" && c.EventTopic != c.SignalTopic {
		names = append(names, c.EventTopic)
	}
	out := make([]TopicConfig, 0, len(names))
	for _, n := range names {
		out = append(out, TopicConfig{
			Name:              n,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			RetentionMs:       c.RetentionMs,
		})
	}
	return out
}

func (a *Admin) controller(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	return cc, nil
}

// CreateTopic creates a new Kafka topic.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	conn, err := a.controller(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var entries []kafka.ConfigEntry
	if cfg.RetentionMs > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10),
		})
	}

	if err := conn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     entries,
	}); err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", cfg.Name,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor,
	)
	return nil
}

// ListTopics returns all topics in the cluster.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}

	var topics []string
	for _, p := range partitions {
		if !slices.Contains(topics, p.Topic) {
			topics = append(topics, p.Topic)
		}
	}
	slices.Sort(topics)
	return topics, nil
}

// EnsureTopics creates any of the engine's topics that do not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	existing, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, t := range a.config.Topics() {
		if slices.Contains(existing, t.Name) {
			a.logger.Debug("topic already exists", "topic", t.Name)
			continue
		}
		if err := a.CreateTopic(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck performs a health check on the Kafka cluster.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	return probe(ctx, a.config)
}
