package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"automation-engine/internal/signal"
)

// HeaderSignalType carries the signal type so consumers can filter without
// decoding the payload.
const HeaderSignalType = "signal-type"

// SignalPublisher forwards bus signals to the signal topic. Messages are keyed
// by subject so every signal about one entity lands on one partition.
type SignalPublisher struct {
	producer *Producer
}

// NewSignalPublisher wraps a producer as a bus subscriber.
func NewSignalPublisher(p *Producer) *SignalPublisher {
	return &SignalPublisher{producer: p}
}

// Name implements signal.Subscriber.
func (s *SignalPublisher) Name() string { return "kafka-signals" }

// Handle implements signal.Subscriber.
func (s *SignalPublisher) Handle(ctx context.Context, sig signal.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("kafka: encode signal %s: %w", sig.Type, err)
	}
	return s.producer.Produce(ctx, []byte(sig.Subject), data,
		kafka.Header{Key: HeaderSignalType, Value: []byte(sig.Type)},
	)
}
