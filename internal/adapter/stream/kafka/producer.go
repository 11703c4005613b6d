// Package kafka publishes finished application records to an audit topic.
// The stream is optional; the engine runs fine without it.
package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// DefaultTopic is the audit topic for application outcomes.
const DefaultTopic = "applications.audit"

// Producer implements domain.ApplicationSink over a Kafka-compatible broker.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers. An empty topic falls back to
// DefaultTopic.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}
	return &Producer{client: client, topic: topic}, nil
}

// PublishResult emits one record keyed by user id so a consumer sees each
// user's outcomes in order.
func (p *Producer) PublishResult(ctx domain.Context, rec domain.ApplicationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=kafka.PublishResult marshal: %w", err)
	}
	r := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.UserID),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.PublishResult produce: %w", err)
	}
	slog.Debug("audit record published",
		slog.String("topic", p.topic),
		slog.String("user_id", rec.UserID),
		slog.String("job_id", rec.JobID),
		slog.String("status", string(rec.Status)))
	return nil
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}
