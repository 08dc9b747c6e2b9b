package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher produces work orders to a single topic using franz-go.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher dials the brokers and verifies the connection. A failed
// dial is fatal for the caller: the scheduler must not start without a
// reachable broker.
func NewKafkaPublisher(ctx context.Context, brokers []string, topic string) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("aggd-"+uuid.NewString()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}

	slog.Info("[Kafka] Publisher initialized", "brokers", brokers, "topic", topic)
	return &KafkaPublisher{client: client, topic: topic}, nil
}

// Publish produces one message. The produce is synchronous so broker errors
// surface to the scheduler, which leaves dirty flags set for the next pass.
func (p *KafkaPublisher) Publish(ctx context.Context, payload []byte) error {
	rec := &kgo.Record{Topic: p.topic, Value: payload}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
