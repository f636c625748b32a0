package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/config"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
	"github.com/segmentio/kafka-go"
)

func init() {
	registryevents.Register(registryevents.Plugin{
		Name: "kafka",
		Loader: func(ctx context.Context) (registryevents.Publisher, error) {
			cfg := config.FromContext(ctx)
			brokers := cfg.KafkaBrokerList()
			if len(brokers) == 0 {
				return nil, fmt.Errorf("kafka events: CHAT_SYNC_KAFKA_BROKERS is required")
			}
			log.Info("Publishing events to Kafka", "brokers", brokers, "topic", cfg.KafkaTopic)
			return NewPublisher(brokers, cfg.KafkaTopic), nil
		},
	})
}

// Publisher writes events as JSON, keyed so events of one conversation
// land on one partition in order.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher for topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Publisher) Publish(ctx context.Context, e registryevents.Event) error {
	value, err := encode(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func encode(e registryevents.Event) ([]byte, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return value, nil
}

var _ registryevents.Publisher = (*Publisher)(nil)
