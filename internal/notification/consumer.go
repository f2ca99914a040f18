package notification

import (
	"context"
	"encoding/json"
	"log"

	"github.com/Oniqq60/task_system_control/settlement/internal/settlement"
	"github.com/segmentio/kafka-go"
)

// Consumer reads transition events from Kafka.
type Consumer interface {
	Start(ctx context.Context) error
	Close() error
}

type kafkaConsumer struct {
	reader  *kafka.Reader
	handler EventHandler
	logger  *log.Logger
	topic   string
	groupID string
}

func NewKafkaConsumer(brokers []string, topic, groupID string, handler EventHandler, logger *log.Logger) Consumer {
	if logger == nil {
		logger = log.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	return &kafkaConsumer{
		reader:  reader,
		handler: handler,
		logger:  logger,
		topic:   topic,
		groupID: groupID,
	}
}

// Start handles messages until ctx is cancelled. A message is committed only
// after it was handled or found undecodable.
func (c *kafkaConsumer) Start(ctx context.Context) error {
	c.logger.Printf("Kafka consumer started (topic=%s, group=%s)", c.topic, c.groupID)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("fetch message error: %v", err)
			continue
		}

		if err := c.process(ctx, msg.Value); err != nil {
			c.logger.Printf("handle event offset=%d: %v", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Printf("commit offset=%d: %v", msg.Offset, err)
		}
	}
}

func (c *kafkaConsumer) process(ctx context.Context, payload []byte) error {
	var event settlement.TransitionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	return c.handler.HandleEvent(ctx, event)
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
