package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// TransitionEvent is published after every committed status change.
type TransitionEvent struct {
	TaskID       string    `json:"taskId"`
	LedgerTaskID *uint64   `json:"ledgerTaskId,omitempty"`
	EmployerID   string    `json:"employerId"`
	WorkerID     string    `json:"workerId,omitempty"`
	ActorID      string    `json:"actorId,omitempty"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	TxHash       string    `json:"txHash,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier informs the surrounding system of transitions. It never takes
// part in the saga: a failed send is logged and dropped.
type Notifier interface {
	SendTransition(ctx context.Context, event TransitionEvent) error
	Close() error
}

type kafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokers []string, topic string) Notifier {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &kafkaNotifier{writer: writer}
}

// SendTransition keys messages by task id so that one task's events stay
// ordered within a partition.
func (p *kafkaNotifier) SendTransition(ctx context.Context, event TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TaskID),
		Value: payload,
		Time:  event.Timestamp,
	})
}

func (p *kafkaNotifier) Close() error {
	return p.writer.Close()
}
