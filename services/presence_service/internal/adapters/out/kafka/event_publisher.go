package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const (
	// TopicPresenceChanged 在线状态变更事件
	TopicPresenceChanged = "presence.status.changed"
	eventTypePresence    = "presence_status_changed"
)

// MessageWriter kafka.Writer 的最小子集，方便测试替换
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventPublisher 使用 segmentio/kafka-go 实现 EventPublisher
type KafkaEventPublisher struct {
	writer MessageWriter
	topic  string
}

var _ out.EventPublisher = (*KafkaEventPublisher)(nil)

// NewWriter 按用户ID分区，保证同一用户的事件有序
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaEventPublisher topic 为空时使用 TopicPresenceChanged
func NewKafkaEventPublisher(w MessageWriter, topic string) *KafkaEventPublisher {
	if topic == "" {
		topic = TopicPresenceChanged
	}
	return &KafkaEventPublisher{writer: w, topic: topic}
}

func (p *KafkaEventPublisher) PublishPresenceChange(ctx context.Context, event *entity.PresenceEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventTypePresence)},
			{Key: "timestamp", Value: []byte(event.Timestamp.UTC().Format(time.RFC3339Nano))},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}
