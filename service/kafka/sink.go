package kafka

import (
	"context"

	"msggate/service/webhook"

	"github.com/Shopify/sarama"
)

// EventSink 把 webhook 信封写入单个 topic，key=sessionId
type EventSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewEventSink(p sarama.SyncProducer, topic string) *EventSink {
	return &EventSink{producer: p, topic: topic}
}

func (s *EventSink) Name() string { return "kafka" }

func (s *EventSink) Publish(ctx context.Context, env webhook.Envelope, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(env.SessionID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(webhook.HeaderEvent), Value: []byte(env.Event)},
		},
	}
	_, _, err := s.producer.SendMessage(msg)
	return err
}

func (s *EventSink) Close() error { return s.producer.Close() }
