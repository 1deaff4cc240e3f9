package telemetry

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/iothub/core/logger"
)

// KafkaPublisher publishes telemetry messages to a Kafka topic, keyed by
// their resource topic so that messages of one device stay ordered. It
// satisfies iot.MessagePublisher.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher writing to the given topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// PublishMessageQ1 publishes the payload with at-least-once delivery.
func (p *KafkaPublisher) PublishMessageQ1(topic string, payload []byte) {
	err := p.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(topic),
		Value: payload,
	})
	if err != nil {
		logger.Default().Errorln("cannot publish telemetry:", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
