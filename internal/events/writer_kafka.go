package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
)

// KafkaWriter publishes structured-mode cloud events, keyed by subject so
// every event of a document lands on the same partition.
type KafkaWriter struct {
	producer sarama.SyncProducer
}

func NewKafkaWriter(brokers []string, cfg *sarama.Config) (*KafkaWriter, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaWriterWithProducer(p), nil
}

func newKafkaWriterWithProducer(p sarama.SyncProducer) *KafkaWriter {
	return &KafkaWriter{producer: p}
}

func (k *KafkaWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(cloudevents.ApplicationCloudEventsJSON)},
		},
	}
	if e.Subject() != "" {
		msg.Key = sarama.StringEncoder(e.Subject())
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	zap.S().Named("kafka_writer").Debugw("event sent", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

func (k *KafkaWriter) Close(_ context.Context) error {
	return k.producer.Close()
}
