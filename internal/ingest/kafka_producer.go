package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-escrow/internal/events"
)

const publishTimeout = 2 * time.Second

// KafkaProducer broadcasts location pings on the location topic, keyed by
// driver so one driver's pings stay ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, p events.LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := events.Encode(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b, Time: p.Timestamp})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
