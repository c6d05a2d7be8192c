package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/astrolab/finkstream/cfg"
	"github.com/astrolab/finkstream/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	DefaultKafkaBatchSize       = 100
	DefaultKafkaBatchBytes      = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout    = 50 * time.Millisecond
	DefaultKafkaDeliveryTimeout = 10 * time.Second
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		compression, err := ParseCompression(config.Compression)
		if err != nil {
			return nil, err
		}
		kafkaConfig := KafkaConfig{
			Brokers:          config.Brokers,
			BatchSize:        config.BatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
			DeliveryTimeout:  time.Duration(config.DeliveryTimeoutMS) * time.Millisecond,
			Compression:      compression,
			SASLUsername:     config.SASLUsername,
			SASLPassword:     config.SASLPassword,
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer          *kafka.Writer
	deliveryTimeout time.Duration
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka bootstrap addresses
	BatchSize        int                // Messages per produce request (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist
	DeliveryTimeout  time.Duration      // Bound on one PublishBatch call (default: 10s)
	Compression      kafka.Compression  // 0 = none
	SASLUsername     string             // SASL/PLAIN credentials, empty disables SASL
	SASLPassword     string
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
		DeliveryTimeout:  DefaultKafkaDeliveryTimeout,
	}
}

// ParseCompression maps a configured codec name to the kafka-go codec
func ParseCompression(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown kafka compression: %s", name)
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultKafkaDeliveryTimeout
	}

	transport := &kafka.Transport{}
	if config.SASLUsername != "" {
		transport.SASL = plain.Mechanism{
			Username: config.SASLUsername,
			Password: config.SASLPassword,
		}
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Same objectId, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           DefaultKafkaBatchTimeout,
		WriteTimeout:           config.DeliveryTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes: PublishBatch returns only once acked
		Compression:            config.Compression,
		Transport:              transport,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer, deliveryTimeout: config.DeliveryTimeout}, nil
}

// PublishBatch writes every message to topic and waits for the acks.
// Partial failures are reported as a single error.
func (k *KafkaSink) PublishBatch(ctx context.Context, topic string, msgs []publisher.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{
			Topic: topic,
			Key:   []byte(m.Key),
			Value: m.Value,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, k.deliveryTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, out...); err != nil {
		if werrs, ok := err.(kafka.WriteErrors); ok {
			return fmt.Errorf("failed to deliver %d of %d messages to %s: %w", werrs.Count(), len(msgs), topic, err)
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
