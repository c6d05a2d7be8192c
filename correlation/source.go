package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// NoticeSource delivers notices one at a time
type NoticeSource interface {
	// ReadNotice blocks until a notice arrives or ctx ends
	ReadNotice(ctx context.Context) (Notice, error)
	Close() error
}

// KafkaSourceConfig configures a KafkaNoticeSource
type KafkaSourceConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	SASLUsername string
	SASLPassword string
}

// KafkaNoticeSource reads JSON notices from a Kafka topic with a consumer
// group, so offsets survive restarts
type KafkaNoticeSource struct {
	reader *kafka.Reader
}

// NewKafkaNoticeSource creates a reader; no connection is made until the
// first read
func NewKafkaNoticeSource(config KafkaSourceConfig) (*KafkaNoticeSource, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("notice topic is required")
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if config.SASLUsername != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: config.SASLUsername,
			Password: config.SASLPassword,
		}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		Topic:       config.Topic,
		GroupID:     config.GroupID,
		Dialer:      dialer,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.LastOffset,
	})

	return &KafkaNoticeSource{reader: reader}, nil
}

// ReadNotice returns the next valid notice. Undecodable messages are logged
// and skipped; their offsets are committed with the group.
func (s *KafkaNoticeSource) ReadNotice(ctx context.Context) (Notice, error) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			return Notice{}, err
		}

		notice, err := ParseNotice(msg.Value)
		if err != nil {
			log.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Skipping invalid notice")
			continue
		}
		return notice, nil
	}
}

func (s *KafkaNoticeSource) Close() error {
	return s.reader.Close()
}
