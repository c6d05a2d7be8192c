package publisher

import (
	"context"

	"github.com/astrolab/finkstream/record"
)

// Message is one keyed payload handed to a sink
type Message struct {
	Key   string // Partition key (objectId)
	Value []byte // Serialized record
}

// Sink represents a destination for distributed alerts (e.g., Kafka, NATS)
type Sink interface {
	// PublishBatch delivers every message to topic, or returns an error
	PublishBatch(ctx context.Context, topic string, msgs []Message) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts a record to a sink payload
type Transformer interface {
	// Transform serializes the record's fields
	Transform(rec record.Record) ([]byte, error)
}

// BuildMessages serializes a batch, keyed on objectId
func BuildMessages(batch record.Batch, trans Transformer) ([]Message, error) {
	msgs := make([]Message, 0, len(batch))
	for _, rec := range batch {
		data, err := trans.Transform(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, Message{Key: rec.ObjectID(), Value: data})
	}
	return msgs, nil
}
