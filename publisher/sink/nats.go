package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/astrolab/finkstream/cfg"
	"github.com/astrolab/finkstream/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const DefaultNatsStreamMaxAge = 7 * 24 * time.Hour

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		opts := []nats.Option{}
		if config.SASLUsername != "" {
			opts = append(opts, nats.UserInfo(config.SASLUsername, config.SASLPassword))
		}
		return NewNatsSink(config.NatsURL, opts...)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]bool // Streams already ensured, by subject
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string, opts ...nats.Option) (*NatsSink, error) {
	opts = append([]nats.Option{
		nats.Name("finkstream"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: make(map[string]bool)}, nil
}

// PublishBatch publishes every message and waits for each JetStream ack.
// The objectId key travels as a header.
func (n *NatsSink) PublishBatch(ctx context.Context, topic string, msgs []publisher.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	acks := make([]jetstream.PubAckFuture, 0, len(msgs))
	for _, m := range msgs {
		msg := &nats.Msg{
			Subject: topic,
			Data:    m.Value,
			Header:  nats.Header{"key": []string{m.Key}},
		}
		ack, err := n.js.PublishMsgAsync(msg)
		if err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		acks = append(acks, ack)
	}

	for _, ack := range acks {
		select {
		case <-ack.Ok():
		case err := <-ack.Err():
			return fmt.Errorf("publish to %s not acknowledged: %w", topic, err)
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
		}
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.streams[topic] {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	streamName := sanitizeStreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultNatsStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	n.streams[topic] = true
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain ".", "*", ">" or whitespace.
func sanitizeStreamName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, topic)
}
