package publisher

import (
	"context"
	"fmt"
	"testing"

	"github.com/astrolab/finkstream/cfg"
	"github.com/astrolab/finkstream/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Registered here to avoid an import cycle with the sink package
	RegisterSink("registry-test", func(config cfg.SinkConfiguration) (Sink, error) {
		if len(config.Brokers) == 0 {
			return nil, fmt.Errorf("brokers required")
		}
		return &mockRegistrySink{}, nil
	})

	RegisterTransformer("registry-test", func() Transformer {
		return &mockTransformer{}
	})
}

// mockRegistrySink is a simple mock for registry testing
type mockRegistrySink struct{}

func (m *mockRegistrySink) PublishBatch(ctx context.Context, topic string, msgs []Message) error {
	return nil
}

func (m *mockRegistrySink) Close() error {
	return nil
}

// mockTransformer emits the row key, failing on "poison"
type mockTransformer struct{}

func (m *mockTransformer) Transform(rec record.Record) ([]byte, error) {
	if rec.ID == "poison" {
		return nil, fmt.Errorf("cannot serialize %s", rec.ID)
	}
	return []byte(rec.ID), nil
}

func TestNewSink(t *testing.T) {
	snk, err := NewSink(cfg.SinkConfiguration{Type: "registry-test", Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.NotNil(t, snk)
	assert.NoError(t, snk.Close())
}

func TestNewSinkFactoryError(t *testing.T) {
	_, err := NewSink(cfg.SinkConfiguration{Type: "registry-test"})
	assert.Error(t, err)
}

func TestNewSinkUnknownType(t *testing.T) {
	_, err := NewSink(cfg.SinkConfiguration{Type: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")
}

func TestNewTransformer(t *testing.T) {
	trans, err := NewTransformer("registry-test")
	require.NoError(t, err)
	assert.NotNil(t, trans)
	assert.Contains(t, Formats(), "registry-test")

	_, err = NewTransformer("avro")
	assert.Error(t, err)
}

func TestBuildMessages(t *testing.T) {
	batch := record.Batch{
		{ID: "ZTF1_1", Fields: record.Fields{"objectId": "ZTF1"}},
		{ID: "ZTF2_7", Fields: record.Fields{}},
	}

	msgs, err := BuildMessages(batch, &mockTransformer{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Key: "ZTF1", Value: []byte("ZTF1_1")}, msgs[0])
	assert.Equal(t, "ZTF2_7", msgs[1].Key, "row key is the fallback partition key")

	_, err = BuildMessages(append(batch, record.Record{ID: "poison"}), &mockTransformer{})
	assert.Error(t, err)
}
