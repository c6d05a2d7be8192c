package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/astrolab/finkstream/publisher"
)

// ErrInjected is returned for calls failed through MockSink.FailCalls
var ErrInjected = errors.New("injected publish failure")

// MockSink is an in-memory Sink for tests and dry runs. Failures are
// injected with PublishErr (every call fails while set) or FailCalls (the
// next N calls fail with ErrInjected).
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	FailCalls  int
	Calls      int
	Closed     bool
	mu         sync.Mutex
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// PublishBatch records the messages for later inspection
func (m *MockSink) PublishBatch(ctx context.Context, topic string, msgs []publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.FailCalls > 0 {
		m.FailCalls--
		return ErrInjected
	}
	if m.PublishErr != nil {
		return m.PublishErr
	}

	for _, msg := range msgs {
		m.Messages = append(m.Messages, MockMessage{
			Topic: topic,
			Key:   msg.Key,
			Value: msg.Value,
		})
	}
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// CallCount returns how many PublishBatch calls were made, including failed ones
func (m *MockSink) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// SetError changes the injected error. A nil error heals the sink.
func (m *MockSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErr = err
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
	m.Calls = 0
}
