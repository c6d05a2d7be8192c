// Package publisher defines the outbound side of the distribution loop: the
// Sink a batch of serialized alerts is handed to, the Transformer that
// serializes a record, and the factory registry that builds both from
// configuration.
//
// Concrete sinks (Kafka, NATS JetStream, in-memory mock) live in the sink
// subpackage and concrete formats (json, envelope, msgpack) in the transformer
// subpackage. Both register themselves from init, so a binary selects the
// implementations it wants with blank imports:
//
//	import (
//		_ "github.com/astrolab/finkstream/publisher/sink"
//		_ "github.com/astrolab/finkstream/publisher/transformer"
//	)
//
//	snk, err := publisher.NewSink(cfg.Config.Distribution.Sink)
//	trans, err := publisher.NewTransformer(cfg.Config.Distribution.Format)
//
// A PublishBatch call either delivers every message or returns an error; the
// caller treats any error as "nothing in this batch is known to be delivered"
// and retries the whole window later (at-least-once).
package publisher
