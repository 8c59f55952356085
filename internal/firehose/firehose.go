// Package firehose mirrors every broadcast notification of the server
// onto a Kafka topic so downstream consumers can follow the fleet without
// holding a client connection.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"flockwave/internal/registries"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

// ChannelTypeID is the identifier the firehose registers under in the
// channel type registry.
const ChannelTypeID = "firehose"

// syntheticClientID is the registry entry that keeps the firehose in the
// broadcast plan; native broadcasters only join the plan when their
// channel type has at least one client.
const syntheticClientID = "firehose"

// produceTimeout bounds one synchronous publish towards Kafka.
const produceTimeout = 5 * time.Second

// Firehose publishes broadcast envelopes to a Kafka topic.
type Firehose struct {
	client *kgo.Client
	logger logging.Logger
	topic  string

	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a firehose publishing to the given topic.
func New(brokers []string, topic string, logger logging.Logger) (*Firehose, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("flockwaved"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Firehose{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

// Instrument attaches the standard Kafka metric pair to the firehose.
func (f *Firehose) Instrument(messages *prometheus.CounterVec, duration *prometheus.HistogramVec) {
	f.messages = messages
	f.duration = duration
}

// Close releases the Kafka client.
func (f *Firehose) Close() error {
	f.client.Close()
	return nil
}

// Client returns the underlying kgo.Client for health checks.
func (f *Firehose) Client() *kgo.Client {
	return f.client
}

// Descriptor returns the channel type descriptor of the firehose. The
// broadcaster publishes the envelope to Kafka instead of fanning it out
// to per-client sinks.
func (f *Firehose) Descriptor() model.ChannelTypeDescriptor {
	return model.ChannelTypeDescriptor{
		ID:          ChannelTypeID,
		Broadcaster: f.Publish,
	}
}

// Attach places the synthetic firehose client in the registry so the
// broadcast plan includes the firehose from the start.
func (f *Firehose) Attach(registry *registries.ClientRegistry) error {
	return registry.Add(&model.Client{
		ID:          syntheticClientID,
		ChannelType: ChannelTypeID,
		Channel:     sinkFunc(f.Publish),
	})
}

// Publish writes one envelope to the firehose topic, keyed by message
// type so consumers can partition by traffic class.
func (f *Firehose) Publish(ctx context.Context, msg *model.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	record := &kgo.Record{
		Topic: f.topic,
		Key:   []byte(msg.Type()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(msg.Type())},
			{Key: "id", Value: []byte(msg.ID)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	start := time.Now()
	result := f.client.ProduceSync(ctx, record)
	if f.duration != nil {
		f.duration.WithLabelValues("produce").Observe(time.Since(start).Seconds())
	}
	if err := result.FirstErr(); err != nil {
		if f.messages != nil {
			f.messages.WithLabelValues(f.topic, "produce", "error").Inc()
		}
		return fmt.Errorf("failed to produce message: %w", err)
	}
	if f.messages != nil {
		f.messages.WithLabelValues(f.topic, "produce", "success").Inc()
	}
	return nil
}

// sinkFunc adapts a broadcaster to the per-client sink interface of the
// registry; the synthetic firehose client never receives unicasts in
// practice, but the registry requires a sink.
type sinkFunc func(ctx context.Context, msg *model.Message) error

func (fn sinkFunc) Send(ctx context.Context, msg *model.Message) error {
	return fn(ctx, msg)
}
