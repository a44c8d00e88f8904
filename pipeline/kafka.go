package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder"
)

// KafkaOption configures the kafka source and sinks
type KafkaOption func(*kafkaOptions)

type kafkaOptions struct {
	// Reader
	minBytes    int
	maxBytes    int
	maxWait     time.Duration
	startOffset int64

	// Writer
	batchTimeout time.Duration
	balancer     kafka.Balancer

	// General
	dialer *kafka.Dialer
}

func kafkaDefaults() kafkaOptions {
	return kafkaOptions{
		minBytes:     1,
		maxBytes:     10e6, // 10 MB
		maxWait:      500 * time.Millisecond,
		startOffset:  kafka.FirstOffset,
		batchTimeout: 10 * time.Millisecond,
		balancer:     &kafka.Hash{},
	}
}

// WithMaxBytes sets the maximum bytes per fetch
func WithMaxBytes(n int) KafkaOption {
	return func(o *kafkaOptions) { o.maxBytes = n }
}

// WithMaxWait sets the maximum wait time for fetches
func WithMaxWait(d time.Duration) KafkaOption {
	return func(o *kafkaOptions) { o.maxWait = d }
}

// WithStartOffset sets where a consumer group without committed offsets starts
// (kafka.FirstOffset or kafka.LastOffset)
func WithStartOffset(offset int64) KafkaOption {
	return func(o *kafkaOptions) { o.startOffset = offset }
}

// WithBatchTimeout bounds how long the writer waits to fill a batch
func WithBatchTimeout(d time.Duration) KafkaOption {
	return func(o *kafkaOptions) { o.batchTimeout = d }
}

// WithBalancer replaces the key hash balancer of the writers
func WithBalancer(b kafka.Balancer) KafkaOption {
	return func(o *kafkaOptions) { o.balancer = b }
}

// WithDialer sets a custom dialer for TLS/SASL connections
func WithDialer(d *kafka.Dialer) KafkaOption {
	return func(o *kafkaOptions) { o.dialer = d }
}

func applyKafkaOptions(fns []KafkaOption) kafkaOptions {
	opts := kafkaDefaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return opts
}

// KafkaSource consumes a topic as a member of a consumer group. Offsets are committed
// explicitly through Commit.
type KafkaSource struct {
	reader *kafka.Reader
}

func NewKafkaSource(brokers []string, topic, group string, fns ...KafkaOption) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, errors.New(`kafka source: at least one broker address is required`)
	}
	if group == `` {
		return nil, errors.New(`kafka source: consumer group is required`)
	}

	opts := applyKafkaOptions(fns)
	cfg := kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    opts.minBytes,
		MaxBytes:    opts.maxBytes,
		MaxWait:     opts.maxWait,
		StartOffset: opts.startOffset,
	}
	if opts.dialer != nil {
		cfg.Dialer = opts.dialer
	}

	return &KafkaSource{reader: kafka.NewReader(cfg)}, nil
}

func (s *KafkaSource) Fetch(ctx context.Context) (transcoder.Message, error) {
	raw, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return transcoder.Message{}, err
	}

	return fromKafka(raw), nil
}

func (s *KafkaSource) Commit(ctx context.Context, msg transcoder.Message) error {
	err := s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`commit offset of %s failed`, msg.Coordinates()))
	}

	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// KafkaSink writes messages to one topic. The writer partitions by key hash so records
// of one key keep their order on the destination.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string, fns ...KafkaOption) (*KafkaSink, error) {
	w, err := newWriter(brokers, topic, fns)
	if err != nil {
		return nil, err
	}

	return &KafkaSink{writer: w}, nil
}

func newWriter(brokers []string, topic string, fns []KafkaOption) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New(`kafka sink: at least one broker address is required`)
	}
	if topic == `` {
		return nil, errors.New(`kafka sink: topic is required`)
	}

	opts := applyKafkaOptions(fns)
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     opts.balancer,
		BatchTimeout: opts.batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if opts.dialer != nil {
		w.Transport = &kafka.Transport{
			TLS:  opts.dialer.TLS,
			SASL: opts.dialer.SASLMechanism,
		}
	}

	return w, nil
}

func (s *KafkaSink) Send(ctx context.Context, msg transcoder.Message) error {
	if err := s.writer.WriteMessages(ctx, toKafka(msg)); err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`publish to %s failed`, s.writer.Topic))
	}

	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func fromKafka(raw kafka.Message) transcoder.Message {
	msg := transcoder.Message{
		Key:       raw.Key,
		Value:     raw.Value,
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Timestamp: raw.Time,
	}

	if len(raw.Headers) > 0 {
		msg.Headers = make(map[string][]byte, len(raw.Headers))
		for _, h := range raw.Headers {
			msg.Headers[h.Key] = h.Value
		}
	}

	return msg
}

// toKafka builds the outgoing record, the topic is left to the writer
func toKafka(msg transcoder.Message) kafka.Message {
	km := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  msg.Timestamp,
	}

	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: v})
	}

	return km
}
