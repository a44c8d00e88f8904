package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/tryfix/errors"
	"github.com/tryfix/log"
	"github.com/tryfix/transcoder"
)

// Dead letter headers attached to every forwarded message
const (
	HeaderErrorKind       = `x-transcode-error-kind`
	HeaderError           = `x-transcode-error`
	HeaderSourceTopic     = `x-source-topic`
	HeaderSourcePartition = `x-source-partition`
	HeaderSourceOffset    = `x-source-offset`
	HeaderDeadLetterID    = `x-dead-letter-id`
	HeaderMessageKey      = `x-message-key`
)

// ackTimeout bounds the wait for a broker acknowledgement when ctx has no deadline
const ackTimeout = 10 * time.Second

func withAckTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, ackTimeout)
}

// deadLetterHeaders describes where the message came from and why it was rejected.
// Original headers are kept unless they collide with one of ours.
func deadLetterHeaders(msg transcoder.Message, cause *transcoder.TranscodeError) map[string]string {
	h := make(map[string]string, len(msg.Headers)+6)
	for k, v := range msg.Headers {
		h[k] = string(v)
	}

	h[HeaderErrorKind] = cause.Kind.String()
	h[HeaderError] = cause.Error()
	h[HeaderSourceTopic] = msg.Topic
	h[HeaderSourcePartition] = strconv.Itoa(msg.Partition)
	h[HeaderSourceOffset] = strconv.FormatInt(msg.Offset, 10)
	h[HeaderDeadLetterID] = uuid.NewString()

	return h
}

// LogDeadLetter only reports rejected messages through the logger
type LogDeadLetter struct {
	logger log.Logger
}

func NewLogDeadLetter(logger log.Logger) *LogDeadLetter {
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	return &LogDeadLetter{logger: logger.NewLog(log.Prefixed(`dead-letter`))}
}

func (d *LogDeadLetter) Send(_ context.Context, msg transcoder.Message, cause *transcoder.TranscodeError) error {
	d.logger.Error(fmt.Sprintf(`message %s (key %d bytes, value %d bytes) dropped due to %s`,
		msg.Coordinates(), len(msg.Key), len(msg.Value), cause))
	return nil
}

func (d *LogDeadLetter) Close() error { return nil }

// KafkaDeadLetter forwards the original record to a dead letter topic
type KafkaDeadLetter struct {
	writer *kafka.Writer
}

func NewKafkaDeadLetter(brokers []string, topic string, fns ...KafkaOption) (*KafkaDeadLetter, error) {
	w, err := newWriter(brokers, topic, fns)
	if err != nil {
		return nil, errors.WithPrevious(err, `dead letter`)
	}

	return &KafkaDeadLetter{writer: w}, nil
}

func (d *KafkaDeadLetter) Send(ctx context.Context, msg transcoder.Message, cause *transcoder.TranscodeError) error {
	km := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  msg.Timestamp,
	}
	for k, v := range deadLetterHeaders(msg, cause) {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := d.writer.WriteMessages(ctx, km); err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`dead letter of %s failed`, msg.Coordinates()))
	}

	return nil
}

func (d *KafkaDeadLetter) Close() error {
	return d.writer.Close()
}

// NewDeadLetter builds the dead letter target selected by the config
func NewDeadLetter(conf transcoder.DeadLetterConfig, logger log.Logger, fns ...KafkaOption) (DeadLetter, error) {
	switch conf.Kind {
	case ``, transcoder.DeadLetterLog:
		return NewLogDeadLetter(logger), nil
	case transcoder.DeadLetterKafka:
		return NewKafkaDeadLetter(conf.Brokers, conf.Topic, fns...)
	case transcoder.DeadLetterNATS:
		return NewNATSDeadLetter(conf.URL, conf.Subject)
	case transcoder.DeadLetterAMQP:
		return NewAMQPDeadLetter(conf.URL, conf.Exchange, conf.RoutingKey)
	}

	return nil, errors.New(fmt.Sprintf(`unknown dead letter kind [%s]`, conf.Kind))
}
