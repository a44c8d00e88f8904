package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryfix/log"
	"github.com/tryfix/transcoder"
)

func testCause(msg transcoder.Message) *transcoder.TranscodeError {
	return &transcoder.TranscodeError{
		Kind:      transcoder.DecodeError,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		SchemaID:  12,
		Err:       errors.New(`unexpected EOF`),
	}
}

func TestDeadLetterHeaders(t *testing.T) {
	msg := transcoder.Message{
		Topic:     `trades-avro`,
		Partition: 2,
		Offset:    1234,
		Headers: map[string][]byte{
			`trace-id`:      []byte(`abc`),
			HeaderErrorKind: []byte(`spoofed`),
		},
	}

	h := deadLetterHeaders(msg, testCause(msg))

	assert.Equal(t, `DecodeError`, h[HeaderErrorKind])
	assert.Contains(t, h[HeaderError], `unexpected EOF`)
	assert.Equal(t, `trades-avro`, h[HeaderSourceTopic])
	assert.Equal(t, `2`, h[HeaderSourcePartition])
	assert.Equal(t, strconv.Itoa(1234), h[HeaderSourceOffset])
	assert.Equal(t, `abc`, h[`trace-id`])

	_, err := uuid.Parse(h[HeaderDeadLetterID])
	assert.NoError(t, err)
	assert.NotEqual(t, h[HeaderDeadLetterID], deadLetterHeaders(msg, testCause(msg))[HeaderDeadLetterID])
}

func TestNATSMsg_EncodesBinary(t *testing.T) {
	msg := transcoder.Message{
		Topic: `trades-avro`,
		Key:   []byte{0x00, 0x00, 0x00, 0x00, 0x07, '\n', 0xff},
		Value: []byte{0x00, 0x01},
		Headers: map[string][]byte{
			`trace-id`: []byte(`abc`),
			`span`:     []byte{0x01, 0xfe},
			`note`:     []byte("line\r\nInjected: yes"),
		},
	}

	m := natsMsg(`dead.letters`, msg, testCause(msg))

	assert.Equal(t, `dead.letters`, m.Subject)
	assert.Equal(t, msg.Value, m.Data)
	assert.Equal(t, `abc`, m.Header.Get(`trace-id`))
	assert.Equal(t, `DecodeError`, m.Header.Get(HeaderErrorKind))

	key, err := base64.StdEncoding.DecodeString(m.Header.Get(HeaderMessageKey))
	require.NoError(t, err)
	assert.Equal(t, msg.Key, key)

	span, err := base64.StdEncoding.DecodeString(m.Header.Get(`span`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xfe}, span)

	note, err := base64.StdEncoding.DecodeString(m.Header.Get(`note`))
	require.NoError(t, err)
	assert.Equal(t, "line\r\nInjected: yes", string(note))

	assert.Equal(t, `note,span`, m.Header.Get(HeaderBase64Encoded))
	assert.Empty(t, m.Header.Get(`Injected`))
}

func TestNATSMsg_WithoutKey(t *testing.T) {
	msg := transcoder.Message{Topic: `in`, Value: []byte{0x01}}
	m := natsMsg(`dl`, msg, testCause(msg))

	_, ok := m.Header[HeaderMessageKey]
	assert.False(t, ok)
	_, ok = m.Header[HeaderBase64Encoded]
	assert.False(t, ok)
}

func TestPrintable(t *testing.T) {
	assert.True(t, printable(``))
	assert.True(t, printable(`DecodeError: message trades[0]@1 schema [3]: ünïcode`))
	assert.False(t, printable("a\nb"))
	assert.False(t, printable("\x00"))
	assert.False(t, printable(string([]byte{0xc3, 0x28})))
}

func TestReturned(t *testing.T) {
	returns := make(chan amqp.Return, 3)
	assert.Nil(t, returned(returns, `a`))

	returns <- amqp.Return{MessageId: `stale`, ReplyCode: 312}
	returns <- amqp.Return{MessageId: `a`, ReplyCode: 312, ReplyText: `NO_ROUTE`}
	ret := returned(returns, `a`)
	require.NotNil(t, ret)
	assert.Equal(t, `NO_ROUTE`, ret.ReplyText)
	assert.Len(t, returns, 0)

	returns <- amqp.Return{MessageId: `b`}
	assert.Nil(t, returned(returns, `a`))
	assert.Len(t, returns, 0)

	close(returns)
	assert.Nil(t, returned(returns, `a`))
}

func TestWithAckTimeout(t *testing.T) {
	ctx, cancel := withAckTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(ackTimeout), deadline, time.Second)

	parent, stop := context.WithTimeout(context.Background(), time.Minute)
	defer stop()
	ctx, cancel = withAckTimeout(parent)
	defer cancel()
	assert.Equal(t, parent, ctx)
}

func TestLogDeadLetter(t *testing.T) {
	dl := NewLogDeadLetter(log.Constructor.Log(log.WithColors(false), log.WithLevel(log.FATAL)))
	msg := transcoder.Message{Topic: `in`, Value: []byte{0x01}}

	assert.NoError(t, dl.Send(context.Background(), msg, testCause(msg)))
	assert.NoError(t, dl.Close())
}

func TestNewDeadLetter(t *testing.T) {
	dl, err := NewDeadLetter(transcoder.DeadLetterConfig{Kind: transcoder.DeadLetterLog}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogDeadLetter{}, dl)

	dl, err = NewDeadLetter(transcoder.DeadLetterConfig{
		Kind:    transcoder.DeadLetterKafka,
		Brokers: []string{`localhost:9092`},
		Topic:   `dead-letters`,
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &KafkaDeadLetter{}, dl)
	assert.NoError(t, dl.Close())

	_, err = NewDeadLetter(transcoder.DeadLetterConfig{Kind: transcoder.DeadLetterKafka}, nil)
	assert.Error(t, err)

	_, err = NewDeadLetter(transcoder.DeadLetterConfig{Kind: `s3`}, nil)
	assert.Error(t, err)
}

func TestKafkaMessageConversion(t *testing.T) {
	now := time.Now()
	raw := kafka.Message{
		Topic:     `trades-avro`,
		Partition: 4,
		Offset:    99,
		Key:       []byte(`k`),
		Value:     []byte(`v`),
		Headers:   []kafka.Header{{Key: `trace-id`, Value: []byte(`abc`)}},
		Time:      now,
	}

	msg := fromKafka(raw)
	assert.Equal(t, `trades-avro[4]@99`, msg.Coordinates())
	assert.Equal(t, []byte(`k`), msg.Key)
	assert.Equal(t, []byte(`abc`), msg.Headers[`trace-id`])
	assert.True(t, now.Equal(msg.Timestamp))

	out := toKafka(msg)
	assert.Empty(t, out.Topic)
	assert.Equal(t, raw.Key, out.Key)
	assert.Equal(t, raw.Value, out.Value)
	assert.Equal(t, raw.Headers, out.Headers)
}

func TestNewKafkaSource_Validation(t *testing.T) {
	_, err := NewKafkaSource(nil, `in`, `group`)
	assert.Error(t, err)

	_, err = NewKafkaSource([]string{`localhost:9092`}, `in`, ``)
	assert.Error(t, err)

	src, err := NewKafkaSource([]string{`localhost:9092`}, `in`, `group`, WithMaxWait(time.Second), WithStartOffset(kafka.LastOffset))
	require.NoError(t, err)
	assert.NoError(t, src.Close())
}
