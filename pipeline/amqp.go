package pipeline

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder"
)

// AMQPDeadLetter publishes rejected messages to an AMQP exchange as persistent
// messages. Publishing is mandatory and confirmed, a message counts as dead lettered
// only once the broker routed and acknowledged it.
type AMQPDeadLetter struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	returns    chan amqp.Return
	exchange   string
	routingKey string
	mu         sync.Mutex
}

func NewAMQPDeadLetter(url, exchange, routingKey string) (*AMQPDeadLetter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.WithPrevious(err, `cannot connect to amqp broker`)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.WithPrevious(err, `cannot open amqp channel`)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, errors.WithPrevious(err, `cannot put amqp channel into confirm mode`)
	}

	return &AMQPDeadLetter{
		conn:       conn,
		channel:    ch,
		returns:    ch.NotifyReturn(make(chan amqp.Return, 8)),
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

func (d *AMQPDeadLetter) Send(ctx context.Context, msg transcoder.Message, cause *transcoder.TranscodeError) error {
	headers := amqp.Table{}
	for k, v := range deadLetterHeaders(msg, cause) {
		headers[k] = v
	}
	if msg.Key != nil {
		headers[HeaderMessageKey] = msg.Key
	}

	pub := amqp.Publishing{
		ContentType:  `application/octet-stream`,
		DeliveryMode: amqp.Persistent,
		MessageId:    headers[HeaderDeadLetterID].(string),
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Value,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	confirm, err := d.channel.PublishWithDeferredConfirmWithContext(ctx, d.exchange, d.routingKey, true, false, pub)
	if err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`dead letter of %s failed`, msg.Coordinates()))
	}

	ctx, cancel := withAckTimeout(ctx)
	defer cancel()

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`dead letter of %s not confirmed`, msg.Coordinates()))
	}
	if !acked {
		return errors.New(fmt.Sprintf(`dead letter of %s rejected by the broker`, msg.Coordinates()))
	}

	// the broker sends basic.return ahead of the ack, so it is already buffered
	if ret := returned(d.returns, pub.MessageId); ret != nil {
		return errors.New(fmt.Sprintf(`dead letter of %s returned by exchange [%s] with key [%s]: %d %s`,
			msg.Coordinates(), ret.Exchange, ret.RoutingKey, ret.ReplyCode, ret.ReplyText))
	}

	return nil
}

// returned drains pending return notifications and reports the one of messageID.
// Returns of earlier messages that timed out waiting for their ack are dropped.
func returned(returns <-chan amqp.Return, messageID string) *amqp.Return {
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return nil
			}
			if ret.MessageId == messageID {
				return &ret
			}
		default:
			return nil
		}
	}
}

func (d *AMQPDeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.channel.Close(); err != nil {
		d.conn.Close()
		return err
	}

	return d.conn.Close()
}
