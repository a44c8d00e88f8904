package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nats-io/nats.go"
	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder"
)

// HeaderBase64Encoded lists, comma separated, the NATS headers whose values were base64
// encoded because they were not printable text
const HeaderBase64Encoded = `x-base64-encoded`

// NATSDeadLetter publishes rejected messages to a NATS subject. The original key
// travels base64 encoded in the x-message-key header.
type NATSDeadLetter struct {
	conn    *nats.Conn
	subject string
}

func NewNATSDeadLetter(url, subject string, opts ...nats.Option) (*NATSDeadLetter, error) {
	opts = append([]nats.Option{
		nats.Name(`transcoder-dead-letter`),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts...)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.WithPrevious(err, fmt.Sprintf(`cannot connect to nats at %s`, url))
	}

	return &NATSDeadLetter{conn: conn, subject: subject}, nil
}

func (d *NATSDeadLetter) Send(ctx context.Context, msg transcoder.Message, cause *transcoder.TranscodeError) error {
	if err := d.conn.PublishMsg(natsMsg(d.subject, msg, cause)); err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`dead letter of %s failed`, msg.Coordinates()))
	}

	// the message counts as dead lettered only once the server has it
	ctx, cancel := withAckTimeout(ctx)
	defer cancel()
	if err := d.conn.FlushWithContext(ctx); err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`dead letter of %s not acknowledged`, msg.Coordinates()))
	}

	return nil
}

func natsMsg(subject string, msg transcoder.Message, cause *transcoder.TranscodeError) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Value

	var encoded []string
	for k, v := range deadLetterHeaders(msg, cause) {
		if !printable(v) {
			v = base64.StdEncoding.EncodeToString([]byte(v))
			encoded = append(encoded, k)
		}
		m.Header.Set(k, v)
	}
	if len(encoded) > 0 {
		sort.Strings(encoded)
		m.Header.Set(HeaderBase64Encoded, strings.Join(encoded, `,`))
	}

	if msg.Key != nil {
		m.Header.Set(HeaderMessageKey, base64.StdEncoding.EncodeToString(msg.Key))
	}

	return m
}

// printable reports whether v is valid utf-8 free of control characters, which is what
// the NATS text header block can carry
func printable(v string) bool {
	if !utf8.ValidString(v) {
		return false
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return false
		}
	}

	return true
}

func (d *NATSDeadLetter) Close() error {
	return d.conn.Drain()
}
