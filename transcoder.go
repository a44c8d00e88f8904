/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/tryfix/errors"
	"github.com/tryfix/log"
	"github.com/tryfix/transcoder/codec"
)

// KeyFormat tells the Transcoder how message keys are encoded
type KeyFormat int

const (
	// KeyRaw passes keys through untouched
	KeyRaw KeyFormat = iota
	// KeyAvro decodes schema registry framed avro keys. String keys become their plain
	// utf-8 bytes, every other key becomes its JSON text.
	KeyAvro
)

func (k KeyFormat) String() string {
	if k == KeyAvro {
		return `avro`
	}
	return `raw`
}

func ParseKeyFormat(s string) (KeyFormat, error) {
	switch strings.ToLower(s) {
	case ``, `raw`:
		return KeyRaw, nil
	case `avro`:
		return KeyAvro, nil
	}

	return KeyRaw, errors.New(fmt.Sprintf(`unknown key format [%s]`, s))
}

// Transcoder converts schema registry framed avro messages into JSON messages. The
// only state it keeps between calls is the Registry's schema cache, so a single
// Transcoder can serve any number of partitions concurrently.
type Transcoder struct {
	decoder     *GenericEncoder
	destination string
	unions      UnionEncoding
	keys        KeyFormat
	logger      log.Logger
}

type TranscoderOption func(*Transcoder)

func WithUnions(enc UnionEncoding) TranscoderOption {
	return func(t *Transcoder) {
		t.unions = enc
	}
}

func WithKeys(format KeyFormat) TranscoderOption {
	return func(t *Transcoder) {
		t.keys = format
	}
}

func WithTranscodeLogger(logger log.Logger) TranscoderOption {
	return func(t *Transcoder) {
		t.logger = logger
	}
}

// NewTranscoder returns a Transcoder resolving schemas through reg and addressing its
// output to the destination topic
func NewTranscoder(reg *Registry, destination string, opts ...TranscoderOption) (*Transcoder, error) {
	if reg == nil {
		return nil, errors.New(`transcoder: registry is required`)
	}
	if destination == `` {
		return nil, errors.New(`transcoder: destination topic is required`)
	}

	t := &Transcoder{
		decoder:     reg.GenericEncoder(),
		destination: destination,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = log.NewNoopLogger()
	}

	return t, nil
}

// Destination returns the topic output messages are addressed to
func (t *Transcoder) Destination() string {
	return t.destination
}

// Transcode decodes the avro value of msg with its writer schema and returns a new
// message carrying the JSON rendering of it, the same key and the destination topic.
// Failures are returned as *TranscodeError and never produce partial output.
func (t *Transcoder) Transcode(ctx context.Context, msg Message) (Message, error) {
	v, id, err := t.decoder.Decode(ctx, msg.Value)
	if err != nil {
		return Message{}, classify(msg, id, err)
	}

	value, err := MarshalJSON(v, t.unions)
	if err != nil {
		t.logger.Error(fmt.Sprintf(`json rendering of %s failed due to %s`, msg.Coordinates(), err))
		return Message{}, newTranscodeError(EncodeError, msg, id, err)
	}

	key, err := t.key(ctx, msg)
	if err != nil {
		return Message{}, err
	}

	out := Message{
		Key:       key,
		Value:     value,
		Topic:     t.destination,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
	}

	if len(msg.Headers) > 0 {
		out.Headers = make(map[string][]byte, len(msg.Headers))
		for k, h := range msg.Headers {
			out.Headers[k] = h
		}
	}

	return out, nil
}

func (t *Transcoder) key(ctx context.Context, msg Message) ([]byte, error) {
	if t.keys == KeyRaw || msg.Key == nil {
		return msg.Key, nil
	}

	v, id, err := t.decoder.Decode(ctx, msg.Key)
	if err != nil {
		return nil, classify(msg, id, errors.WithPrevious(err, `key`))
	}

	switch k := v.Unwrap(); k.Kind {
	case codec.Null:
		return nil, nil
	case codec.String:
		return []byte(k.Str), nil
	}

	key, err := MarshalJSON(v, t.unions)
	if err != nil {
		return nil, newTranscodeError(EncodeError, msg, id, errors.WithPrevious(err, `key`))
	}

	return key, nil
}

func classify(msg Message, id int, err error) *TranscodeError {
	var header errMalformedHeader
	switch {
	case stdErrors.As(err, &header):
		return newTranscodeError(MalformedWireHeader, msg, 0, err)
	case stdErrors.Is(err, ErrSchemaNotFound):
		return newTranscodeError(UnknownSchemaID, msg, id, err)
	case stdErrors.Is(err, ErrRegistryUnavailable):
		return newTranscodeError(RegistryUnavailable, msg, id, err)
	}

	return newTranscodeError(DecodeError, msg, id, err)
}
