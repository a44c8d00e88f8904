/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"errors"
	"fmt"
)

// Kind classifies a TranscodeError
type Kind int

const (
	// MalformedWireHeader means the payload is shorter than the wire header or the
	// magic byte is wrong. Permanent.
	MalformedWireHeader Kind = iota + 1
	// UnknownSchemaID means the registry has no schema for the id. Retried once by the
	// pipeline in case the registry is still propagating, permanent afterwards.
	UnknownSchemaID
	// RegistryUnavailable means the registry could not be reached in time. Transient.
	RegistryUnavailable
	// DecodeError means the payload does not match its writer schema. Permanent.
	DecodeError
	// EncodeError means a decoded value could not be rendered as JSON. Fatal.
	EncodeError
)

func (k Kind) String() string {
	switch k {
	case MalformedWireHeader:
		return `MalformedWireHeader`
	case UnknownSchemaID:
		return `UnknownSchemaId`
	case RegistryUnavailable:
		return `RegistryUnavailable`
	case DecodeError:
		return `DecodeError`
	case EncodeError:
		return `EncodeError`
	}

	return fmt.Sprintf(`Kind(%d)`, int(k))
}

var (
	// ErrSchemaNotFound is returned by the Registry when the id is not registered
	ErrSchemaNotFound = errors.New(`schema not found`)
	// ErrRegistryUnavailable is returned by the Registry when the lookup failed or timed out
	ErrRegistryUnavailable = errors.New(`schema registry unavailable`)
)

// TranscodeError describes why a message could not be transcoded, along with the
// coordinates of the offending message.
type TranscodeError struct {
	Kind      Kind
	Topic     string
	Partition int
	Offset    int64
	SchemaID  int // zero when the header could not be read
	Err       error
}

func newTranscodeError(kind Kind, msg Message, schemaID int, err error) *TranscodeError {
	return &TranscodeError{
		Kind:      kind,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		SchemaID:  schemaID,
		Err:       err,
	}
}

func (e *TranscodeError) Error() string {
	if e.SchemaID > 0 {
		return fmt.Sprintf(`%s: message %s[%d]@%d schema [%d]: %s`,
			e.Kind, e.Topic, e.Partition, e.Offset, e.SchemaID, e.cause())
	}

	return fmt.Sprintf(`%s: message %s[%d]@%d: %s`, e.Kind, e.Topic, e.Partition, e.Offset, e.cause())
}

func (e *TranscodeError) cause() string {
	if e.Err == nil {
		return `unknown cause`
	}
	return e.Err.Error()
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same message may succeed
func (e *TranscodeError) Transient() bool {
	return e.Kind == RegistryUnavailable || e.Kind == UnknownSchemaID
}

// Fatal reports whether the error violates an internal invariant and processing has to stop
func (e *TranscodeError) Fatal() bool {
	return e.Kind == EncodeError
}
