/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"encoding/binary"
	"fmt"

	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder/codec"
)

const (
	// MagicByte leads every schema registry framed payload
	MagicByte byte = 0x0
	// HeaderSize is the length of the magic byte and schema id prefix
	HeaderSize = 5
)

// Encoder holds the reference to Registry and Schema which can be used to encode and decode messages
type Encoder struct {
	schema   *Schema
	registry *Registry
}

// NewEncoder return the pointer to a Encoder for given Schema from the Registry
func NewEncoder(reg *Registry, schema *Schema) *Encoder {
	return &Encoder{
		schema:   schema,
		registry: reg,
	}
}

// Encode return a byte slice with a avro encoded message. magic byte and schema id will be appended to its beginning
//
//	╔════════════════════╤════════════════════╤══════════════════════╗
//	║ magic byte(1 byte) │ schema id(4 bytes) │ AVRO encoded message ║
//	╚════════════════════╧════════════════════╧══════════════════════╝
func (s *Encoder) Encode(data interface{}) ([]byte, error) {
	native, err := s.schema.marshaller.Marshall(data)
	if err != nil {
		return nil, errors.WithPrevious(err, fmt.Sprintf(`encode failed for schema [%d]`, s.schema.ID))
	}

	return append(encodePrefix(s.schema.ID), native...), nil
}

// EncodeValue encodes a decoded value tree with the same framing as Encode
func (s *Encoder) EncodeValue(v codec.Value) ([]byte, error) {
	native, err := s.schema.marshaller.MarshallValue(v)
	if err != nil {
		return nil, errors.WithPrevious(err, fmt.Sprintf(`encode failed for schema [%d]`, s.schema.ID))
	}

	return append(encodePrefix(s.schema.ID), native...), nil
}

// Decode returns the decoded value of a framed message written with the Encoder's schema
func (s *Encoder) Decode(data []byte) (codec.Value, error) {
	id, err := decodePrefix(data)
	if err != nil {
		return codec.Value{}, err
	}

	if id != s.schema.ID {
		return codec.Value{}, errors.New(fmt.Sprintf(`schema id [%d] does not match encoder schema [%d]`, id, s.schema.ID))
	}

	v, err := s.schema.marshaller.Unmarshal(data[HeaderSize:])
	if err != nil {
		return codec.Value{}, errors.WithPrevious(err, fmt.Sprintf(`data unmarshal error, schema : [%d] failed`, id))
	}

	return v, nil
}

// Schema return the schema asociated with the Encoder
func (s *Encoder) Schema() *Schema {
	return s.schema
}

func encodePrefix(id int) []byte {
	byt := make([]byte, HeaderSize)
	byt[0] = MagicByte
	binary.BigEndian.PutUint32(byt[1:], uint32(id))
	return byt
}

// errMalformedHeader marks header validation failures
type errMalformedHeader struct {
	msg string
}

func (e errMalformedHeader) Error() string {
	return e.msg
}

func decodePrefix(byt []byte) (int, error) {
	if len(byt) < HeaderSize {
		return 0, errMalformedHeader{msg: fmt.Sprintf(`payload of %d bytes is shorter than the %d byte wire header`, len(byt), HeaderSize)}
	}

	if byt[0] != MagicByte {
		return 0, errMalformedHeader{msg: fmt.Sprintf(`unknown magic byte 0x%02x`, byt[0])}
	}

	return int(binary.BigEndian.Uint32(byt[1:HeaderSize])), nil
}
