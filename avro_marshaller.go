/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"fmt"

	"github.com/hamba/avro/v2"
	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder/codec"
)

// AvroMarshaller holds a parsed writer schema
type AvroMarshaller struct {
	schema     string
	avroSchema avro.Schema
}

func NewAvroMarshaller(schema string) *AvroMarshaller {
	return &AvroMarshaller{
		schema: schema,
	}
}

func (s *AvroMarshaller) Init() error {
	schema, err := avro.Parse(s.schema)
	if err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`schema parsing error for schema %s`, s.schema))
	}

	s.avroSchema = schema
	return nil
}

// Schema returns the parsed schema, nil before Init
func (s *AvroMarshaller) Schema() avro.Schema {
	return s.avroSchema
}

// Unmarshal decodes an avro binary datum (without wire header) into a codec.Value
func (s *AvroMarshaller) Unmarshal(data []byte) (codec.Value, error) {
	return codec.Decode(s.avroSchema, data)
}

// Marshall encodes a go value (structs with avro tags, maps, primitives) as avro binary
func (s *AvroMarshaller) Marshall(data interface{}) ([]byte, error) {
	native, err := avro.Marshal(s.avroSchema, data)
	if err != nil {
		return nil, errors.WithPrevious(err, fmt.Sprintf(`native from textual failed for schema %s`, s.schema))
	}

	return native, nil
}

// MarshallValue encodes a codec.Value as avro binary
func (s *AvroMarshaller) MarshallValue(v codec.Value) ([]byte, error) {
	return codec.Encode(s.avroSchema, v)
}
