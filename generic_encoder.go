/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"context"
	"fmt"

	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder/codec"
)

// GenericEncoder decodes framed messages of any schema id known to the Registry
type GenericEncoder struct {
	registry *Registry
}

func (s *GenericEncoder) Encode(data interface{}) ([]byte, error) {
	return nil, errors.New(`generic encoder does not support encoding of messages`)
}

// Decode resolves the writer schema of data and decodes it. The schema id is returned
// whenever the header could be read.
func (s *GenericEncoder) Decode(ctx context.Context, data []byte) (codec.Value, int, error) {
	id, err := decodePrefix(data)
	if err != nil {
		return codec.Value{}, 0, err
	}

	schema, err := s.registry.Schema(ctx, id)
	if err != nil {
		return codec.Value{}, id, err
	}

	v, err := schema.marshaller.Unmarshal(data[HeaderSize:])
	if err != nil {
		return codec.Value{}, id, errors.WithPrevious(err, fmt.Sprintf(`data unmarshal error, schema : [%d] failed`, id))
	}

	return v, id, nil
}

// Schema return the subject asociated with the Encoder
func (s *GenericEncoder) Schema() string {
	return `generic`
}
