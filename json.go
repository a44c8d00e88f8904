/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"fmt"
	"math"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder/codec"
)

// UnionEncoding selects how union values are rendered in JSON
type UnionEncoding int

const (
	// UnionTagged follows avro's JSON encoding: a non null branch is wrapped in a single
	// key object naming the branch type, null stays null.
	UnionTagged UnionEncoding = iota
	// UnionBare renders the branch value without a wrapper, as avro's
	// GenericData.toString does.
	UnionBare
)

func (u UnionEncoding) String() string {
	if u == UnionBare {
		return `bare`
	}
	return `tagged`
}

func ParseUnionEncoding(s string) (UnionEncoding, error) {
	switch strings.ToLower(s) {
	case ``, `tagged`:
		return UnionTagged, nil
	case `bare`:
		return UnionBare, nil
	}

	return UnionTagged, errors.New(fmt.Sprintf(`unknown union encoding [%s]`, s))
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON renders a decoded value as JSON. Record fields keep schema order and map
// entries keep wire order, so equal inputs always give identical output.
func MarshalJSON(v codec.Value, unions UnionEncoding) ([]byte, error) {
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)

	if err := writeJSON(stream, v, unions, 0); err != nil {
		return nil, err
	}

	if stream.Error != nil {
		return nil, errors.WithPrevious(stream.Error, `json stream failed`)
	}

	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())

	return out, nil
}

func writeJSON(stream *jsoniter.Stream, v codec.Value, unions UnionEncoding, depth int) error {
	if depth > codec.MaxDepth {
		return errors.New(fmt.Sprintf(`value nested deeper than %d levels`, codec.MaxDepth))
	}

	switch v.Kind {
	case codec.Null:
		stream.WriteNil()

	case codec.Boolean:
		stream.WriteBool(v.Bool)

	case codec.Int, codec.Long:
		stream.WriteInt64(v.Int)

	case codec.Float:
		if !writeNonFinite(stream, v.Float) {
			stream.WriteFloat32(float32(v.Float))
		}

	case codec.Double:
		if !writeNonFinite(stream, v.Float) {
			stream.WriteFloat64(v.Float)
		}

	case codec.Bytes, codec.Fixed:
		stream.WriteString(codePoints(v.Bytes))

	case codec.String, codec.Enum:
		stream.WriteString(v.Str)

	case codec.Record:
		stream.WriteObjectStart()
		for i, f := range v.Fields {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(f.Name)
			if err := writeJSON(stream, f.Value, unions, depth+1); err != nil {
				return err
			}
		}
		stream.WriteObjectEnd()

	case codec.Array:
		stream.WriteArrayStart()
		for i, item := range v.Items {
			if i > 0 {
				stream.WriteMore()
			}
			if err := writeJSON(stream, item, unions, depth+1); err != nil {
				return err
			}
		}
		stream.WriteArrayEnd()

	case codec.Map:
		stream.WriteObjectStart()
		for i, e := range v.Entries {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(e.Key)
			if err := writeJSON(stream, e.Value, unions, depth+1); err != nil {
				return err
			}
		}
		stream.WriteObjectEnd()

	case codec.Union:
		if v.Branch == nil {
			return errors.New(`union value without a branch`)
		}
		if unions == UnionBare || v.Branch.Kind == codec.Null {
			return writeJSON(stream, *v.Branch, unions, depth+1)
		}
		stream.WriteObjectStart()
		stream.WriteObjectField(v.BranchName)
		if err := writeJSON(stream, *v.Branch, unions, depth+1); err != nil {
			return err
		}
		stream.WriteObjectEnd()

	default:
		return errors.New(fmt.Sprintf(`cannot render value of kind %s`, v.Kind))
	}

	return nil
}

// writeNonFinite writes NaN and infinities as strings since JSON has no literal for them
func writeNonFinite(stream *jsoniter.Stream, f float64) bool {
	switch {
	case math.IsNaN(f):
		stream.WriteString(`NaN`)
	case math.IsInf(f, 1):
		stream.WriteString(`Infinity`)
	case math.IsInf(f, -1):
		stream.WriteString(`-Infinity`)
	default:
		return false
	}

	return true
}

// codePoints maps every byte to the unicode code point of the same value, which is how
// avro's JSON encoding represents bytes and fixed
func codePoints(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}

	return sb.String()
}
