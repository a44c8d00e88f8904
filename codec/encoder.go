/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hamba/avro/v2"
	"github.com/tryfix/errors"
)

// Encode writes v in avro binary form according to schema. Values are checked against
// the schema, a mismatch returns an error and no partial output.
func Encode(schema avro.Schema, v Value) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	if err := w.write(schema, v); err != nil {
		return nil, err
	}

	return w.buf, nil
}

type writer struct {
	buf []byte
}

func mismatch(schema avro.Schema, v Value) error {
	return errors.New(fmt.Sprintf(`value of kind %s does not match schema type %s`, v.Kind, schema.Type()))
}

func (w *writer) write(schema avro.Schema, v Value) error {
	if ref, ok := schema.(*avro.RefSchema); ok {
		return w.write(ref.Schema(), v)
	}

	if schema.Type() != avro.Union && v.Kind == Union {
		return mismatch(schema, v)
	}

	switch schema.Type() {
	case avro.Null:
		if v.Kind != Null {
			return mismatch(schema, v)
		}

	case avro.Boolean:
		if v.Kind != Boolean {
			return mismatch(schema, v)
		}
		if v.Bool {
			w.buf = append(w.buf, 1)
		} else {
			w.buf = append(w.buf, 0)
		}

	case avro.Int:
		if v.Kind != Int {
			return mismatch(schema, v)
		}
		if v.Int < math.MinInt32 || v.Int > math.MaxInt32 {
			return errors.New(fmt.Sprintf(`int value %d out of range`, v.Int))
		}
		w.writeLong(v.Int)

	case avro.Long:
		if v.Kind != Long {
			return mismatch(schema, v)
		}
		w.writeLong(v.Int)

	case avro.Float:
		if v.Kind != Float {
			return mismatch(schema, v)
		}
		w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(float32(v.Float)))

	case avro.Double:
		if v.Kind != Double {
			return mismatch(schema, v)
		}
		w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v.Float))

	case avro.Bytes:
		if v.Kind != Bytes {
			return mismatch(schema, v)
		}
		w.writeBytes(v.Bytes)

	case avro.String:
		if v.Kind != String {
			return mismatch(schema, v)
		}
		w.writeBytes([]byte(v.Str))

	case avro.Record, avro.Error:
		if v.Kind != Record {
			return mismatch(schema, v)
		}
		return w.writeRecord(schema.(*avro.RecordSchema), v)

	case avro.Enum:
		if v.Kind != Enum {
			return mismatch(schema, v)
		}
		s := schema.(*avro.EnumSchema)
		for i, sym := range s.Symbols() {
			if sym == v.Str {
				w.writeLong(int64(i))
				return nil
			}
		}
		return errors.New(fmt.Sprintf(`unknown symbol %s for enum %s`, v.Str, s.FullName()))

	case avro.Array:
		if v.Kind != Array {
			return mismatch(schema, v)
		}
		s := schema.(*avro.ArraySchema)
		if len(v.Items) > 0 {
			w.writeLong(int64(len(v.Items)))
			for i, item := range v.Items {
				if err := w.write(s.Items(), item); err != nil {
					return errors.WithPrevious(err, fmt.Sprintf(`array item %d`, i))
				}
			}
		}
		w.writeLong(0)

	case avro.Map:
		if v.Kind != Map {
			return mismatch(schema, v)
		}
		s := schema.(*avro.MapSchema)
		if len(v.Entries) > 0 {
			w.writeLong(int64(len(v.Entries)))
			for _, e := range v.Entries {
				w.writeBytes([]byte(e.Key))
				if err := w.write(s.Values(), e.Value); err != nil {
					return errors.WithPrevious(err, fmt.Sprintf(`map value [%s]`, e.Key))
				}
			}
		}
		w.writeLong(0)

	case avro.Union:
		if v.Kind != Union || v.Branch == nil {
			return mismatch(schema, v)
		}
		types := schema.(*avro.UnionSchema).Types()
		if v.Index < 0 || v.Index >= len(types) {
			return errors.New(fmt.Sprintf(`union index %d out of range (%d branches)`, v.Index, len(types)))
		}
		w.writeLong(int64(v.Index))
		return w.write(types[v.Index], *v.Branch)

	case avro.Fixed:
		if v.Kind != Fixed {
			return mismatch(schema, v)
		}
		s := schema.(*avro.FixedSchema)
		if len(v.Bytes) != s.Size() {
			return errors.New(fmt.Sprintf(`fixed %s needs %d bytes, have %d`, s.FullName(), s.Size(), len(v.Bytes)))
		}
		w.buf = append(w.buf, v.Bytes...)

	default:
		return errors.New(fmt.Sprintf(`unsupported schema type %s`, schema.Type()))
	}

	return nil
}

func (w *writer) writeRecord(s *avro.RecordSchema, v Value) error {
	fields := s.Fields()
	if len(v.Fields) != len(fields) {
		return errors.New(fmt.Sprintf(`record %s has %d fields, value has %d`, s.FullName(), len(fields), len(v.Fields)))
	}

	for i, f := range fields {
		if v.Fields[i].Name != f.Name() {
			return errors.New(fmt.Sprintf(`record %s field %d is %s, value has %s`, s.FullName(), i, f.Name(), v.Fields[i].Name))
		}
		if err := w.write(f.Type(), v.Fields[i].Value); err != nil {
			return errors.WithPrevious(err, fmt.Sprintf(`field %s.%s`, s.FullName(), f.Name()))
		}
	}

	return nil
}

func (w *writer) writeBytes(b []byte) {
	w.writeLong(int64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) writeLong(i int64) {
	w.buf = binary.AppendUvarint(w.buf, uint64((i<<1)^(i>>63)))
}
