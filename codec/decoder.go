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
	"unicode/utf8"

	"github.com/hamba/avro/v2"
	"github.com/tryfix/errors"
)

// maxZeroWidthItems caps block counts of arrays and maps whose items occupy no bytes
// on the wire (eg: array<null>), since the count can't be checked against the buffer.
const maxZeroWidthItems = 1 << 20

// MaxDepth is the deepest nesting of records, arrays, maps and unions a datum may have.
const MaxDepth = 1000

// Decode decodes a single avro binary datum written with schema. The whole buffer must
// be consumed by the datum.
func Decode(schema avro.Schema, data []byte) (Value, error) {
	r := &reader{buf: data}
	v, err := r.read(schema)
	if err != nil {
		return Value{}, err
	}

	if rem := r.remaining(); rem > 0 {
		return Value{}, errors.New(fmt.Sprintf(`%d trailing bytes after datum at offset %d`, rem, r.pos))
	}

	return v, nil
}

type reader struct {
	buf   []byte
	pos   int
	depth int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) truncated(what string) error {
	return errors.New(fmt.Sprintf(`truncated payload reading %s at offset %d`, what, r.pos))
}

func (r *reader) read(schema avro.Schema) (Value, error) {
	switch schema.Type() {
	case avro.Record, avro.Error, avro.Array, avro.Map, avro.Union:
		if r.depth >= MaxDepth {
			return Value{}, errors.New(fmt.Sprintf(`datum nested deeper than %d levels at offset %d`, MaxDepth, r.pos))
		}
		r.depth++
		defer func() { r.depth-- }()
	}

	switch schema.Type() {
	case avro.Null:
		return Value{Kind: Null}, nil

	case avro.Boolean:
		if r.remaining() < 1 {
			return Value{}, r.truncated(`boolean`)
		}
		b := r.buf[r.pos]
		if b > 1 {
			return Value{}, errors.New(fmt.Sprintf(`invalid boolean byte 0x%02x at offset %d`, b, r.pos))
		}
		r.pos++
		return Value{Kind: Boolean, Bool: b == 1, Logical: logicalName(schema)}, nil

	case avro.Int:
		i, err := r.readInt()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: Int, Int: int64(i), Logical: logicalName(schema)}, nil

	case avro.Long:
		i, err := r.readLong()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: Long, Int: i, Logical: logicalName(schema)}, nil

	case avro.Float:
		if r.remaining() < 4 {
			return Value{}, r.truncated(`float`)
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(r.buf[r.pos:]))
		r.pos += 4
		return Value{Kind: Float, Float: float64(f)}, nil

	case avro.Double:
		if r.remaining() < 8 {
			return Value{}, r.truncated(`double`)
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.pos:]))
		r.pos += 8
		return Value{Kind: Double, Float: f}, nil

	case avro.Bytes:
		b, err := r.readBytes(`bytes`)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: Bytes, Bytes: b, Logical: logicalName(schema)}, nil

	case avro.String:
		b, err := r.readBytes(`string`)
		if err != nil {
			return Value{}, err
		}
		if !utf8.Valid(b) {
			return Value{}, errors.New(fmt.Sprintf(`string at offset %d is not valid utf-8`, r.pos-len(b)))
		}
		return Value{Kind: String, Str: string(b), Logical: logicalName(schema)}, nil

	case avro.Record, avro.Error:
		return r.readRecord(schema.(*avro.RecordSchema))

	case avro.Enum:
		s := schema.(*avro.EnumSchema)
		idx, err := r.readInt()
		if err != nil {
			return Value{}, err
		}
		symbols := s.Symbols()
		if idx < 0 || int(idx) >= len(symbols) {
			return Value{}, errors.New(fmt.Sprintf(`enum index %d out of range for %s (%d symbols)`, idx, s.FullName(), len(symbols)))
		}
		return Value{Kind: Enum, Name: s.FullName(), Str: symbols[idx]}, nil

	case avro.Array:
		return r.readArray(schema.(*avro.ArraySchema))

	case avro.Map:
		return r.readMap(schema.(*avro.MapSchema))

	case avro.Union:
		return r.readUnion(schema.(*avro.UnionSchema))

	case avro.Fixed:
		s := schema.(*avro.FixedSchema)
		if r.remaining() < s.Size() {
			return Value{}, r.truncated(fmt.Sprintf(`fixed %s`, s.FullName()))
		}
		b := make([]byte, s.Size())
		copy(b, r.buf[r.pos:])
		r.pos += s.Size()
		return Value{Kind: Fixed, Name: s.FullName(), Bytes: b, Logical: logicalName(schema)}, nil

	case avro.Ref:
		return r.read(schema.(*avro.RefSchema).Schema())
	}

	return Value{}, errors.New(fmt.Sprintf(`unsupported schema type %s`, schema.Type()))
}

func (r *reader) readRecord(s *avro.RecordSchema) (Value, error) {
	fields := make([]Field, 0, len(s.Fields()))
	for _, f := range s.Fields() {
		v, err := r.read(f.Type())
		if err != nil {
			return Value{}, errors.WithPrevious(err, fmt.Sprintf(`field %s.%s`, s.FullName(), f.Name()))
		}
		fields = append(fields, Field{Name: f.Name(), Value: v})
	}

	return Value{Kind: Record, Name: s.FullName(), Fields: fields}, nil
}

func (r *reader) readArray(s *avro.ArraySchema) (Value, error) {
	items := make([]Value, 0)
	err := r.readBlocks(s.Items(), func() error {
		v, err := r.read(s.Items())
		if err != nil {
			return errors.WithPrevious(err, fmt.Sprintf(`array item %d`, len(items)))
		}
		items = append(items, v)
		return nil
	})
	if err != nil {
		return Value{}, err
	}

	return Value{Kind: Array, Items: items}, nil
}

func (r *reader) readMap(s *avro.MapSchema) (Value, error) {
	entries := make([]Entry, 0)
	err := r.readBlocks(s.Values(), func() error {
		k, err := r.readBytes(`map key`)
		if err != nil {
			return err
		}
		if !utf8.Valid(k) {
			return errors.New(fmt.Sprintf(`map key at offset %d is not valid utf-8`, r.pos-len(k)))
		}
		v, err := r.read(s.Values())
		if err != nil {
			return errors.WithPrevious(err, fmt.Sprintf(`map value [%s]`, k))
		}
		entries = append(entries, Entry{Key: string(k), Value: v})
		return nil
	})
	if err != nil {
		return Value{}, err
	}

	return Value{Kind: Map, Entries: entries}, nil
}

// readBlocks iterates the blocks of an array or map. A negative count is followed by
// the block size in bytes.
func (r *reader) readBlocks(items avro.Schema, each func() error) error {
	zeroWidth := isZeroWidth(items, nil)
	var total int64
	for {
		count, err := r.readLong()
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		if count < 0 {
			if count == math.MinInt64 {
				return errors.New(fmt.Sprintf(`invalid block count at offset %d`, r.pos))
			}
			count = -count
			size, err := r.readLong()
			if err != nil {
				return err
			}
			if size < 0 || size > int64(r.remaining()) {
				return errors.New(fmt.Sprintf(`invalid block size %d at offset %d`, size, r.pos))
			}
		}

		total += count
		if zeroWidth {
			if total > maxZeroWidthItems {
				return errors.New(fmt.Sprintf(`block count %d exceeds limit %d`, total, maxZeroWidthItems))
			}
		} else if count > int64(r.remaining()) {
			return r.truncated(fmt.Sprintf(`block of %d items`, count))
		}

		for i := int64(0); i < count; i++ {
			if err := each(); err != nil {
				return err
			}
		}
	}
}

// isZeroWidth reports whether every datum of schema encodes to no bytes at all, which
// holds for null, fixed of size 0 and records made only of such fields. Records seen on
// the way down are treated as taking space so recursive schemas terminate.
func isZeroWidth(schema avro.Schema, seen map[string]bool) bool {
	switch s := schema.(type) {
	case *avro.NullSchema:
		return true
	case *avro.FixedSchema:
		return s.Size() == 0
	case *avro.RefSchema:
		return isZeroWidth(s.Schema(), seen)
	case *avro.RecordSchema:
		if seen[s.FullName()] {
			return false
		}
		if seen == nil {
			seen = make(map[string]bool)
		}
		seen[s.FullName()] = true
		defer delete(seen, s.FullName())

		for _, f := range s.Fields() {
			if !isZeroWidth(f.Type(), seen) {
				return false
			}
		}
		return true
	}

	return false
}

func (r *reader) readUnion(s *avro.UnionSchema) (Value, error) {
	start := r.pos
	idx, err := r.readLong()
	if err != nil {
		return Value{}, err
	}

	types := s.Types()
	if idx < 0 || idx >= int64(len(types)) {
		return Value{}, errors.New(fmt.Sprintf(`unknown union branch %d at offset %d (%d branches)`, idx, start, len(types)))
	}

	branch := types[idx]
	v, err := r.read(branch)
	if err != nil {
		return Value{}, err
	}

	return UnionValue(int(idx), TypeName(branch), v), nil
}

func (r *reader) readBytes(what string) ([]byte, error) {
	n, err := r.readLong()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New(fmt.Sprintf(`negative %s length %d at offset %d`, what, n, r.pos))
	}
	if n > int64(r.remaining()) {
		return nil, r.truncated(what)
	}

	b := make([]byte, n)
	copy(b, r.buf[r.pos:])
	r.pos += int(n)

	return b, nil
}

func (r *reader) readInt() (int32, error) {
	start := r.pos
	v, err := r.readVarint(5)
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, errors.New(fmt.Sprintf(`int overflow at offset %d`, start))
	}

	return int32(v), nil
}

func (r *reader) readLong() (int64, error) {
	return r.readVarint(10)
}

// readVarint reads a zig-zag encoded variable length integer of at most max bytes
func (r *reader) readVarint(max int) (int64, error) {
	var (
		u     uint64
		shift uint
	)
	for i := 0; i < max; i++ {
		if r.remaining() < 1 {
			return 0, r.truncated(`varint`)
		}
		b := r.buf[r.pos]
		r.pos++
		u |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return int64(u>>1) ^ -int64(u&1), nil
		}
		shift += 7
	}

	return 0, errors.New(fmt.Sprintf(`varint longer than %d bytes at offset %d`, max, r.pos))
}

// TypeName returns the name avro's JSON encoding uses for a union branch of the given schema
func TypeName(schema avro.Schema) string {
	switch s := schema.(type) {
	case *avro.RefSchema:
		return s.Schema().FullName()
	case avro.NamedSchema:
		return s.FullName()
	}

	return string(schema.Type())
}

type logicalSchema interface {
	Logical() avro.LogicalSchema
}

func logicalName(schema avro.Schema) string {
	ls, ok := schema.(logicalSchema)
	if !ok {
		return ``
	}
	l := ls.Logical()
	if l == nil {
		return ``
	}

	return string(l.Type())
}
