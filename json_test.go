package transcoder

import (
	"math"
	"testing"

	"github.com/tryfix/transcoder/codec"
)

func TestMarshalJSON(t *testing.T) {
	color := codec.Value{Kind: codec.Enum, Name: `Color`, Str: `RED`}
	child := codec.RecordValue(`com.tryfix.Child`, codec.Field{Name: `id`, Value: codec.IntValue(1)})

	tests := []struct {
		name   string
		value  codec.Value
		unions UnionEncoding
		want   string
	}{
		{`null`, codec.NullValue(), UnionTagged, `null`},
		{`boolean`, codec.BoolValue(true), UnionTagged, `true`},
		{`long`, codec.LongValue(math.MinInt64), UnionTagged, `-9223372036854775808`},
		{`float`, codec.FloatValue(0.5), UnionTagged, `0.5`},
		{`nan`, codec.DoubleValue(math.NaN()), UnionTagged, `"NaN"`},
		{`infinity`, codec.DoubleValue(math.Inf(1)), UnionTagged, `"Infinity"`},
		{`negative infinity`, codec.FloatValue(float32(math.Inf(-1))), UnionTagged, `"-Infinity"`},
		{`bytes`, codec.BytesValue([]byte{0x41, 0xe9}), UnionTagged, `"Aé"`},
		{`enum`, color, UnionTagged, `"RED"`},
		{`string escaping`, codec.StringValue("a\"b\n"), UnionTagged, `"a\"b\n"`},
		{`empty array`, codec.ArrayValue(), UnionTagged, `[]`},
		{`map keeps wire order`, codec.Value{Kind: codec.Map, Entries: []codec.Entry{
			{Key: `b`, Value: codec.LongValue(1)},
			{Key: `a`, Value: codec.LongValue(2)},
		}}, UnionTagged, `{"b":1,"a":2}`},
		{`empty map`, codec.Value{Kind: codec.Map}, UnionTagged, `{}`},
		{`record keeps schema order`, codec.RecordValue(`R`,
			codec.Field{Name: `z`, Value: codec.IntValue(1)},
			codec.Field{Name: `a`, Value: codec.ArrayValue(color)},
		), UnionTagged, `{"z":1,"a":["RED"]}`},
		{`tagged named branch`, codec.UnionValue(1, `com.tryfix.Child`, child), UnionTagged, `{"com.tryfix.Child":{"id":1}}`},
		{`tagged null branch`, codec.UnionValue(0, `null`, codec.NullValue()), UnionTagged, `null`},
		{`bare branch`, codec.UnionValue(1, `com.tryfix.Child`, child), UnionBare, `{"id":1}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			byt, err := MarshalJSON(test.value, test.unions)
			if err != nil {
				t.Fatal(err)
			}

			if string(byt) != test.want {
				t.Errorf(`need %s, have %s`, test.want, byt)
			}

			if !jsonAPI.Valid(byt) {
				t.Errorf(`invalid json %s`, byt)
			}
		})
	}
}

func TestMarshalJSON_Invalid(t *testing.T) {
	if _, err := MarshalJSON(codec.Value{Kind: codec.Union}, UnionTagged); err == nil {
		t.Error(`need an error for a union without a branch`)
	}

	if _, err := MarshalJSON(codec.Value{Kind: codec.Kind(99)}, UnionTagged); err == nil {
		t.Error(`need an error for an unknown kind`)
	}
}

func TestMarshalJSON_NestingLimit(t *testing.T) {
	nest := func(levels int) codec.Value {
		v := codec.NullValue()
		for i := 0; i < levels; i++ {
			v = codec.Value{Kind: codec.Array, Items: []codec.Value{v}}
		}
		return v
	}

	if _, err := MarshalJSON(nest(codec.MaxDepth), UnionTagged); err != nil {
		t.Errorf(`unexpected error at the nesting limit: %s`, err)
	}

	if _, err := MarshalJSON(nest(codec.MaxDepth+1), UnionTagged); err == nil {
		t.Error(`need an error past the nesting limit`)
	}
}

func TestParseUnionEncoding(t *testing.T) {
	for in, want := range map[string]UnionEncoding{``: UnionTagged, `Tagged`: UnionTagged, `bare`: UnionBare} {
		have, err := ParseUnionEncoding(in)
		if err != nil || have != want {
			t.Errorf(`%q: need %s, have %s (%v)`, in, want, have, err)
		}
	}

	if _, err := ParseUnionEncoding(`wrapped`); err == nil {
		t.Error(`need an error for unknown encodings`)
	}
}
