package transcoder

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/linkedin/goavro/v2"
	registry "github.com/riferrei/srclient"
)

type unavailableClient struct {
	SchemaClient
}

func (unavailableClient) GetSchema(int) (*registry.Schema, error) {
	return nil, errors.New(`dial tcp 127.0.0.1:8081: connect: connection refused`)
}

func setupTranscoder(t *testing.T, opts ...TranscoderOption) (mockRegistry, *Transcoder, *Encoder) {
	t.Helper()
	reg := setupMockRegistry()
	encoder, err := reg.Register(`trades-value`, testSchemas[`trade`])
	if err != nil {
		t.Fatal(err)
	}

	tr, err := NewTranscoder(reg.Registry, `trades-json`, opts...)
	if err != nil {
		t.Fatal(err)
	}

	return reg, tr, encoder
}

func sampleTrade(note *string) Trade {
	return Trade{
		Side:     `BUY`,
		Quantity: 10,
		Symbol:   `ZTEST`,
		Price:    1.5,
		Note:     note,
		Tags:     []string{`block`},
		Venues:   map[string]int64{`XNYS`: 10},
	}
}

func sourceMessage(t *testing.T, encoder *Encoder, trade Trade) Message {
	t.Helper()
	byt, err := encoder.Encode(trade)
	if err != nil {
		t.Fatal(err)
	}

	return Message{
		Key:       []byte(`ZTEST`),
		Value:     byt,
		Topic:     `trades-avro`,
		Partition: 3,
		Offset:    42,
		Headers:   map[string][]byte{`trace-id`: []byte(`abc`)},
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func transcodeError(t *testing.T, err error) *TranscodeError {
	t.Helper()
	te := new(TranscodeError)
	if !errors.As(err, &te) {
		t.Fatalf(`need a *TranscodeError, have %v`, err)
	}
	return te
}

func TestTranscoder_Transcode(t *testing.T) {
	_, tr, encoder := setupTranscoder(t)
	note := `first fill`
	in := sourceMessage(t, encoder, sampleTrade(&note))

	out, err := tr.Transcode(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}

	want := `{"side":"BUY","quantity":10,"symbol":"ZTEST","price":1.5,"note":{"string":"first fill"},"tags":["block"],"venues":{"XNYS":10}}`
	if string(out.Value) != want {
		t.Errorf("need %s\nhave %s", want, out.Value)
	}

	if out.Topic != `trades-json` {
		t.Errorf(`need topic trades-json, have %s`, out.Topic)
	}
	if !bytes.Equal(out.Key, in.Key) {
		t.Errorf(`need key %s, have %s`, in.Key, out.Key)
	}
	if out.Partition != in.Partition || out.Offset != in.Offset || !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf(`source coordinates and timestamp not carried over: %+v`, out)
	}
	if string(out.Headers[`trace-id`]) != `abc` {
		t.Errorf(`headers not carried over: %v`, out.Headers)
	}

	// input is left untouched
	out.Headers[`trace-id`] = []byte(`changed`)
	if string(in.Headers[`trace-id`]) != `abc` {
		t.Error(`output headers must not alias input headers`)
	}
}

func TestTranscoder_Idempotent(t *testing.T) {
	_, tr, encoder := setupTranscoder(t)
	in := sourceMessage(t, encoder, sampleTrade(nil))

	first, err := tr.Transcode(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}

	outs := make([][]byte, 8)
	wg := new(sync.WaitGroup)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := tr.Transcode(context.Background(), in)
			if err != nil {
				t.Error(err)
				return
			}
			outs[i] = out.Value
		}(i)
	}
	wg.Wait()

	for i, out := range outs {
		if !bytes.Equal(out, first.Value) {
			t.Errorf(`output %d differs: %s`, i, out)
		}
	}
}

func TestTranscoder_Unions(t *testing.T) {
	note := `n`
	tests := []struct {
		name   string
		unions UnionEncoding
		note   *string
		want   string
	}{
		{`tagged`, UnionTagged, &note, `{"string":"n"}`},
		{`tagged null`, UnionTagged, nil, `null`},
		{`bare`, UnionBare, &note, `"n"`},
		{`bare null`, UnionBare, nil, `null`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, tr, encoder := setupTranscoder(t, WithUnions(test.unions))
			out, err := tr.Transcode(context.Background(), sourceMessage(t, encoder, sampleTrade(test.note)))
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Contains(out.Value, []byte(`"note":`+test.want+`,`)) {
				t.Errorf(`need note %s, have %s`, test.want, out.Value)
			}
		})
	}
}

func TestTranscoder_MatchesAvroJSON(t *testing.T) {
	_, tr, encoder := setupTranscoder(t)
	note := `x"y`
	in := sourceMessage(t, encoder, sampleTrade(&note))

	out, err := tr.Transcode(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}

	codec, err := goavro.NewCodec(testSchemas[`trade`])
	if err != nil {
		t.Fatal(err)
	}
	native, _, err := codec.NativeFromBinary(in.Value[HeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	textual, err := codec.TextualFromNative(nil, native)
	if err != nil {
		t.Fatal(err)
	}

	var have, want interface{}
	if err := jsonAPI.Unmarshal(out.Value, &have); err != nil {
		t.Fatal(err)
	}
	if err := jsonAPI.Unmarshal(textual, &want); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(have, want) {
		t.Errorf("need %s\nhave %s", textual, out.Value)
	}
}

func TestTranscoder_Errors(t *testing.T) {
	_, tr, encoder := setupTranscoder(t)
	valid := sourceMessage(t, encoder, sampleTrade(nil))

	tests := []struct {
		name      string
		value     []byte
		kind      Kind
		schemaID  int
		transient bool
	}{
		{`wrong magic byte`, []byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x02}, MalformedWireHeader, 0, false},
		{`short header`, []byte{0x00, 0x00}, MalformedWireHeader, 0, false},
		{`empty`, nil, MalformedWireHeader, 0, false},
		{`unknown schema id`, append(encodePrefix(999999), valid.Value[HeaderSize:]...), UnknownSchemaID, 999999, true},
		{`truncated body`, valid.Value[:len(valid.Value)-1], DecodeError, encoder.Schema().ID, false},
		{`trailing bytes`, append(append([]byte{}, valid.Value...), 0x00), DecodeError, encoder.Schema().ID, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			in := valid
			in.Value = test.value

			out, err := tr.Transcode(context.Background(), in)
			te := transcodeError(t, err)

			if te.Kind != test.kind {
				t.Errorf(`need %s, have %s (%s)`, test.kind, te.Kind, te)
			}
			if te.SchemaID != test.schemaID {
				t.Errorf(`need schema id %d, have %d`, test.schemaID, te.SchemaID)
			}
			if te.Transient() != test.transient || te.Fatal() {
				t.Errorf(`unexpected classification of %s`, te.Kind)
			}
			if te.Topic != in.Topic || te.Partition != in.Partition || te.Offset != in.Offset {
				t.Errorf(`error does not carry the message coordinates: %s`, te)
			}
			if out.Value != nil {
				t.Error(`no output expected on failure`)
			}
		})
	}
}

func TestTranscoder_RegistryUnavailable(t *testing.T) {
	reg, err := NewRegistry(``, WithClient(unavailableClient{}))
	if err != nil {
		t.Fatal(err)
	}

	tr, err := NewTranscoder(reg, `trades-json`)
	if err != nil {
		t.Fatal(err)
	}

	_, err = tr.Transcode(context.Background(), Message{Value: append(encodePrefix(5), 0x00)})
	te := transcodeError(t, err)
	if te.Kind != RegistryUnavailable || !te.Transient() {
		t.Errorf(`need transient RegistryUnavailable, have %s`, te.Kind)
	}
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Error(`cause must stay inspectable`)
	}
}

func TestTranscoder_AvroKeys(t *testing.T) {
	reg, tr, encoder := setupTranscoder(t, WithKeys(KeyAvro))

	stringKey, err := reg.Register(`trades-key`, `"string"`)
	if err != nil {
		t.Fatal(err)
	}
	recordKey, err := reg.Register(`accounts-key`, `{"type":"record","name":"AccountKey","fields":[{"name":"id","type":"long"}]}`)
	if err != nil {
		t.Fatal(err)
	}

	in := sourceMessage(t, encoder, sampleTrade(nil))

	t.Run(`string`, func(t *testing.T) {
		key, err := stringKey.Encode(`K-1`)
		if err != nil {
			t.Fatal(err)
		}
		msg := in
		msg.Key = key

		out, err := tr.Transcode(context.Background(), msg)
		if err != nil {
			t.Fatal(err)
		}
		if string(out.Key) != `K-1` {
			t.Errorf(`need key K-1, have %q`, out.Key)
		}
	})

	t.Run(`record`, func(t *testing.T) {
		key, err := recordKey.Encode(map[string]interface{}{`id`: int64(7)})
		if err != nil {
			t.Fatal(err)
		}
		msg := in
		msg.Key = key

		out, err := tr.Transcode(context.Background(), msg)
		if err != nil {
			t.Fatal(err)
		}
		if string(out.Key) != `{"id":7}` {
			t.Errorf(`need key {"id":7}, have %s`, out.Key)
		}
	})

	t.Run(`no key`, func(t *testing.T) {
		msg := in
		msg.Key = nil

		out, err := tr.Transcode(context.Background(), msg)
		if err != nil {
			t.Fatal(err)
		}
		if out.Key != nil {
			t.Errorf(`need nil key, have %q`, out.Key)
		}
	})

	t.Run(`malformed`, func(t *testing.T) {
		msg := in
		msg.Key = []byte(`plain`)

		_, err := tr.Transcode(context.Background(), msg)
		if te := transcodeError(t, err); te.Kind != MalformedWireHeader {
			t.Errorf(`need MalformedWireHeader, have %s`, te.Kind)
		}
	})
}

func TestNewTranscoder_Validation(t *testing.T) {
	if _, err := NewTranscoder(nil, `out`); err == nil {
		t.Error(`need an error without registry`)
	}

	reg := setupMockRegistry()
	if _, err := NewTranscoder(reg.Registry, ``); err == nil {
		t.Error(`need an error without destination`)
	}
}

func TestParseKeyFormat(t *testing.T) {
	for in, want := range map[string]KeyFormat{``: KeyRaw, `raw`: KeyRaw, `AVRO`: KeyAvro} {
		have, err := ParseKeyFormat(in)
		if err != nil || have != want {
			t.Errorf(`%q: need %s, have %s (%v)`, in, want, have, err)
		}
	}

	if _, err := ParseKeyFormat(`json`); err == nil {
		t.Error(`need an error for unknown formats`)
	}
}
