package transcoder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/segmentio/kafka-go"
	"github.com/tryfix/log"
)

func newTestSync(reg *Registry) *backgroundSync {
	return &backgroundSync{
		storageTopic: defaultStorageTopic,
		registry:     reg,
		logger:       log.NewNoopLogger(),
	}
}

func storageRecord(id, version int, subject, schemaType string, deleted bool) ([]byte, []byte) {
	key := fmt.Sprintf(`{"keytype":"SCHEMA","subject":%q,"version":%d,"magic":1}`, subject, version)
	schema, _ := jsonAPI.Marshal(testSchemas[`trade`])
	value := fmt.Sprintf(`{"subject":%q,"version":%d,"id":%d,"schema":%s,"schemaType":%q,"deleted":%t}`,
		subject, version, id, schema, schemaType, deleted)

	return []byte(key), []byte(value)
}

func TestBackgroundSync_Apply(t *testing.T) {
	reg := setupMockRegistry()
	s := newTestSync(reg.Registry)

	s.apply(storageRecord(21, 1, `trades-value`, ``, false))
	s.apply(storageRecord(22, 2, `trades-value`, `AVRO`, false))
	s.apply(storageRecord(23, 3, `trades-value`, `PROTOBUF`, false))
	s.apply(storageRecord(24, 4, `trades-value`, `AVRO`, true))
	s.apply([]byte(`{"keytype":"CONFIG","subject":null,"magic":0}`), []byte(`{"compatibilityLevel":"BACKWARD"}`))
	s.apply([]byte(`{"keytype":"SCHEMA","subject":"trades-value","version":5,"magic":1}`), nil)
	s.apply([]byte(`not json`), []byte(`{}`))

	if reg.Len() != 2 {
		t.Fatalf(`need 2 synced schemas, have %d`, reg.Len())
	}

	sch, ok := reg.cached(22)
	if !ok {
		t.Fatal(`schema 22 not synced`)
	}
	if sch.Subject != `trades-value` || sch.Version != 2 {
		t.Errorf(`unexpected subject/version %s/%d`, sch.Subject, sch.Version)
	}

	for _, id := range []int{23, 24} {
		if _, ok := reg.cached(id); ok {
			t.Errorf(`schema %d must be skipped`, id)
		}
	}

	if calls := reg.counter.calls.Load(); calls != 0 {
		t.Errorf(`synced schemas must not hit the registry, have %d calls`, calls)
	}
}

func TestBackgroundSync_RequiresBrokers(t *testing.T) {
	reg := setupMockRegistry()
	if _, err := newSync(nil, defaultStorageTopic, reg.Registry); err == nil {
		t.Fatal(`need an error without bootstrap servers`)
	}
}

// unreachableReader never delivers a message, consume only returns once ctx is done
func unreachableReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{`127.0.0.1:1`},
		Topic:   defaultStorageTopic,
		MaxWait: 10 * time.Millisecond,
	})
}

func TestBackgroundSync_EmptyStorageTopic(t *testing.T) {
	// the mock clock never fires the sync timeout on its own
	reg := setupMockRegistry(WithClock(clock.NewMock()))
	s := newTestSync(reg.Registry)
	s.reader = unreachableReader()
	s.offsets = func(context.Context) (int64, int64, error) { return 4, 4, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal(`start waited on an empty storage topic`)
	}

	cancel()
	reg.wg.Wait()
}

func TestBackgroundSync_WaitsWhenOffsetsUnknown(t *testing.T) {
	reg := setupMockRegistry(WithClock(clock.NewMock()))
	s := newTestSync(reg.Registry)
	s.reader = unreachableReader()
	s.offsets = func(context.Context) (int64, int64, error) { return 0, 0, errors.New(`no leader`) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.start(ctx) }()

	select {
	case err := <-done:
		t.Fatalf(`start returned early with %v`, err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf(`need context.Canceled, have %v`, err)
	}
	reg.wg.Wait()
}
