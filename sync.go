package transcoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/tryfix/errors"
	"github.com/tryfix/log"
)

// backgroundSync follows the schema registry's storage topic and warms the schema
// cache with every avro schema registered there
type backgroundSync struct {
	bootstrapServers []string
	storageTopic     string
	registry         *Registry
	reader           *kafka.Reader
	logger           log.Logger
	synced           bool
	// offsets returns the first and last offset of the storage partition
	offsets func(ctx context.Context) (first, last int64, err error)
}

type key struct {
	Subject string `json:"subject"`
	Keytype string `json:"keytype"`
	Version int    `json:"version"`
}

type value struct {
	Subject    string `json:"subject"`
	Version    int    `json:"version"`
	Id         int    `json:"id"`
	Schema     string `json:"schema"`
	SchemaType string `json:"schemaType"`
	Deleted    bool   `json:"deleted"`
}

func newSync(bootstrapServers []string, storageTopic string, registry *Registry) (*backgroundSync, error) {
	if len(bootstrapServers) == 0 {
		return nil, errors.New(`schema sync requires bootstrap servers`)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     bootstrapServers,
		Topic:       storageTopic,
		Partition:   0,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	s := &backgroundSync{
		bootstrapServers: bootstrapServers,
		storageTopic:     storageTopic,
		registry:         registry,
		reader:           reader,
		logger:           registry.logger.NewLog(log.Prefixed(`sync`)),
	}
	s.offsets = s.storageOffsets

	return s, nil
}

// storageOffsets asks the partition leader for the offset range of the storage topic
func (s *backgroundSync) storageOffsets(ctx context.Context) (first, last int64, err error) {
	for _, broker := range s.bootstrapServers {
		conn, dErr := kafka.DialLeader(ctx, `tcp`, broker, s.storageTopic, 0)
		if dErr != nil {
			err = dErr
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}

		first, last, err = conn.ReadOffsets()
		conn.Close()
		if err == nil {
			return first, last, nil
		}
	}

	return 0, 0, err
}

// start consumes the storage topic in the background and waits until it caught up
// with the end of the topic, or the sync timeout passed
func (s *backgroundSync) start(ctx context.Context) error {
	s.logger.Info(fmt.Sprintf(`background sync from %s started...`, s.storageTopic))

	lookupCtx, cancel := context.WithTimeout(ctx, s.registry.options.timeout)
	first, last, err := s.offsets(lookupCtx)
	cancel()
	if err != nil {
		s.logger.Warn(fmt.Sprintf(`cannot read offsets of %s due to %s, waiting for catch up`, s.storageTopic, err))
	}
	// nothing to catch up with, the consumer only follows new registrations
	empty := err == nil && last <= first
	if empty {
		s.synced = true
	}

	synced := make(chan struct{})
	s.registry.wg.Add(1)
	go func() {
		defer s.registry.wg.Done()
		s.consume(ctx, synced)
	}()

	if empty {
		s.logger.Info(fmt.Sprintf(`storage topic %s is empty, background sync done`, s.storageTopic))
		return nil
	}

	timeout := s.registry.options.clock.Timer(s.registry.options.syncTimeout)
	defer timeout.Stop()

	select {
	case <-synced:
		s.registry.Print()
		s.logger.Info(`background sync done`)
	case <-timeout.C:
		s.logger.Warn(fmt.Sprintf(`background sync did not reach the end of %s in %s, continuing with %d schema/s`,
			s.storageTopic, s.registry.options.syncTimeout, s.registry.Len()))
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (s *backgroundSync) consume(ctx context.Context, synced chan struct{}) {
	defer s.reader.Close()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error(fmt.Sprintf(`storage topic fetch failed due to %s`, err))
			}
			return
		}

		s.apply(msg.Key, msg.Value)

		if !s.synced && msg.Offset+1 >= msg.HighWaterMark {
			s.synced = true
			close(synced)
		}
	}
}

func (s *backgroundSync) apply(keyByt []byte, valByt []byte) {
	key := key{}
	value := value{}

	// empty keys and values has to be ignored (tombstones and noop records)
	if len(keyByt) < 1 || len(valByt) < 1 {
		return
	}

	if err := jsonAPI.Unmarshal(keyByt, &key); err != nil {
		s.logger.Error(fmt.Sprintf(`key unmarshal failed due to %+v`, err))
		return
	}

	// we only need schemas
	if key.Keytype != `SCHEMA` {
		return
	}

	if err := jsonAPI.Unmarshal(valByt, &value); err != nil {
		s.logger.Error(fmt.Sprintf(`value unmarshal failed due to %+v`, err))
		return
	}

	if value.Deleted || value.Id < 1 || value.Schema == `` {
		return
	}

	if value.SchemaType != `` && !strings.EqualFold(value.SchemaType, `AVRO`) {
		return
	}

	if _, ok := s.registry.cached(value.Id); ok {
		return
	}

	schema, err := newSchema(value.Id, value.Schema)
	if err != nil {
		s.logger.Warn(fmt.Sprintf(`schema [%s][%d] skipped due to %s`, value.Subject, value.Version, err))
		return
	}
	schema.Subject = value.Subject
	schema.Version = value.Version

	s.registry.add(schema)
	s.logger.Debug(fmt.Sprintf(`schema [%s][%d] id [%d] added`, value.Subject, value.Version, value.Id))
}
