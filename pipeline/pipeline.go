package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync/atomic"

	"github.com/tryfix/errors"
	"github.com/tryfix/log"
	"github.com/tryfix/transcoder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrHalted is returned by Run when a message could neither be delivered nor dead
// lettered. The message and everything after it on its partition stay uncommitted.
var ErrHalted = stdErrors.New(`pipeline halted`)

const defaultQueueSize = 100

// Stats counts what the pipeline did with the messages it fetched
type Stats struct {
	Fetched      int64
	Transcoded   int64
	DeadLettered int64
	Retries      int64
}

type counters struct {
	fetched, transcoded, deadLettered, retries atomic.Int64
}

// Pipeline moves messages from a Source through a Stage into a Sink. Every partition
// is worked by its own goroutine so ordering within a partition is kept while
// partitions progress independently. An offset is committed only after its message
// was delivered or dead lettered.
type Pipeline struct {
	source     Source
	stage      Stage
	sink       Sink
	deadLetter DeadLetter
	backoff    Backoff
	queueSize  int
	logger     log.Logger
	stats      counters

	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
}

type Option func(*Pipeline)

// WithDeadLetter replaces the default log-only dead letter target
func WithDeadLetter(dl DeadLetter) Option {
	return func(p *Pipeline) {
		p.deadLetter = dl
	}
}

func WithBackoff(b Backoff) Option {
	return func(p *Pipeline) {
		p.backoff = b
	}
}

func WithLogger(logger log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithQueueSize sets how many fetched messages may wait on a partition worker
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		p.queueSize = n
	}
}

// WithTracerProvider sets where the per message spans go, the global provider by default
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracerProvider = tp
	}
}

// WithPropagator replaces DefaultPropagator for reading and writing trace headers
func WithPropagator(prop propagation.TextMapPropagator) Option {
	return func(p *Pipeline) {
		p.propagator = prop
	}
}

func New(source Source, stage Stage, sink Sink, opts ...Option) (*Pipeline, error) {
	if source == nil || stage == nil || sink == nil {
		return nil, errors.New(`pipeline: source, stage and sink are required`)
	}

	p := &Pipeline{
		source:    source,
		stage:     stage,
		sink:      sink,
		backoff:   DefaultBackoff(),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = log.NewNoopLogger()
	}
	p.logger = p.logger.NewLog(log.Prefixed(`pipeline`))

	if p.deadLetter == nil {
		p.deadLetter = NewLogDeadLetter(p.logger)
	}
	if p.queueSize < 1 {
		p.queueSize = 1
	}

	if p.tracerProvider == nil {
		p.tracerProvider = otel.GetTracerProvider()
	}
	p.tracer = p.tracerProvider.Tracer(tracerName)
	if p.propagator == nil {
		p.propagator = DefaultPropagator()
	}

	return p, nil
}

// Run processes messages until ctx is cancelled (returns nil) or a message can't be
// handled (returns the cause). It does not close the source, sink or dead letter.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		workers := make(map[int]chan transcoder.Message)
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()

		for {
			msg, err := p.source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.WithPrevious(err, `fetch failed`)
			}
			p.stats.fetched.Add(1)

			ch, ok := workers[msg.Partition]
			if !ok {
				ch = make(chan transcoder.Message, p.queueSize)
				workers[msg.Partition] = ch
				partition := msg.Partition
				g.Go(func() error {
					return p.work(ctx, partition, ch)
				})
			}

			select {
			case ch <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	s := p.Stats()
	p.logger.Info(fmt.Sprintf(`stopped after %d fetched, %d transcoded, %d dead lettered, %d retries`,
		s.Fetched, s.Transcoded, s.DeadLettered, s.Retries))

	return err
}

func (p *Pipeline) work(ctx context.Context, partition int, ch <-chan transcoder.Message) error {
	p.logger.Debug(fmt.Sprintf(`worker for partition [%d] started`, partition))
	defer p.logger.Debug(fmt.Sprintf(`worker for partition [%d] stopped`, partition))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := p.process(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// process runs msg inside a consumer span that continues the trace of its headers
func (p *Pipeline) process(ctx context.Context, msg transcoder.Message) (err error) {
	ctx, span := p.startSpan(ctx, msg)
	defer func() { endSpan(span, err) }()

	out, err := p.transcode(ctx, msg)
	if err != nil {
		te := new(transcoder.TranscodeError)
		if !stdErrors.As(err, &te) {
			return err
		}

		switch {
		case te.Fatal():
			p.logger.ErrorContext(ctx, fmt.Sprintf(`message %s can not be rendered, stopping: %s`, msg.Coordinates(), te))
			return te
		case te.Kind == transcoder.RegistryUnavailable:
			p.logger.ErrorContext(ctx, fmt.Sprintf(`giving up on %s after %d retries: %s`, msg.Coordinates(), p.backoff.MaxRetries, te))
			return errors.WithPrevious(ErrHalted, te.Error())
		}

		return p.reject(ctx, msg, te)
	}

	out.Headers = p.traceHeaders(ctx, out.Headers)
	err = p.backoff.Do(ctx, p.backoff.MaxRetries, p.retryable, func() error {
		return p.sink.Send(ctx, out)
	})
	if err != nil {
		p.logger.ErrorContext(ctx, fmt.Sprintf(`delivery of %s failed: %s`, msg.Coordinates(), err))
		return errors.WithPrevious(ErrHalted, fmt.Sprintf(`delivery of %s: %s`, msg.Coordinates(), err))
	}
	p.stats.transcoded.Add(1)

	return p.commit(ctx, msg)
}

// transcode retries transient failures. Unknown schema ids get a single retry since the
// registry may still be propagating a fresh registration.
func (p *Pipeline) transcode(ctx context.Context, msg transcoder.Message) (transcoder.Message, error) {
	var out transcoder.Message
	retries := 0
	for {
		var err error
		out, err = p.stage.Transcode(ctx, msg)
		if err == nil {
			return out, nil
		}

		te := new(transcoder.TranscodeError)
		if !stdErrors.As(err, &te) || !te.Transient() {
			return out, err
		}

		limit := p.backoff.MaxRetries
		if te.Kind == transcoder.UnknownSchemaID && limit > 1 {
			limit = 1
		}
		if retries >= limit {
			return out, err
		}

		p.logger.WarnContext(ctx, fmt.Sprintf(`retrying %s (%d/%d) due to %s`, msg.Coordinates(), retries+1, limit, te))
		if err := p.backoff.Wait(ctx, retries); err != nil {
			return out, err
		}
		retries++
		p.stats.retries.Add(1)
	}
}

func (p *Pipeline) reject(ctx context.Context, msg transcoder.Message, te *transcoder.TranscodeError) error {
	p.logger.WarnContext(ctx, fmt.Sprintf(`dead lettering %s due to %s`, msg.Coordinates(), te))
	deadLetterEvent(ctx, te)

	err := p.backoff.Do(ctx, p.backoff.MaxRetries, p.retryable, func() error {
		return p.deadLetter.Send(ctx, msg, te)
	})
	if err != nil {
		p.logger.ErrorContext(ctx, fmt.Sprintf(`dead letter of %s failed: %s`, msg.Coordinates(), err))
		return errors.WithPrevious(ErrHalted, fmt.Sprintf(`dead letter of %s: %s`, msg.Coordinates(), err))
	}
	p.stats.deadLettered.Add(1)

	return p.commit(ctx, msg)
}

func (p *Pipeline) commit(ctx context.Context, msg transcoder.Message) error {
	if err := p.source.Commit(ctx, msg); err != nil {
		return errors.WithPrevious(err, fmt.Sprintf(`commit of %s failed`, msg.Coordinates()))
	}

	return nil
}

func (p *Pipeline) retryable(err error) bool {
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	p.stats.retries.Add(1)
	return true
}

// Stats returns a snapshot of the counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Fetched:      p.stats.fetched.Load(),
		Transcoded:   p.stats.transcoded.Load(),
		DeadLettered: p.stats.deadLettered.Load(),
		Retries:      p.stats.retries.Load(),
	}
}

// Close closes the source, sink and dead letter target, returning the first error
func (p *Pipeline) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{p.source, p.sink, p.deadLetter} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
