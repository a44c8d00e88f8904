package pipeline

import (
	"context"
	"strconv"

	"github.com/tryfix/errors"
	"github.com/tryfix/transcoder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = `github.com/tryfix/transcoder/pipeline`

// DefaultPropagator reads and writes W3C traceparent, tracestate and baggage headers
func DefaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// headerCarrier exposes message headers to otel propagators
type headerCarrier map[string][]byte

func (c headerCarrier) Get(key string) string {
	return string(c[key])
}

func (c headerCarrier) Set(key, value string) {
	c[key] = []byte(value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}

// startSpan opens the consumer span of msg, as a child of the traceparent it carries
func (p *Pipeline) startSpan(ctx context.Context, msg transcoder.Message) (context.Context, trace.Span) {
	ctx = p.propagator.Extract(ctx, headerCarrier(msg.Headers))

	return p.tracer.Start(ctx, msg.Topic+` process`,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName(`process`),
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
		))
}

// endSpan records err on the span before ending it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// traceHeaders returns a copy of headers carrying the span context of ctx, so the
// output message continues the trace instead of pointing at the upstream producer
func (p *Pipeline) traceHeaders(ctx context.Context, headers map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	p.propagator.Inject(ctx, headerCarrier(out))

	return out
}

func deadLetterEvent(ctx context.Context, cause *transcoder.TranscodeError) {
	trace.SpanFromContext(ctx).AddEvent(`dead lettered`, trace.WithAttributes(
		attribute.String(`transcode.error.kind`, cause.Kind.String()),
	))
}

// NewTracerProvider exports spans over OTLP gRPC. Sampling follows the parent span's
// decision and falls back to SampleRatio for new traces. The provider is registered
// globally along with DefaultPropagator.
func NewTracerProvider(ctx context.Context, conf transcoder.TracingConfig) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(conf.Endpoint)}
	if conf.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, errors.WithPrevious(err, `cannot create otlp trace exporter`)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(conf.ServiceName)))
	if err != nil {
		return nil, errors.WithPrevious(err, `cannot create trace resource`)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(conf.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(DefaultPropagator())

	return tp, nil
}
