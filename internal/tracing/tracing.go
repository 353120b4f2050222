package tracing

import (
	"context"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/opentracing/opentracing-go/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
	"github.com/uber/jaeger-lib/metrics"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// InitJaeger installs a Jaeger tracer as the global tracer. When disabled it
// installs a no-op tracer so span calls stay cheap.
func InitJaeger(service string, enabled bool, agentHost, agentPort string) (opentracing.Tracer, io.Closer, error) {
	if !enabled {
		tracer := opentracing.NoopTracer{}
		opentracing.SetGlobalTracer(tracer)
		return tracer, nopCloser{}, nil
	}

	cfg := jaegercfg.Configuration{
		ServiceName: service,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:           true,
			LocalAgentHostPort: agentHost + ":" + agentPort,
		},
	}

	tracer, closer, err := cfg.NewTracer(
		jaegercfg.Logger(jaegerlog.StdLogger),
		jaegercfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}

// StartSpanFromContext starts a span tagged with the message id it concerns.
func StartSpanFromContext(ctx context.Context, operationName string, messageID string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operationName)
	if messageID != "" {
		span.SetTag("message_id", messageID)
	}
	return span, ctx
}

// StartConsumerSpan starts a span that continues the trace carried in the
// delivery headers, if any.
func StartConsumerSpan(ctx context.Context, operationName string, headers amqp.Table) (opentracing.Span, context.Context) {
	opts := []opentracing.StartSpanOption{ext.SpanKindConsumer}
	if parent, err := ExtractFromAMQP(headers); err == nil {
		opts = append(opts, opentracing.FollowsFrom(parent))
	}
	span := opentracing.GlobalTracer().StartSpan(operationName, opts...)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// MarkError flags the span as failed and records the cause.
func MarkError(span opentracing.Span, event string, err error) {
	ext.Error.Set(span, true)
	span.LogFields(
		log.String("event", event),
		log.Error(err),
	)
}

// InjectToAMQP serializes the span context into AMQP headers.
func InjectToAMQP(span opentracing.Span, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	carrier := opentracing.TextMapCarrier{}
	if err := opentracing.GlobalTracer().Inject(span.Context(), opentracing.TextMap, carrier); err != nil {
		return headers
	}
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

// ExtractFromAMQP reads a span context previously written by InjectToAMQP.
func ExtractFromAMQP(headers amqp.Table) (opentracing.SpanContext, error) {
	carrier := opentracing.TextMapCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return opentracing.GlobalTracer().Extract(opentracing.TextMap, carrier)
}
