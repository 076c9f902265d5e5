package monitor

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerConfig 链路追踪配置
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	JaegerEndpoint string
	SamplingRate   float64
	Enabled        bool
}

// Tracer 链路追踪器
type Tracer struct {
	config   *TracerConfig
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewTracer 创建新的链路追踪器
func NewTracer(config *TracerConfig) (*Tracer, error) {
	if config == nil {
		config = DefaultTracerConfig()
	}
	if !config.Enabled {
		return &Tracer{
			config: config,
			tracer: otel.Tracer(config.ServiceName),
		}, nil
	}

	// 创建Jaeger导出器
	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(config.JaegerEndpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.SamplingRate)),
	)

	// 设置全局追踪提供者
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		config:   config,
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}, nil
}

func (t *Tracer) enabled() bool {
	return t != nil && t.config != nil && t.config.Enabled
}

// StartSpan 开始一个新的span
func (t *Tracer) StartSpan(ctx context.Context, operationName string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if !t.enabled() {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, operationName, opts...)
}

// StartClientSpan 开始一个后端REST调用的span
func (t *Tracer) StartClientSpan(ctx context.Context, endpoint string, req *http.Request) (context.Context, oteltrace.Span) {
	if !t.enabled() {
		return ctx, oteltrace.SpanFromContext(ctx)
	}

	ctx, span := t.tracer.Start(ctx, "rest."+endpoint,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.HTTPMethodKey.String(req.Method),
			semconv.HTTPURLKey.String(req.URL.String()),
			semconv.HTTPHostKey.String(req.URL.Host),
		),
	)
	return ctx, span
}

// StartServerSpan 开始一个本地HTTP请求的span
func (t *Tracer) StartServerSpan(ctx context.Context, r *http.Request, route string) (context.Context, oteltrace.Span) {
	if !t.enabled() {
		return ctx, oteltrace.SpanFromContext(ctx)
	}

	// 从HTTP头中提取追踪上下文
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

	return t.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, route),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.HTTPTargetKey.String(r.URL.Path),
			semconv.HTTPUserAgentKey.String(r.UserAgent()),
		),
	)
}

// StartMessageSpan 开始一个消息处理的span
func (t *Tracer) StartMessageSpan(ctx context.Context, operation, topic string) (context.Context, oteltrace.Span) {
	if !t.enabled() {
		return ctx, oteltrace.SpanFromContext(ctx)
	}

	return t.tracer.Start(ctx, fmt.Sprintf("mqtt.%s", operation),
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(
			attribute.String("messaging.system", "mqtt"),
			attribute.String("messaging.operation", operation),
			attribute.String("messaging.destination", topic),
		),
	)
}

// RecordError 记录错误
func (t *Tracer) RecordError(span oteltrace.Span, err error) {
	if !t.enabled() || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetHTTPStatus 记录HTTP状态码
func (t *Tracer) SetHTTPStatus(span oteltrace.Span, status int) {
	if !t.enabled() {
		return
	}
	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
	if status >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}

// InjectHTTPHeaders 将追踪上下文注入HTTP头
func (t *Tracer) InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	if !t.enabled() {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// TraceID 获取追踪ID
func (t *Tracer) TraceID(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// Shutdown 关闭追踪器
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.enabled() || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// DefaultTracerConfig 默认追踪器配置
func DefaultTracerConfig() *TracerConfig {
	return &TracerConfig{
		ServiceName:    "carwash-kiosk",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SamplingRate:   1.0,
		Enabled:        false,
	}
}
