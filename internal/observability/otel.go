// Package observability bootstraps OpenTelemetry tracing and metrics for
// the dashboard.
package observability

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the dashboard's tracer and meter.
const InstrumentationName = "sympozium/dashboard"

// Options configures the exporters. Empty fields fall back to the
// SYMPOZIUM_OTEL_* and then the standard OTEL_* environment variables.
type Options struct {
	Enabled            bool
	ServiceName        string
	Endpoint           string
	Protocol           string
	ResourceAttributes string
}

// Shutdown flushes and stops the providers.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// WithEnv fills unset options from the environment.
func (o Options) WithEnv() Options {
	if !o.Enabled {
		o.Enabled = strings.EqualFold(os.Getenv("SYMPOZIUM_OTEL_ENABLED"), "true")
	}
	o.ServiceName = firstNonEmpty(o.ServiceName, os.Getenv("SYMPOZIUM_OTEL_SERVICE_NAME"), os.Getenv("OTEL_SERVICE_NAME"), "sympozium-dashboard")
	o.Endpoint = firstNonEmpty(o.Endpoint, os.Getenv("SYMPOZIUM_OTEL_OTLP_ENDPOINT"), os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	o.Protocol = strings.ToLower(firstNonEmpty(o.Protocol, os.Getenv("SYMPOZIUM_OTEL_OTLP_PROTOCOL"), os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"), "grpc"))
	o.ResourceAttributes = firstNonEmpty(o.ResourceAttributes, os.Getenv("SYMPOZIUM_OTEL_RESOURCE_ATTRIBUTES"), os.Getenv("OTEL_RESOURCE_ATTRIBUTES"))
	return o
}

// Init installs global tracer and meter providers. When tracing is disabled
// or no endpoint is configured the global no-op providers stay in place.
func Init(ctx context.Context, opts Options, log logr.Logger) (Shutdown, error) {
	log = log.WithName("otel")
	if !opts.Enabled {
		return noopShutdown, nil
	}
	if opts.Endpoint == "" {
		log.Info("Observability enabled but no OTLP endpoint set; skipping OTel bootstrap")
		return noopShutdown, nil
	}

	res := buildResource(ctx, opts.ServiceName, opts.ResourceAttributes, log)
	tp, mp, err := buildProviders(ctx, opts.Protocol, opts.Endpoint, res)
	if err != nil {
		return noopShutdown, fmt.Errorf("initializing OTel exporters: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	log.Info("OpenTelemetry enabled", "endpoint", opts.Endpoint, "protocol", opts.Protocol)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Tracer returns the dashboard tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

func buildResource(ctx context.Context, serviceName, attrsCSV string, log logr.Logger) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		attribute.String("service.namespace", "sympozium"),
	}
	for k, v := range parseResourceAttributes(attrsCSV) {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		log.Error(err, "failed building OTel resource, using defaults")
		return resource.Default()
	}
	return res
}

func buildProviders(
	ctx context.Context,
	protocol string,
	endpoint string,
	res *resource.Resource,
) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	cleanEndpoint, insecure := normalizeEndpoint(endpoint)

	var (
		traceExp sdktrace.SpanExporter
		reader   sdkmetric.Reader
		err      error
	)

	switch protocol {
	case "http/protobuf":
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cleanEndpoint)}
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cleanEndpoint)}
		if insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		if traceExp, err = otlptracehttp.New(ctx, traceOpts...); err != nil {
			return nil, nil, err
		}
		metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(metricExp)
	default:
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cleanEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cleanEndpoint)}
		if insecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		if traceExp, err = otlptracegrpc.New(ctx, traceOpts...); err != nil {
			return nil, nil, err
		}
		metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(metricExp)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return tp, mp, nil
}

// normalizeEndpoint strips a URL scheme from endpoint and reports whether
// the exporter should skip TLS.
func normalizeEndpoint(endpoint string) (string, bool) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", true
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err == nil && u.Host != "" {
			return u.Host, u.Scheme != "https"
		}
	}
	return endpoint, true
}

func parseResourceAttributes(csv string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(csv, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// MarkSpanError records err on span and marks it failed.
func MarkSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Traceparent formats a W3C traceparent header for sc, or "" when sc is
// invalid.
func Traceparent(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	flags := "00"
	if sc.TraceFlags().IsSampled() {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID().String(), sc.SpanID().String(), flags)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
