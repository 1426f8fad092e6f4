// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mrzor/udplat/internal/config"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// RunIDKey is the resource attribute identifying one tracer run.
const RunIDKey = attribute.Key("udplat.run.id")

// logProxyConfig reports the proxy settings the HTTP exporter will honor.
func logProxyConfig() {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}

	if httpProxy != "" || httpsProxy != "" {
		log.Debugf("Proxy configuration: HTTP_PROXY=%q HTTPS_PROXY=%q", httpProxy, httpsProxy)
	} else {
		log.Debugf("No proxy configured (HTTP_PROXY/HTTPS_PROXY not set)")
	}
}

// Resource builds the resource describing this run: service name, run ID and
// any OTEL_RESOURCE_ATTRIBUTES.
func Resource(ctx context.Context, cfg *config.OTELConfig, runID string) (*resource.Resource, error) {
	opts := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if runID != "" {
		opts = append(opts, resource.WithAttributes(RunIDKey.String(runID)))
	}
	if custom := cfg.ResourceAttributeList(); len(custom) > 0 {
		opts = append(opts, resource.WithAttributes(custom...))
	}

	res, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider creates a tracer provider exporting over OTLP/HTTP with a batch processor.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through net/http.
func InitProvider(cfg *config.OTELConfig, runID string) (*sdktrace.TracerProvider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	target, err := cfg.Exporter()
	if err != nil {
		return nil, err
	}

	log.Infof("OTEL export enabled: service=%s endpoint=%s%s", cfg.ServiceName, target.Host, target.Path)
	log.Debugf("  OTEL_EXPORTER_OTLP_ENDPOINT: %q", cfg.ExporterEndpoint)
	log.Debugf("  OTEL_EXPORTER_OTLP_TRACES_ENDPOINT: %q", cfg.TracesEndpoint)
	log.Debugf("  insecure=%t headers=%d timeout=%s", target.Insecure, len(cfg.Headers), timeout)
	if len(cfg.ResourceAttributes) > 0 {
		log.Debugf("  Resource Attributes: %v", cfg.ResourceAttributes)
	}
	logProxyConfig()

	exporter, err := otlptracehttp.New(ctx, exporterOptions(target, cfg.Headers, timeout)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := Resource(ctx, cfg, runID)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func exporterOptions(target config.Exporter, headers map[string]string, timeout time.Duration) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.Host),
		otlptracehttp.WithTimeout(timeout),
	}
	if target.Path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(target.Path))
	}
	if target.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	return opts
}

// ShutdownProvider flushes remaining spans and shuts the provider down.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
