package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultOTLPEndpoint is used when no OTLP endpoint is configured.
const DefaultOTLPEndpoint = "localhost:4318"

// OTELConfig holds span export settings, read from the standard OTEL_*
// variables plus udplat's own.
type OTELConfig struct {
	ServiceName        string            `env:"OTEL_SERVICE_NAME" envDefault:"udplat"`
	ResourceAttributes map[string]string `env:"OTEL_RESOURCE_ATTRIBUTES" envKeyValSeparator:"="`
	Headers            map[string]string `env:"OTEL_EXPORTER_OTLP_HEADERS" envKeyValSeparator:"="`
	ExporterEndpoint   string            `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string            `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Timeout            time.Duration     `env:"UDPLAT_OTEL_TIMEOUT" envDefault:"10s"`
}

// ParseOTELConfig reads OTELConfig from the environment. A malformed
// key=value list is an error.
func ParseOTELConfig() (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	return &cfg, nil
}

// Exporter is where the OTLP/HTTP exporter sends spans.
type Exporter struct {
	Host     string // host:port
	Path     string // empty keeps the exporter's /v1/traces
	Insecure bool
}

// Exporter resolves the trace endpoint. The traces endpoint wins over the
// generic one and is used with its path as given; the generic endpoint gets
// /v1/traces appended. A bare host:port is plain HTTP.
func (c *OTELConfig) Exporter() (Exporter, error) {
	raw, signal := c.TracesEndpoint, true
	if raw == "" {
		raw, signal = c.ExporterEndpoint, false
	}
	if raw == "" {
		return Exporter{Host: DefaultOTLPEndpoint, Insecure: true}, nil
	}
	if !strings.Contains(raw, "://") {
		return Exporter{Host: raw, Insecure: true}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Exporter{}, fmt.Errorf("invalid OTLP endpoint %q: %w", raw, err)
	}

	exp := Exporter{Host: u.Host}
	switch u.Scheme {
	case "http":
		exp.Insecure = true
	case "https":
	default:
		return Exporter{}, fmt.Errorf("invalid OTLP endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}

	if path := strings.TrimSuffix(u.Path, "/"); path != "" {
		if signal {
			exp.Path = u.Path
		} else {
			exp.Path = path + "/v1/traces"
		}
	}
	return exp, nil
}

// ResourceAttributeList returns the resource attributes sorted by key.
func (c *OTELConfig) ResourceAttributeList() []attribute.KeyValue {
	if len(c.ResourceAttributes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(c.ResourceAttributes))
	for k := range c.ResourceAttributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, c.ResourceAttributes[k]))
	}
	return attrs
}
